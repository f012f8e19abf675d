package isi

import (
	"testing"

	"github.com/kagami-chain/kagami/pkg/wsv"
)

func newWonderland(t *testing.T) (*wsv.WSV, *wsv.WriteTx) {
	w := wsv.New(16)
	tx := w.Begin()
	if err := Execute(tx, "genesis@wonderland", []Instruction{
		RegisterDomain{ID: "wonderland"},
		RegisterAccount{Domain: "wonderland", ID: "alice@wonderland"},
		RegisterAssetDefinition{Domain: "wonderland", ID: "rose#wonderland", Owner: "alice@wonderland", Mintable: true},
	}); err != nil {
		t.Fatalf("setup sequence: %v", err)
	}
	return w, tx
}

func TestMintThenBurnRoundTrip(t *testing.T) {
	_, tx := newWonderland(t)

	mint := MintAsset{Domain: "wonderland", Account: "alice@wonderland", Asset: "rose#wonderland#alice@wonderland", Amount: wsv.Quantity{Value: 10}}
	if err := mint.Execute(tx, "alice@wonderland"); err != nil {
		t.Fatalf("mint: %v", err)
	}

	burn := BurnAsset{Domain: "wonderland", Account: "alice@wonderland", Asset: "rose#wonderland#alice@wonderland", Amount: wsv.Quantity{Value: 4}}
	if err := burn.Execute(tx, "alice@wonderland"); err != nil {
		t.Fatalf("burn: %v", err)
	}

	acc, _ := tx.Account("wonderland", "alice@wonderland")
	asset := acc.Assets["rose#wonderland#alice@wonderland"]
	if asset.Quantity.Value != 6 {
		t.Fatalf("expected 6 roses remaining, got %d", asset.Quantity.Value)
	}
}

func TestBurnBelowZeroIsMathError(t *testing.T) {
	_, tx := newWonderland(t)

	burn := BurnAsset{Domain: "wonderland", Account: "alice@wonderland", Asset: "rose#wonderland#alice@wonderland", Amount: wsv.Quantity{Value: 1}}
	if err := burn.Execute(tx, "alice@wonderland"); err == nil {
		t.Fatal("expected math error burning below zero")
	}
}

func TestSequenceStopsAtFirstFailure(t *testing.T) {
	w := wsv.New(16)
	tx := w.Begin()

	seq := Sequence{Instructions: []Instruction{
		RegisterDomain{ID: "wonderland"},
		RegisterDomain{ID: "wonderland"}, // repetition error
		RegisterAccount{Domain: "wonderland", ID: "alice@wonderland"},
	}}

	if err := seq.Execute(tx, "genesis@wonderland"); err == nil {
		t.Fatal("expected sequence to fail on duplicate domain registration")
	}
	if _, ok := tx.Account("wonderland", "alice@wonderland"); ok {
		t.Fatal("account must not have been registered after the sequence failed")
	}
}
