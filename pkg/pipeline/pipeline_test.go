package pipeline

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/executor"
	"github.com/kagami-chain/kagami/pkg/isi"
	"github.com/kagami-chain/kagami/pkg/kura"
	"github.com/kagami-chain/kagami/pkg/queue"
	"github.com/kagami-chain/kagami/pkg/types"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

const testChain = "kagami-test"

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                         { return f.now }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func newTestPipeline(t *testing.T, fc *fakeClock) *Pipeline {
	t.Helper()
	store, err := kura.Open(t.TempDir(), 16, kura.Fast, nil)
	if err != nil {
		t.Fatalf("open kura: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	w := wsv.New(64)
	q := queue.New(queue.DefaultConfig(), fc)
	sb := executor.NewSandbox(1_000_000, 16<<20)
	return New(testChain, w, q, store, sb, fc, zap.NewNop().Sugar())
}

func applyGenesis(t *testing.T, p *Pipeline, kp crypto.KeyPair, extra ...isi.Instruction) types.Block {
	t.Helper()
	instructions := append([]isi.Instruction{
		isi.RegisterDomain{ID: "wonderland", Owner: "alice@wonderland"},
		isi.RegisterAccount{Domain: "wonderland", ID: "alice@wonderland", Signatories: []crypto.PublicKey{kp.PublicKey()}},
	}, extra...)
	genesis, err := NewGenesisBlock(testChain, "alice@wonderland", instructions, p.Clock.Now().UnixMilli())
	if err != nil {
		t.Fatalf("genesis build: %v", err)
	}
	if err := p.ApplyBlock(context.Background(), genesis); err != nil {
		t.Fatalf("genesis apply: %v", err)
	}
	return genesis
}

func signedTx(t *testing.T, kp crypto.KeyPair, fc *fakeClock, instructions []isi.Instruction) *types.Transaction {
	t.Helper()
	encoded, err := isi.Encode(instructions)
	if err != nil {
		t.Fatalf("encode instructions: %v", err)
	}
	tx := &types.Transaction{
		Payload: types.TransactionPayload{
			ChainID:      testChain,
			Authority:    "alice@wonderland",
			CreationTime: fc.now.UnixMilli(),
			TTLMillis:    60_000,
			Executable:   types.Executable{Instructions: encoded},
		},
	}
	hash, err := tx.Hash()
	if err != nil {
		t.Fatalf("hash tx: %v", err)
	}
	tx.Signatures = append(tx.Signatures, kp.Sign(hash[:]))
	return tx
}

func TestPrepareAndApplyBlock(t *testing.T) {
	fc := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	p := newTestPipeline(t, fc)
	kp, err := crypto.NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	genesis := applyGenesis(t, p, kp)
	genesisHash, _ := genesis.Hash()

	tx := signedTx(t, kp, fc, []isi.Instruction{isi.RegisterRole{ID: "root"}})
	if err := p.Queue.Push(tx, []crypto.PublicKey{kp.PublicKey()}); err != nil {
		t.Fatalf("queue push: %v", err)
	}

	fc.now = fc.now.Add(time.Second)
	b, err := p.PrepareBlock(context.Background(), 1, genesisHash)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if b.Header.Height != 2 || len(b.Body.Transactions) != 1 || len(b.Body.Rejected) != 0 {
		t.Fatalf("unexpected block: %+v", b)
	}

	if err := p.ValidateBlock(context.Background(), b); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := p.ApplyBlock(context.Background(), b); err != nil {
		t.Fatalf("apply: %v", err)
	}

	view := p.WSV.View()
	if view.Height() != 2 {
		t.Fatalf("height = %d, want 2", view.Height())
	}
	if _, ok := view.Role("root"); !ok {
		t.Fatalf("role not applied")
	}
	if p.Kura.BlockCount() != 2 {
		t.Fatalf("kura count = %d, want 2", p.Kura.BlockCount())
	}
	// the committed transaction may not re-enter the queue
	if err := p.Queue.Push(tx, []crypto.PublicKey{kp.PublicKey()}); err == nil {
		t.Fatalf("expected duplicate-committed rejection")
	}
}

func TestRejectedTransactionLeavesNoTrace(t *testing.T) {
	fc := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	p := newTestPipeline(t, fc)
	kp, err := crypto.NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	genesis := applyGenesis(t, p, kp)
	genesisHash, _ := genesis.Hash()

	// first tx registers a fresh role then fails on a duplicate domain;
	// second tx registers a different role and succeeds.
	bad := signedTx(t, kp, fc, []isi.Instruction{
		isi.RegisterRole{ID: "phantom"},
		isi.RegisterDomain{ID: "wonderland"}, // repetition error
	})
	fc.now = fc.now.Add(time.Millisecond)
	good := signedTx(t, kp, fc, []isi.Instruction{isi.RegisterRole{ID: "kept"}})

	_ = p.Queue.Push(bad, []crypto.PublicKey{kp.PublicKey()})
	_ = p.Queue.Push(good, []crypto.PublicKey{kp.PublicKey()})

	fc.now = fc.now.Add(time.Second)
	b, err := p.PrepareBlock(context.Background(), 1, genesisHash)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(b.Body.Transactions) != 2 || len(b.Body.Rejected) != 1 || b.Body.Rejected[0].Index != 0 {
		t.Fatalf("unexpected rejection set: %+v", b.Body.Rejected)
	}
	if err := p.ApplyBlock(context.Background(), b); err != nil {
		t.Fatalf("apply: %v", err)
	}

	view := p.WSV.View()
	if _, ok := view.Role("phantom"); ok {
		t.Fatalf("rejected transaction's partial effects leaked")
	}
	if _, ok := view.Role("kept"); !ok {
		t.Fatalf("accepted transaction not applied")
	}
}

func TestValidateBlockRejectsTamperedReceipts(t *testing.T) {
	fc := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	p := newTestPipeline(t, fc)
	kp, err := crypto.NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	genesis := applyGenesis(t, p, kp)
	genesisHash, _ := genesis.Hash()

	tx := signedTx(t, kp, fc, []isi.Instruction{isi.RegisterRole{ID: "root"}})
	_ = p.Queue.Push(tx, []crypto.PublicKey{kp.PublicKey()})
	fc.now = fc.now.Add(time.Second)
	b, err := p.PrepareBlock(context.Background(), 1, genesisHash)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	b.Header.ResultReceiptsRoot[0] ^= 0xff
	if err := p.ValidateBlock(context.Background(), b); err == nil {
		t.Fatalf("expected receipts-root mismatch")
	}
}

func TestTimeTriggerMintsOncePerPeriod(t *testing.T) {
	fc := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	p := newTestPipeline(t, fc)
	kp, err := crypto.NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	mintBody, err := isi.Encode([]isi.Instruction{isi.MintAsset{
		Domain:  "wonderland",
		Account: "alice@wonderland",
		Asset:   "rose#wonderland#alice@wonderland",
		Amount:  wsv.Quantity{Value: 1},
	}})
	if err != nil {
		t.Fatalf("encode trigger body: %v", err)
	}
	genesis := applyGenesis(t, p, kp,
		isi.RegisterAssetDefinition{Domain: "wonderland", ID: "rose#wonderland", Owner: "alice@wonderland", Spec: wsv.NumericSpec{Integer: true}, Mintable: true},
		isi.RegisterTrigger{
			ID:        "mint_rose",
			Authority: "alice@wonderland",
			Filter:    wsv.TriggerFilter{Kind: "time", Schedule: &wsv.TimeSchedule{PeriodMillis: 100}},
			Executable: mintBody,
		},
	)
	genesisHash, _ := genesis.Hash()

	// an empty block one second after genesis fires the trigger ten times
	fc.now = fc.now.Add(time.Second)
	b, err := p.PrepareBlock(context.Background(), 1, genesisHash)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := p.ApplyBlock(context.Background(), b); err != nil {
		t.Fatalf("apply: %v", err)
	}

	view := p.WSV.View()
	acc, ok := view.Account("wonderland", "alice@wonderland")
	if !ok {
		t.Fatalf("account missing")
	}
	asset, ok := acc.Assets["rose#wonderland#alice@wonderland"]
	if !ok {
		t.Fatalf("asset never minted")
	}
	if asset.Quantity.Value != 10 {
		t.Fatalf("minted %d, want 10", asset.Quantity.Value)
	}
}

func TestFractionalMintIntoIntegerAssetIsRejected(t *testing.T) {
	fc := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	p := newTestPipeline(t, fc)
	kp, err := crypto.NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	genesis := applyGenesis(t, p, kp,
		isi.RegisterAssetDefinition{Domain: "wonderland", ID: "asset#wonderland", Owner: "alice@wonderland", Spec: wsv.NumericSpec{Integer: true}, Mintable: true},
	)
	genesisHash, _ := genesis.Hash()

	fractional := signedTx(t, kp, fc, []isi.Instruction{isi.MintAsset{
		Domain: "wonderland", Account: "alice@wonderland",
		Asset:  "asset#wonderland#alice@wonderland",
		Amount: wsv.Quantity{Value: 1, Scale: 2}, // 0.01
	}})
	fc.now = fc.now.Add(time.Millisecond)
	integral := signedTx(t, kp, fc, []isi.Instruction{isi.MintAsset{
		Domain: "wonderland", Account: "alice@wonderland",
		Asset:  "asset#wonderland#alice@wonderland",
		Amount: wsv.Quantity{Value: 1},
	}})

	_ = p.Queue.Push(fractional, []crypto.PublicKey{kp.PublicKey()})
	_ = p.Queue.Push(integral, []crypto.PublicKey{kp.PublicKey()})

	fc.now = fc.now.Add(time.Second)
	b, err := p.PrepareBlock(context.Background(), 1, genesisHash)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(b.Body.Rejected) != 1 || b.Body.Rejected[0].Index != 0 {
		t.Fatalf("unexpected rejections: %+v", b.Body.Rejected)
	}
	if err := p.ApplyBlock(context.Background(), b); err != nil {
		t.Fatalf("apply: %v", err)
	}

	view := p.WSV.View()
	acc, _ := view.Account("wonderland", "alice@wonderland")
	asset := acc.Assets["asset#wonderland#alice@wonderland"]
	if asset == nil || asset.Quantity.Value != 1 || asset.Quantity.Scale != 0 {
		t.Fatalf("unexpected asset state: %+v", asset)
	}
}
