package snapshot

import (
	"testing"

	"github.com/kagami-chain/kagami/pkg/kura"
	"github.com/kagami-chain/kagami/pkg/types"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := wsv.New(8)
	tx := store.Begin()
	if err := tx.RegisterDomain("wonderland"); err != nil {
		t.Fatalf("register domain: %v", err)
	}
	tx.Commit([32]byte{1})

	snap := store.Export()
	if err := Write(dir, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Height != 1 {
		t.Fatalf("expected height 1, got %d", got.Height)
	}
	if _, ok := got.Domains["wonderland"]; !ok {
		t.Fatalf("expected domain to round-trip")
	}
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	if _, err := Read(dir); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadAndVerifySucceedsOnMatchingHashes(t *testing.T) {
	dir := t.TempDir()
	kuraDir := t.TempDir()
	store, err := kura.Open(kuraDir, 10, kura.Fast, nil)
	if err != nil {
		t.Fatalf("open kura: %v", err)
	}
	defer store.Close()

	b := types.Block{Header: types.BlockHeader{Height: 1, PreviousHash: [32]byte{}}}
	if err := store.Append(b); err != nil {
		t.Fatalf("append: %v", err)
	}
	hash, _ := b.Hash()

	wsvStore := wsv.New(8)
	tx := wsvStore.Begin()
	tx.Commit(hash)
	snap := wsvStore.Export()
	if err := Write(dir, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, found, err := LoadAndVerify(dir, store)
	if err != nil {
		t.Fatalf("load and verify: %v", err)
	}
	if !found {
		t.Fatalf("expected snapshot to be found")
	}
	if got.Height != 1 {
		t.Fatalf("expected height 1, got %d", got.Height)
	}
}

func TestLoadAndVerifyFailsOnHashMismatch(t *testing.T) {
	dir := t.TempDir()
	kuraDir := t.TempDir()
	store, err := kura.Open(kuraDir, 10, kura.Fast, nil)
	if err != nil {
		t.Fatalf("open kura: %v", err)
	}
	defer store.Close()

	b := types.Block{Header: types.BlockHeader{Height: 1, PreviousHash: [32]byte{}}}
	if err := store.Append(b); err != nil {
		t.Fatalf("append: %v", err)
	}

	wsvStore := wsv.New(8)
	tx := wsvStore.Begin()
	tx.Commit([32]byte{0xde, 0xad})
	snap := wsvStore.Export()
	if err := Write(dir, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, _, err := LoadAndVerify(dir, store); err == nil {
		t.Fatalf("expected a mismatch error")
	}
}
