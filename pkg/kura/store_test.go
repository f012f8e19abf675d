package kura

import (
	"testing"

	"github.com/kagami-chain/kagami/pkg/types"
)

func blockAt(height uint64, prev [32]byte) types.Block {
	return types.Block{
		Header: types.BlockHeader{
			Height:             height,
			PreviousHash:       prev,
			CreationTimeMillis: int64(height) * 1000,
		},
	}
}

func TestAppendThenGetByHeightAndHash(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 10, Fast, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	b := blockAt(1, [32]byte{})
	if err := s.Append(b); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, ok := s.GetByHeight(1)
	if !ok {
		t.Fatalf("expected block at height 1")
	}
	if got.Header.Height != 1 {
		t.Fatalf("got wrong height: %d", got.Header.Height)
	}

	hash, _ := b.Hash()
	byHash, ok := s.GetByHash(hash)
	if !ok || byHash.Header.Height != 1 {
		t.Fatalf("expected to find block by hash")
	}
	if s.BlockCount() != 1 {
		t.Fatalf("expected block count 1, got %d", s.BlockCount())
	}
}

func TestRolloverAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 2, Fast, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	var prev [32]byte
	for h := uint64(1); h <= 5; h++ {
		b := blockAt(h, prev)
		if err := s.Append(b); err != nil {
			t.Fatalf("append %d: %v", h, err)
		}
		prev, _ = b.Hash()
	}
	if s.BlockCount() != 5 {
		t.Fatalf("expected 5 blocks, got %d", s.BlockCount())
	}
	for h := uint64(1); h <= 5; h++ {
		if _, ok := s.GetByHeight(h); !ok {
			t.Fatalf("expected block at height %d to be retrievable after rollover", h)
		}
	}
}

func TestRecoverRebuildsIndexAfterReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 10, Fast, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b := blockAt(1, [32]byte{})
	if err := s.Append(b); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.Close()

	reopened, err := Open(dir, 10, Fast, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.BlockCount() != 1 {
		t.Fatalf("expected recovered count 1, got %d", reopened.BlockCount())
	}
	if _, ok := reopened.GetByHeight(1); !ok {
		t.Fatalf("expected recovered block at height 1")
	}
}
