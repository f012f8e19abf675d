package blocksync

import (
	"context"
	"testing"

	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/sumeragi"
	"github.com/kagami-chain/kagami/pkg/types"
)

type fakeNet struct {
	handlers        Handlers
	getBlocksAfter  []GetBlocksAfter
	shareBlocks     []ShareBlocks
	latestBroadcast []sumeragi.BlockSyncUpdate
}

func (f *fakeNet) BroadcastLatestBlock(ctx context.Context, m sumeragi.BlockSyncUpdate) error {
	f.latestBroadcast = append(f.latestBroadcast, m)
	return nil
}
func (f *fakeNet) SendGetBlocksAfter(ctx context.Context, to sumeragi.NodeID, m GetBlocksAfter) error {
	f.getBlocksAfter = append(f.getBlocksAfter, m)
	return nil
}
func (f *fakeNet) SendShareBlocks(ctx context.Context, to sumeragi.NodeID, m ShareBlocks) error {
	f.shareBlocks = append(f.shareBlocks, m)
	return nil
}
func (f *fakeNet) SetBlockSyncHandlers(h Handlers) { f.handlers = h }

type fakeCommitter struct {
	committed []types.Block
}

func (c *fakeCommitter) Commit(ctx context.Context, b types.Block) error {
	c.committed = append(c.committed, b)
	return nil
}

func mustKeyPair(t *testing.T) crypto.KeyPair {
	t.Helper()
	var seed [32]byte
	kp, err := crypto.NewEd25519KeyPairFromSeed(seed[:])
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return kp
}

func singlePeerState(t *testing.T, selfID sumeragi.NodeID, kp crypto.KeyPair) *sumeragi.State {
	t.Helper()
	top := sumeragi.NewTopology([]sumeragi.Peer{{ID: selfID, PublicKey: kp.PublicKey()}})
	return sumeragi.NewState(selfID, top)
}

func TestOnLatestBlockRequestsGapWhenHashDiffers(t *testing.T) {
	kp := mustKeyPair(t)
	state := singlePeerState(t, "self", kp)
	net := &fakeNet{}
	dir := t.TempDir()
	_ = dir

	s := NewSyncer(DefaultConfig(), "self", nil, state, &fakeCommitter{}, net, nil)
	s.onLatestBlock(context.Background(), sumeragi.BlockSyncUpdate{LatestHash: [32]byte{9}, From: "peer"})

	if len(net.getBlocksAfter) != 1 {
		t.Fatalf("expected one GetBlocksAfter request, got %d", len(net.getBlocksAfter))
	}
	if net.getBlocksAfter[0].From != "self" {
		t.Fatalf("expected request to identify self as requester")
	}
}

func TestOnLatestBlockNoopWhenHashMatches(t *testing.T) {
	kp := mustKeyPair(t)
	state := singlePeerState(t, "self", kp)
	net := &fakeNet{}
	s := NewSyncer(DefaultConfig(), "self", nil, state, &fakeCommitter{}, net, nil)

	s.onLatestBlock(context.Background(), sumeragi.BlockSyncUpdate{LatestHash: state.LatestBlockHash, From: "peer"})

	if len(net.getBlocksAfter) != 0 {
		t.Fatalf("expected no request when hashes match")
	}
}

func TestOnShareBlocksAppliesValidBatch(t *testing.T) {
	kp := mustKeyPair(t)
	state := singlePeerState(t, "self", kp)

	block := types.Block{Header: types.BlockHeader{Height: 1, PreviousHash: state.LatestBlockHash}}
	hash, err := block.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	block.AddSignature(kp.Sign(hash[:]))

	committer := &fakeCommitter{}
	net := &fakeNet{}
	s := NewSyncer(DefaultConfig(), "self", nil, state, committer, net, nil)

	s.onShareBlocks(context.Background(), ShareBlocks{Blocks: []types.Block{block}, From: "peer"})

	if len(committer.committed) != 1 {
		t.Fatalf("expected block to be committed, got %d", len(committer.committed))
	}
	if len(net.getBlocksAfter) != 1 {
		t.Fatalf("expected a follow-up GetBlocksAfter for the next batch, got %d", len(net.getBlocksAfter))
	}
}

func TestOnShareBlocksDuplicateHeightIsNoop(t *testing.T) {
	kp := mustKeyPair(t)
	state := singlePeerState(t, "self", kp)
	state.Height = 5

	block := types.Block{Header: types.BlockHeader{Height: 1, PreviousHash: [32]byte{1}}}
	committer := &fakeCommitter{}
	net := &fakeNet{}
	s := NewSyncer(DefaultConfig(), "self", nil, state, committer, net, nil)

	s.onShareBlocks(context.Background(), ShareBlocks{Blocks: []types.Block{block}, From: "peer"})

	if len(committer.committed) != 0 {
		t.Fatalf("expected duplicate-height block to be skipped, not committed")
	}
}

func TestOnShareBlocksIgnoredWhileBatchInProgress(t *testing.T) {
	kp := mustKeyPair(t)
	state := singlePeerState(t, "self", kp)
	net := &fakeNet{}
	s := NewSyncer(DefaultConfig(), "self", nil, state, &fakeCommitter{}, net, nil)

	s.batch = &pendingBatch{blocks: []types.Block{{}}, from: "peer"}
	s.onShareBlocks(context.Background(), ShareBlocks{Blocks: []types.Block{{}}, From: "other"})

	if s.batch.from != "peer" {
		t.Fatalf("expected in-progress batch to be left untouched")
	}
}
