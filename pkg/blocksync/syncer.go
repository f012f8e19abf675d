// Package blocksync implements catch-up block synchronization:
// periodic gossip of the latest committed block hash,
// pulling missing blocks from whichever peer announced a newer one,
// and idempotently applying them through the same commit path Sumeragi
// uses for consensus-produced blocks.
package blocksync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagami-chain/kagami/pkg/kura"
	"github.com/kagami-chain/kagami/pkg/sumeragi"
	"github.com/kagami-chain/kagami/pkg/types"
)

// Committer is the narrow slice of *sumeragi.Engine's surface the
// catch-up path needs: apply and locally finalize one block through
// the same steps leaderRound/onBlockCommitted use.
type Committer interface {
	Commit(ctx context.Context, b types.Block) error
}

// pendingBatch is the in-progress half of the syncer's two-state
// machine; a nil *pendingBatch on Syncer means idle.
type pendingBatch struct {
	blocks []types.Block
	from   sumeragi.NodeID
}

type Syncer struct {
	mu    sync.Mutex
	batch *pendingBatch

	cfg    Config
	self   sumeragi.NodeID
	store  *kura.Store
	state  *sumeragi.State
	commit Committer
	net    Network
	log    *zap.SugaredLogger
}

func NewSyncer(cfg Config, self sumeragi.NodeID, store *kura.Store, state *sumeragi.State, commit Committer, net Network, log *zap.SugaredLogger) *Syncer {
	s := &Syncer{cfg: cfg, self: self, store: store, state: state, commit: commit, net: net, log: log}
	net.SetBlockSyncHandlers(Handlers{
		OnLatestBlock:    s.onLatestBlock,
		OnGetBlocksAfter: s.onGetBlocksAfter,
		OnShareBlocks:    s.onShareBlocks,
	})
	return s
}

// Run gossips the local latest block hash every GossipPeriod until ctx
// is cancelled, mirroring BlockSynchronizer::start's sleep-then-publish
// loop.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.GossipPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := sumeragi.BlockSyncUpdate{LatestHash: s.state.LatestBlockHash, From: s.self}
			if err := s.net.BroadcastLatestBlock(ctx, m); err != nil && s.log != nil {
				s.log.Warnw("blocksync_gossip_failed", "err", err)
			}
		}
	}
}

// onLatestBlock requests the blocks after the local tip whenever a peer
// announces a latest hash different from the local one, mirroring
// Message::LatestBlock's handler. It does not check whether the announced
// hash is ahead of the local chain; a responder that does not know the
// requested hash serves from height 1, and applyOne skips blocks at or
// below the local height as no-ops.
func (s *Syncer) onLatestBlock(ctx context.Context, m sumeragi.BlockSyncUpdate) {
	if m.LatestHash == s.state.LatestBlockHash {
		return
	}
	req := GetBlocksAfter{Hash: s.state.LatestBlockHash, From: s.self}
	if err := s.net.SendGetBlocksAfter(ctx, m.From, req); err != nil && s.log != nil {
		s.log.Warnw("blocksync_request_failed", "err", err)
	}
}

// onGetBlocksAfter serves up to cfg.BatchSize blocks from local Kura
// storage, mirroring Message::GetBlocksAfter's handler.
func (s *Syncer) onGetBlocksAfter(ctx context.Context, m GetBlocksAfter) {
	if s.cfg.BatchSize == 0 {
		if s.log != nil {
			s.log.Warnw("blocksync_batch_size_zero")
		}
		return
	}
	blocks := s.store.BlocksAfter(m.Hash, s.cfg.BatchSize)
	if len(blocks) == 0 {
		return
	}
	resp := ShareBlocks{Blocks: blocks, From: s.self}
	if err := s.net.SendShareBlocks(ctx, m.From, resp); err != nil && s.log != nil {
		s.log.Warnw("blocksync_share_failed", "err", err)
	}
}

// onShareBlocks begins synchronization. A batch arriving while one is
// already in progress is dropped.
func (s *Syncer) onShareBlocks(ctx context.Context, m ShareBlocks) {
	s.mu.Lock()
	if s.batch != nil {
		s.mu.Unlock()
		return
	}
	s.batch = &pendingBatch{blocks: m.Blocks, from: m.From}
	s.mu.Unlock()
	s.continueSync(ctx)
}

// continueSync applies the batch's blocks one at a time, matching
// continue_sync: split the first block off, validate it chains onto
// the local tip with quorum signatures, commit-or-drop, and loop onto
// the remainder; once the batch is exhausted, request the next one
// from the same peer.
func (s *Syncer) continueSync(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.batch == nil || len(s.batch.blocks) == 0 {
			s.mu.Unlock()
			break
		}
		block := s.batch.blocks[0]
		rest := s.batch.blocks[1:]
		s.mu.Unlock()

		if !s.applyOne(ctx, block) {
			if s.log != nil {
				s.log.Warnw("blocksync_batch_rejected", "height", block.Header.Height)
			}
			s.mu.Lock()
			s.batch = nil
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if s.batch != nil {
			s.batch.blocks = rest
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	finished := s.batch
	s.batch = nil
	s.mu.Unlock()
	if finished == nil {
		return
	}
	req := GetBlocksAfter{Hash: s.state.LatestBlockHash, From: s.self}
	if err := s.net.SendGetBlocksAfter(ctx, finished.from, req); err != nil && s.log != nil {
		s.log.Warnw("blocksync_next_batch_failed", "err", err)
	}
}

// applyOne validates and commits a single block from the current sync
// batch, returning false if it should not (or could not) be applied. A
// block at or below the local height is treated as an idempotent
// no-op rather than a validation failure — re-delivering an
// already-committed block changes nothing.
func (s *Syncer) applyOne(ctx context.Context, b types.Block) bool {
	if b.Header.Height <= s.state.Height {
		return true
	}
	if b.Header.PreviousHash != s.state.LatestBlockHash {
		return false
	}
	need := s.state.Topology.Quorum().Required()
	if sumeragi.VerifySignatures(&b, s.state.Topology.Validators()) < need {
		return false
	}
	if err := s.commit.Commit(ctx, b); err != nil {
		if s.log != nil {
			s.log.Errorw("blocksync_commit_failed", "err", err)
		}
		return false
	}
	return true
}
