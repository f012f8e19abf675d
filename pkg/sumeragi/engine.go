// file: pkg/sumeragi/engine.go
package sumeragi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/types"
)

// Config carries the engine's tunables: block size and timing limits,
// plus the debug soft-fork override. BlockTime paces the leader when
// the last block was empty so an idle chain does not spin.
type Config struct {
	MaxTransactionsPerBlock int
	MaxClockSkewMillis      int64
	BlockTime               time.Duration
	DebugForceSoftFork      bool
}

func DefaultConfig() Config {
	return Config{MaxTransactionsPerBlock: 500, MaxClockSkewMillis: 2000, BlockTime: time.Second}
}

// Engine is the single-threaded cooperative consensus loop: one round
// per iteration, dispatched on the local peer's current topology role
// (leader or follower); State.Phase records how far the round has got.
type Engine struct {
	Cfg Config

	State   *State
	Safety  *Safety
	PM      *Pacemaker
	Net     Network
	Applier Applier
	KeyPair crypto.KeyPair

	Logger *zap.SugaredLogger

	// pendingProofs accumulates view-change signatures per proof
	// payload: every peer that times out signs and broadcasts its own
	// proof, and the signatures merge here until f+1 distinct
	// validators agree.
	muProofs      sync.Mutex
	pendingProofs map[[32]byte]*types.ViewChangeProof

	// OnFatal is invoked instead of panicking when a Kura/WSV failure
	// demands the process abort; nil is
	// treated as a no-op, letting tests observe the error via Run's
	// return value instead.
	OnFatal func(*errs.Fatal)
}

func NewEngine(state *State, safety *Safety, pm *Pacemaker, net Network, applier Applier, kp crypto.KeyPair, cfg Config) *Engine {
	e := &Engine{
		Cfg: cfg, State: state, Safety: safety, PM: pm, Net: net, Applier: applier, KeyPair: kp,
		pendingProofs: make(map[[32]byte]*types.ViewChangeProof),
	}
	net.SetHandlers(Handlers{
		OnBlockCreated:   e.onBlockCreated,
		OnBlockCommitted: e.onBlockCommitted,
		OnControlFlow:    e.onControlFlow,
	})
	return e
}

// Run drives one round per iteration until ctx is cancelled. Leaders
// actively propose; everyone else reacts to the handlers registered
// above.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if e.State.Topology.IsLeader(e.State.SelfID) {
			e.State.Phase = PhaseProposing
			if err := e.leaderRound(ctx); err != nil {
				if e.handleRoundError(ctx, err) {
					continue
				}
				return err
			}
		} else {
			if err := e.followerRound(ctx); err != nil {
				if e.handleRoundError(ctx, err) {
					continue
				}
				return err
			}
		}
	}
}

// followerRound waits for the round to commit (or for a view change),
// timing out with the reason matching how far the round got: no block
// observed means the leader never produced one, a block observed but
// uncommitted means the commit stalled.
func (e *Engine) followerRound(ctx context.Context) error {
	e.State.Phase = PhaseAwaitingCommit
	target := e.State.Topology.View() + 1

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.PM.WaitForViewAdvance(waitCtx, target) }()

	select {
	case err := <-done:
		return err
	case <-e.PM.Clock.After(e.PM.Timers.BlockCreationTimeout + e.PM.Timers.CommitTimeout):
		reason := types.ReasonBlockCreationTimeout
		if e.Safety.HasObservedAt(e.State.Height + 1) {
			reason = types.ReasonCommitTimeout
		}
		return roundTimeout{reason: reason}
	}
}

// handleRoundError classifies err: a view-change-triggering timeout is
// absorbed (the engine signs and broadcasts a proof, adopting the view
// change once f+1 peers agree); anything else propagates.
func (e *Engine) handleRoundError(ctx context.Context, err error) bool {
	reason, ok := err.(roundTimeout)
	if !ok {
		return false
	}
	e.proposeViewChange(ctx, reason.reason)
	return true
}

// proposeViewChange signs the local peer's claim that the view should
// advance and broadcasts it. The rotation itself happens only once the
// merged proof carries f+1 distinct validator signatures (immediately,
// in a topology with f = 0).
func (e *Engine) proposeViewChange(ctx context.Context, reason types.ViewChangeReason) {
	proof, err := NewProof(e.State.ProofChain, e.State.LatestBlockHash, reason)
	if err != nil {
		return
	}
	if err := SignProof(&proof, e.KeyPair); err != nil {
		return
	}
	merged, adopted := e.mergeProof(proof)
	_ = e.Net.BroadcastControlFlow(ctx, ControlFlow{Proof: proof, From: e.State.SelfID})
	if adopted {
		e.adoptViewChange(ctx, merged)
	}
}

// mergeProof folds p's signatures into the pending proof for the same
// payload and reports whether the merged proof now satisfies the f+1
// acceptance rule against the local chain state.
func (e *Engine) mergeProof(p types.ViewChangeProof) (types.ViewChangeProof, bool) {
	hash, err := p.Hash()
	if err != nil {
		return p, false
	}
	e.muProofs.Lock()
	pending, ok := e.pendingProofs[hash]
	if !ok {
		cp := p
		e.pendingProofs[hash] = &cp
		pending = &cp
	} else {
		for _, sig := range p.Signatures {
			dup := false
			for _, existing := range pending.Signatures {
				if existing.PublicKey == sig.PublicKey {
					dup = true
					break
				}
			}
			if !dup {
				pending.Signatures = append(pending.Signatures, sig)
			}
		}
	}
	merged := *pending
	e.muProofs.Unlock()

	f := e.State.Topology.Quorum().F
	return merged, VerifyWithState(merged, e.State.ProofChain, e.State.LatestBlockHash, e.State.Topology.Validators(), f)
}

// adoptViewChange records the accepted proof on the chain, discards the
// pending round and rotates.
func (e *Engine) adoptViewChange(ctx context.Context, proof types.ViewChangeProof) {
	e.State.ProofChain.Push(proof)
	e.muProofs.Lock()
	e.pendingProofs = make(map[[32]byte]*types.ViewChangeProof)
	e.muProofs.Unlock()
	e.viewChange(ctx, proof.Payload.Reason)
}

type roundTimeout struct{ reason types.ViewChangeReason }

func (r roundTimeout) Error() string { return fmt.Sprintf("round timed out: %s", r.reason) }

// leaderRound is the leader's side of a round: prepare a block, broadcast it, collect 2f+1 signatures, broadcast the
// commit.
func (e *Engine) leaderRound(ctx context.Context) error {
	block, err := e.Applier.PrepareBlock(ctx, e.State.Height, e.State.LatestBlockHash)
	if err != nil {
		return fmt.Errorf("prepare block: %w", err)
	}
	block.Header.ViewChangeIndex = uint32(e.State.ProofChain.Len())

	if err := e.Net.BroadcastBlockCreated(ctx, BlockCreated{Block: block}); err != nil {
		return fmt.Errorf("broadcast block created: %w", err)
	}
	if e.Logger != nil {
		e.Logger.Infow("block_proposed", "height", block.Header.Height, "view", e.State.Topology.View())
	}

	hash, err := block.Hash()
	if err != nil {
		return fmt.Errorf("hash block: %w", err)
	}

	e.State.Phase = PhaseAwaitingSignatures
	need := e.State.Topology.Quorum().Required()
	signed, err := e.Net.CollectSignatures(ctx, hash, need)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a quorum that never arrives is a stalled round, not a
		// process-stopping fault
		return roundTimeout{reason: types.ReasonCommitTimeout}
	}
	for _, s := range signed {
		block.AddSignature(s.Signature)
	}
	if VerifySignatures(&block, e.State.Topology.Validators()) < need {
		return roundTimeout{reason: types.ReasonCommitTimeout}
	}

	e.State.Phase = PhaseAwaitingCommit
	if err := e.commit(ctx, block); err != nil {
		return err
	}
	if err := e.Net.BroadcastBlockCommitted(ctx, BlockCommitted{Block: block}); err != nil {
		return err
	}

	// an empty block means the chain is idle; hold the block period
	// before proposing again instead of spinning
	if len(block.Body.Transactions) == 0 && e.Cfg.BlockTime > 0 {
		select {
		case <-ctx.Done():
		case <-e.PM.Clock.After(e.Cfg.BlockTime):
		}
	}
	return nil
}

// onBlockCreated is the validating peer's side of a round: validate
// the header and body, vote by signing it and returning the
// signature to the proxy tail.
func (e *Engine) onBlockCreated(ctx context.Context, m BlockCreated) {
	b := m.Block
	now := e.PM.Clock.Now().UnixMilli()
	if err := e.Safety.ValidateHeader(&b, e.State.LatestBlockHash, now, e.Cfg.MaxClockSkewMillis, e.Cfg.MaxTransactionsPerBlock); err != nil {
		if e.Logger != nil {
			e.Logger.Warnw("block_rejected", "err", err)
		}
		return
	}
	if !e.Safety.CanVote(&b) {
		return
	}
	if err := e.Applier.ValidateBlock(ctx, b); err != nil {
		if e.Logger != nil {
			e.Logger.Warnw("block_rejected", "err", err)
		}
		return
	}
	hash, err := b.Hash()
	if err != nil {
		return
	}
	e.Safety.Observe(b)

	sig := e.KeyPair.Sign(hash[:])
	tail := e.State.Topology.ProxyTail()
	_ = e.Net.SendBlockSigned(ctx, tail.ID, BlockSigned{BlockHash: hash, Signature: sig, From: e.State.SelfID})
}

// onBlockCommitted applies a block the proxy tail has finished
// certifying, the follower-side half of commit.
func (e *Engine) onBlockCommitted(ctx context.Context, m BlockCommitted) {
	if err := e.commit(ctx, m.Block); err != nil && e.Logger != nil {
		e.Logger.Errorw("commit_failed", "err", err)
	}
}

func (e *Engine) commit(ctx context.Context, b types.Block) error {
	if err := e.Applier.ApplyBlock(ctx, b); err != nil {
		if f, ok := err.(*errs.Fatal); ok {
			if e.OnFatal != nil {
				e.OnFatal(f)
			}
			return f
		}
		return err
	}
	e.Safety.UpdateLock(b)
	hash, err := b.Hash()
	if err != nil {
		return err
	}
	e.State.LatestBlockHash = hash
	e.State.Height = b.Header.Height
	e.State.Topology.Rotate()
	e.PM.SignalViewAdvance(e.State.Topology.View())
	if e.Logger != nil {
		e.Logger.Infow("block_committed", "height", b.Header.Height)
	}
	return nil
}

// onControlFlow folds an incoming view-change proof into the pending
// set, adopting the view change once f+1 distinct validator signatures
// accumulate across all peers' broadcasts.
func (e *Engine) onControlFlow(ctx context.Context, m ControlFlow) {
	if merged, adopted := e.mergeProof(m.Proof); adopted {
		e.adoptViewChange(ctx, merged)
	}
}

// Commit applies and locally finalizes b, exported so pkg/blocksync's
// catch-up path can drive a received block through the exact same
// apply/advance sequence leaderRound and onBlockCommitted use.
func (e *Engine) Commit(ctx context.Context, b types.Block) error {
	return e.commit(ctx, b)
}

// viewChange discards the pending block, advances ViewChangeIndex,
// rotates Topology and restarts the round.
func (e *Engine) viewChange(ctx context.Context, reason types.ViewChangeReason) {
	e.State.Phase = PhaseViewChanging
	if e.Cfg.DebugForceSoftFork {
		e.State.Phase = PhaseSoftForking
	}
	e.State.Topology.Rotate()
	e.State.Phase = PhaseIdle
	if e.Logger != nil {
		e.Logger.Infow("view_change", "reason", reason, "new_view", e.State.Topology.View())
	}
	e.PM.SignalViewAdvance(e.State.Topology.View())
}
