// file: pkg/sumeragi/pacemaker.go
package sumeragi

import (
	"context"
	"time"

	"github.com/kagami-chain/kagami/internal/clock"
	"github.com/kagami-chain/kagami/pkg/types"
)

// PacemakerTimers holds one duration per timer class: the commit
// deadline, the transaction-receipt deadline and the block-creation
// deadline.
type PacemakerTimers struct {
	CommitTimeout            time.Duration
	TransactionReceiptTimeout time.Duration
	BlockCreationTimeout     time.Duration
}

// Pacemaker holds the three timer classes over an injectable
// clock.Clock so tests can drive timeouts deterministically; each Await
// method waits on one timer and reports that timer's ViewChangeReason
// when it fires.
type Pacemaker struct {
	Timers PacemakerTimers
	Clock  clock.Clock

	viewAdvanceCh chan View
}

func NewPacemaker(timers PacemakerTimers, c clock.Clock) *Pacemaker {
	return &Pacemaker{Timers: timers, Clock: c, viewAdvanceCh: make(chan View, 10)}
}

// AwaitBlockCreated blocks until either the block-creation timer fires
// (returning ReasonBlockCreationTimeout) or the context is cancelled
// (a block arrived and the caller moved on).
func (p *Pacemaker) AwaitBlockCreated(ctx context.Context) (timedOut bool, reason types.ViewChangeReason) {
	select {
	case <-ctx.Done():
		return false, 0
	case <-p.Clock.After(p.Timers.BlockCreationTimeout):
		return true, types.ReasonBlockCreationTimeout
	}
}

// AwaitTransactionReceipt blocks until either the receipt timer fires
// (returning ReasonNoTransactionReceiptReceived) or ctx is cancelled.
func (p *Pacemaker) AwaitTransactionReceipt(ctx context.Context) (timedOut bool, reason types.ViewChangeReason) {
	select {
	case <-ctx.Done():
		return false, 0
	case <-p.Clock.After(p.Timers.TransactionReceiptTimeout):
		return true, types.ReasonNoTransactionReceiptReceived
	}
}

// AwaitCommit blocks until either the commit timer fires (returning
// ReasonCommitTimeout) or ctx is cancelled.
func (p *Pacemaker) AwaitCommit(ctx context.Context) (timedOut bool, reason types.ViewChangeReason) {
	select {
	case <-ctx.Done():
		return false, 0
	case <-p.Clock.After(p.Timers.CommitTimeout):
		return true, types.ReasonCommitTimeout
	}
}

// SignalViewAdvance notifies any WaitForViewAdvance caller that the
// view has moved to v, dropping the signal if the buffer is already
// full (a follower that misses it falls back to its timeout).
func (p *Pacemaker) SignalViewAdvance(v View) {
	select {
	case p.viewAdvanceCh <- v:
	default:
	}
}

// WaitForViewAdvance blocks until a SignalViewAdvance for a view >=
// target arrives or ctx is cancelled.
func (p *Pacemaker) WaitForViewAdvance(ctx context.Context, target View) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-p.viewAdvanceCh:
			if v >= target {
				return nil
			}
		}
	}
}
