package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/types"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

// TransactionGossip is the batch of pending transactions one peer
// shares with the others so every queue converges on the same pending
// set even when clients submit to different peers.
type TransactionGossip struct {
	Transactions []*types.Transaction
}

// GossipNetwork is the transport slice the gossiper needs.
type GossipNetwork interface {
	BroadcastTransactions(ctx context.Context, m TransactionGossip) error
	SetTransactionHandler(fn func(ctx context.Context, m TransactionGossip))
}

// Gossiper periodically shares a batch of pending transactions and
// admits batches received from peers through the ordinary Push path, so
// gossip can never smuggle a transaction past admission control.
type Gossiper struct {
	Q         *Queue
	Net       GossipNetwork
	Period    time.Duration
	BatchSize int

	// View and SignatoriesOf resolve an incoming transaction's
	// authority against the committed world state.
	View          func() *wsv.View
	SignatoriesOf func(*wsv.View, wsv.AccountID) []crypto.PublicKey

	Log *zap.SugaredLogger
}

func (g *Gossiper) Run(ctx context.Context) {
	g.Net.SetTransactionHandler(g.onGossip)
	ticker := time.NewTicker(g.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch := g.Q.GossipBatch(g.BatchSize)
			if len(batch) == 0 {
				continue
			}
			if err := g.Net.BroadcastTransactions(ctx, TransactionGossip{Transactions: batch}); err != nil && g.Log != nil {
				g.Log.Warnw("tx_gossip_failed", "err", err)
			}
		}
	}
}

func (g *Gossiper) onGossip(_ context.Context, m TransactionGossip) {
	view := g.View()
	for _, tx := range m.Transactions {
		if tx == nil {
			continue
		}
		// duplicates and anything else inadmissible are expected here;
		// gossip is best-effort convergence, not a client submission
		_ = g.Q.Push(tx, g.SignatoriesOf(view, tx.Payload.Authority))
	}
}
