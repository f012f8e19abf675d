// file: pkg/sumeragi/network.go
package sumeragi

import (
	"context"

	"github.com/kagami-chain/kagami/pkg/types"
)

// Network is the transport surface the engine drives, one method per
// outbound message kind plus the proxy tail's reactive signature
// collector.
type Network interface {
	BroadcastBlockCreated(ctx context.Context, m BlockCreated) error
	SendBlockSigned(ctx context.Context, to NodeID, m BlockSigned) error
	BroadcastBlockCommitted(ctx context.Context, m BlockCommitted) error
	BroadcastControlFlow(ctx context.Context, m ControlFlow) error

	// CollectSignatures blocks (proxy-tail side) until signatures over
	// blockHash from need distinct signers have arrived or ctx is done;
	// whether each signer is a validator is checked by the caller.
	CollectSignatures(ctx context.Context, blockHash [32]byte, need int) ([]BlockSigned, error)

	SetHandlers(h Handlers)
}

// Handlers is the inbound dispatch table, one field per message kind
// the engine must react to. BlockSyncUpdate has no entry
// here: pkg/blocksync owns that message's gossip/handler wiring
// entirely, registered separately against the same Network.
type Handlers struct {
	OnBlockCreated   func(ctx context.Context, m BlockCreated)
	OnBlockCommitted func(ctx context.Context, m BlockCommitted)
	OnControlFlow    func(ctx context.Context, m ControlFlow)
}

// Applier is the bridge from Sumeragi into the rest of the node: given a
// validated block, apply its instructions against the WSV and return
// the resulting header fields (transactions root, receipts root) the
// engine needs to finish building the block.
type Applier interface {
	// PrepareBlock builds the next block's body (drains Queue, executes
	// against a WSV view) without committing it.
	PrepareBlock(ctx context.Context, height uint64, previousHash [32]byte) (types.Block, error)
	// ValidateBlock trial-executes b's transactions and checks the accumulated roots against the header, without
	// committing anything. A validating peer calls this before signing.
	ValidateBlock(ctx context.Context, b types.Block) error
	// ApplyBlock commits b's instructions to the WSV and persists it via
	// Kura; only a fatal (process-aborting) storage failure is an error
	// the caller cannot absorb.
	ApplyBlock(ctx context.Context, b types.Block) error
}
