// file: pkg/sumeragi/messages.go
package sumeragi

import (
	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/types"
)

// BlockCreated is broadcast by the leader when it proposes a block.
type BlockCreated struct {
	Block types.Block
}

// BlockSigned is unicast from a validating peer back to the proxy tail
// carrying that peer's signature over the proposed block's header
// hash.
type BlockSigned struct {
	BlockHash [32]byte
	Signature crypto.Signature
	From      NodeID
}

// BlockCommitted is gossiped once the proxy tail has collected 2f+1
// signatures.
type BlockCommitted struct {
	Block types.Block
}

// BlockSyncUpdate announces the sender's latest committed block hash,
// the trigger for pkg/blocksync's catch-up protocol.
type BlockSyncUpdate struct {
	LatestHash [32]byte
	From       NodeID
}

// ControlFlow carries a view-change proof between peers.
type ControlFlow struct {
	Proof types.ViewChangeProof
	From  NodeID
}
