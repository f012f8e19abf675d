// file: pkg/blocksync/messages.go
package blocksync

import (
	"github.com/kagami-chain/kagami/pkg/sumeragi"
	"github.com/kagami-chain/kagami/pkg/types"
)

// GetBlocksAfter requests every block after Hash, up to the responder's
// configured batch size, ported from block_sync.rs's
// Message::GetBlocksAfter(Hash, PeerId).
type GetBlocksAfter struct {
	Hash [32]byte
	From sumeragi.NodeID
}

// ShareBlocks answers a GetBlocksAfter with the requested batch, ported
// from block_sync.rs's Message::ShareBlocks(Vec<VersionedCommittedBlock>, PeerId).
type ShareBlocks struct {
	Blocks []types.Block
	From   sumeragi.NodeID
}
