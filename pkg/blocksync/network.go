// file: pkg/blocksync/network.go
package blocksync

import (
	"context"

	"github.com/kagami-chain/kagami/pkg/sumeragi"
)

// Handlers is blocksync's own inbound dispatch table, disjoint from
// sumeragi.Handlers: the engine never needs to react to these three
// message kinds, only the Syncer does.
type Handlers struct {
	OnLatestBlock    func(ctx context.Context, m sumeragi.BlockSyncUpdate)
	OnGetBlocksAfter func(ctx context.Context, m GetBlocksAfter)
	OnShareBlocks    func(ctx context.Context, m ShareBlocks)
}

// Network is the transport Syncer needs: the gossip broadcast it
// shares with sumeragi.Network's wire (LatestBlock reuses
// sumeragi.BlockSyncUpdate's shape) plus a unicast request/response
// pair for pulling missing blocks, mirroring block_sync.rs's
// GetBlocksAfter/ShareBlocks messages.
type Network interface {
	BroadcastLatestBlock(ctx context.Context, m sumeragi.BlockSyncUpdate) error
	SendGetBlocksAfter(ctx context.Context, to sumeragi.NodeID, m GetBlocksAfter) error
	SendShareBlocks(ctx context.Context, to sumeragi.NodeID, m ShareBlocks) error
	SetBlockSyncHandlers(h Handlers)
}
