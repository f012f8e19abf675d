// file: pkg/network/libp2p.go
//
// Gossipsub topics for broadcast, libp2p stream protocols for unicast,
// and a channel-signaled reactive collector instead of polling:
// sumeragi.Handlers' three message kinds (BlockCreated,
// BlockCommitted, ControlFlow, plus the BlockSigned unicast stream) and
// blocksync.Handlers' three (LatestBlock gossip on the same block-sync
// topic, plus GetBlocksAfter/ShareBlocks unicast streams) dispatched
// through two independent handler tables on the same Libp2pNet.
package network

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	p2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/kagami-chain/kagami/pkg/blocksync"
	"github.com/kagami-chain/kagami/pkg/queue"
	"github.com/kagami-chain/kagami/pkg/sumeragi"
)

const (
	topicBlockCreated   = "kagami-block-created"
	topicBlockCommitted = "kagami-block-committed"
	topicBlockSync      = "kagami-block-sync"
	topicControlFlow    = "kagami-control-flow"
	topicTxGossip       = "kagami-tx-gossip"

	protocolBlockSigned    = protocol.ID("/kagami/block-signed/1.0.0")
	protocolGetBlocksAfter = protocol.ID("/kagami/get-blocks-after/1.0.0")
	protocolShareBlocks    = protocol.ID("/kagami/share-blocks/1.0.0")
)

type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	self sumeragi.NodeID

	tCreated, tCommitted, tSync, tControl, tTx          *pubsub.Topic
	subCreated, subCommitted, subSync, subControl, subTx *pubsub.Subscription

	muSigs     sync.Mutex
	signatures map[[32]byte][]sumeragi.BlockSigned
	sigArrived chan struct{}

	muH      sync.RWMutex
	handlers sumeragi.Handlers

	muBS       sync.RWMutex
	bsHandlers blocksync.Handlers

	muTx      sync.RWMutex
	txHandler func(ctx context.Context, m queue.TransactionGossip)
}

type Config struct {
	ListenAddr string
	Bootstrap  []string
	SelfID     sumeragi.NodeID
	Logger     *zap.SugaredLogger
}

func New(ctx context.Context, cfg Config) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	n := &Libp2pNet{
		h: h, ps: ps, log: cfg.Logger, self: cfg.SelfID,
		signatures: make(map[[32]byte][]sumeragi.BlockSigned),
		sigArrived: make(chan struct{}, 100),
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := n.joinTopics(ctx); err != nil {
		return nil, err
	}
	h.SetStreamHandler(protocolBlockSigned, n.handleBlockSignedStream)
	h.SetStreamHandler(protocolGetBlocksAfter, n.handleGetBlocksAfterStream)
	h.SetStreamHandler(protocolShareBlocks, n.handleShareBlocksStream)

	go n.handleLoop(ctx, n.subCreated, n.dispatchBlockCreated)
	go n.handleLoop(ctx, n.subCommitted, n.dispatchBlockCommitted)
	go n.handleLoop(ctx, n.subSync, n.dispatchLatestBlock)
	go n.handleLoop(ctx, n.subControl, n.dispatchControlFlow)
	go n.handleLoop(ctx, n.subTx, n.dispatchTxGossip)

	if cfg.Logger != nil {
		cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics(ctx context.Context) error {
	var err error
	if n.tCreated, err = n.ps.Join(topicBlockCreated); err != nil {
		return err
	}
	if n.tCommitted, err = n.ps.Join(topicBlockCommitted); err != nil {
		return err
	}
	if n.tSync, err = n.ps.Join(topicBlockSync); err != nil {
		return err
	}
	if n.tControl, err = n.ps.Join(topicControlFlow); err != nil {
		return err
	}
	if n.subCreated, err = n.tCreated.Subscribe(); err != nil {
		return err
	}
	if n.subCommitted, err = n.tCommitted.Subscribe(); err != nil {
		return err
	}
	if n.subSync, err = n.tSync.Subscribe(); err != nil {
		return err
	}
	if n.subControl, err = n.tControl.Subscribe(); err != nil {
		return err
	}
	if n.tTx, err = n.ps.Join(topicTxGossip); err != nil {
		return err
	}
	if n.subTx, err = n.tTx.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Libp2pNet) SetHandlers(h sumeragi.Handlers) {
	n.muH.Lock()
	n.handlers = h
	n.muH.Unlock()
}

func (n *Libp2pNet) Host() host.Host { return n.h }

func (n *Libp2pNet) BroadcastBlockCreated(ctx context.Context, m sumeragi.BlockCreated) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return n.tCreated.Publish(ctx, data)
}

func (n *Libp2pNet) BroadcastBlockCommitted(ctx context.Context, m sumeragi.BlockCommitted) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return n.tCommitted.Publish(ctx, data)
}

// BroadcastLatestBlock gossips the sender's latest committed block
// hash, the trigger for a lagging peer's blocksync.Syncer to pull.
func (n *Libp2pNet) BroadcastLatestBlock(ctx context.Context, m sumeragi.BlockSyncUpdate) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return n.tSync.Publish(ctx, data)
}

func (n *Libp2pNet) SetBlockSyncHandlers(h blocksync.Handlers) {
	n.muBS.Lock()
	n.bsHandlers = h
	n.muBS.Unlock()
}

// SendGetBlocksAfter and SendShareBlocks mirror SendBlockSigned's
// self-delivery-or-stream-to-peer shape, unicast to a specific peer
// instead of the first connected one since blocksync always knows
// which peer it is talking to.
func (n *Libp2pNet) SendGetBlocksAfter(ctx context.Context, to sumeragi.NodeID, m blocksync.GetBlocksAfter) error {
	return n.sendStreamTo(ctx, to, protocolGetBlocksAfter, m, func() {
		n.muBS.RLock()
		h := n.bsHandlers
		n.muBS.RUnlock()
		if h.OnGetBlocksAfter != nil {
			h.OnGetBlocksAfter(ctx, m)
		}
	})
}

func (n *Libp2pNet) SendShareBlocks(ctx context.Context, to sumeragi.NodeID, m blocksync.ShareBlocks) error {
	return n.sendStreamTo(ctx, to, protocolShareBlocks, m, func() {
		n.muBS.RLock()
		h := n.bsHandlers
		n.muBS.RUnlock()
		if h.OnShareBlocks != nil {
			h.OnShareBlocks(ctx, m)
		}
	})
}

// sendStreamTo delivers msg directly via selfDeliver when to is the
// local peer, otherwise opens a libp2p stream to the peer identified by
// to. Peer-ID resolution is by connected-peer lookup, mirroring
// SendBlockSigned; blocksync traffic is always between peers already
// exchanging gossip, so the target is expected to be connected.
func (n *Libp2pNet) sendStreamTo(ctx context.Context, to sumeragi.NodeID, proto protocol.ID, msg interface{}, selfDeliver func()) error {
	if to == n.self {
		selfDeliver()
		return nil
	}
	peers := n.h.Network().Peers()
	if len(peers) == 0 {
		return errors.New("network: no peers connected")
	}
	var target peer.ID
	for _, p := range peers {
		target = p
		break
	}
	stream, err := n.h.NewStream(ctx, target, proto)
	if err != nil {
		return err
	}
	defer stream.Close()
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = stream.Write(data)
	return err
}

func (n *Libp2pNet) BroadcastControlFlow(ctx context.Context, m sumeragi.ControlFlow) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return n.tControl.Publish(ctx, data)
}

// SendBlockSigned unicasts a validator's signature to the proxy tail:
// deliver directly when the target is the local peer, otherwise open a
// libp2p stream.
func (n *Libp2pNet) SendBlockSigned(ctx context.Context, to sumeragi.NodeID, m sumeragi.BlockSigned) error {
	if to == n.self {
		n.recordSignature(m)
		return nil
	}
	peers := n.h.Network().Peers()
	if len(peers) == 0 {
		return errors.New("network: no peers connected")
	}
	var target peer.ID
	for _, p := range peers {
		target = p
		break
	}
	stream, err := n.h.NewStream(ctx, target, protocolBlockSigned)
	if err != nil {
		return err
	}
	defer stream.Close()
	data, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = stream.Write(data)
	return err
}

func (n *Libp2pNet) recordSignature(m sumeragi.BlockSigned) {
	n.muSigs.Lock()
	for _, existing := range n.signatures[m.BlockHash] {
		if existing.Signature.PublicKey == m.Signature.PublicKey {
			n.muSigs.Unlock()
			return
		}
	}
	n.signatures[m.BlockHash] = append(n.signatures[m.BlockHash], m)
	n.muSigs.Unlock()
	select {
	case n.sigArrived <- struct{}{}:
	default:
	}
}

// CollectSignatures reactively waits for need distinct signatures over
// blockHash (instant wake-up on arrival rather than polling).
func (n *Libp2pNet) CollectSignatures(ctx context.Context, blockHash [32]byte, need int) ([]sumeragi.BlockSigned, error) {
	deadline := time.NewTimer(3 * time.Second)
	defer deadline.Stop()

	n.muSigs.Lock()
	got := n.signatures[blockHash]
	if len(got) >= need {
		out := append([]sumeragi.BlockSigned(nil), got[:need]...)
		n.muSigs.Unlock()
		return out, nil
	}
	n.muSigs.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			n.muSigs.Lock()
			out := append([]sumeragi.BlockSigned(nil), n.signatures[blockHash]...)
			n.muSigs.Unlock()
			if len(out) >= need {
				return out[:need], nil
			}
			return nil, errors.New("network: timeout collecting signatures")
		case <-n.sigArrived:
			n.muSigs.Lock()
			got := n.signatures[blockHash]
			if len(got) >= need {
				out := append([]sumeragi.BlockSigned(nil), got[:need]...)
				n.muSigs.Unlock()
				return out, nil
			}
			n.muSigs.Unlock()
		}
	}
}

func (n *Libp2pNet) handleLoop(ctx context.Context, sub *pubsub.Subscription, dispatch func(context.Context, []byte)) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		dispatch(ctx, msg.Data)
	}
}

func (n *Libp2pNet) dispatchBlockCreated(ctx context.Context, data []byte) {
	var m sumeragi.BlockCreated
	if Decode(data, &m) != nil {
		return
	}
	n.muH.RLock()
	h := n.handlers
	n.muH.RUnlock()
	if h.OnBlockCreated != nil {
		h.OnBlockCreated(ctx, m)
	}
}

func (n *Libp2pNet) dispatchBlockCommitted(ctx context.Context, data []byte) {
	var m sumeragi.BlockCommitted
	if Decode(data, &m) != nil {
		return
	}
	n.muH.RLock()
	h := n.handlers
	n.muH.RUnlock()
	if h.OnBlockCommitted != nil {
		h.OnBlockCommitted(ctx, m)
	}
}

func (n *Libp2pNet) dispatchLatestBlock(ctx context.Context, data []byte) {
	var m sumeragi.BlockSyncUpdate
	if Decode(data, &m) != nil {
		return
	}
	n.muBS.RLock()
	h := n.bsHandlers
	n.muBS.RUnlock()
	if h.OnLatestBlock != nil {
		h.OnLatestBlock(ctx, m)
	}
}

// BroadcastTransactions gossips a batch of pending transactions, and
// SetTransactionHandler registers the queue gossiper's admission hook;
// together they implement queue.GossipNetwork.
func (n *Libp2pNet) BroadcastTransactions(ctx context.Context, m queue.TransactionGossip) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return n.tTx.Publish(ctx, data)
}

func (n *Libp2pNet) SetTransactionHandler(fn func(ctx context.Context, m queue.TransactionGossip)) {
	n.muTx.Lock()
	n.txHandler = fn
	n.muTx.Unlock()
}

func (n *Libp2pNet) dispatchTxGossip(ctx context.Context, data []byte) {
	var m queue.TransactionGossip
	if Decode(data, &m) != nil {
		return
	}
	n.muTx.RLock()
	fn := n.txHandler
	n.muTx.RUnlock()
	if fn != nil {
		fn(ctx, m)
	}
}

func (n *Libp2pNet) dispatchControlFlow(ctx context.Context, data []byte) {
	var m sumeragi.ControlFlow
	if Decode(data, &m) != nil {
		return
	}
	n.muH.RLock()
	h := n.handlers
	n.muH.RUnlock()
	if h.OnControlFlow != nil {
		h.OnControlFlow(ctx, m)
	}
}

func (n *Libp2pNet) handleBlockSignedStream(s p2pnetwork.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	var m sumeragi.BlockSigned
	if Decode(data, &m) != nil {
		return
	}
	n.recordSignature(m)
}

func (n *Libp2pNet) handleGetBlocksAfterStream(s p2pnetwork.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	var m blocksync.GetBlocksAfter
	if Decode(data, &m) != nil {
		return
	}
	n.muBS.RLock()
	h := n.bsHandlers
	n.muBS.RUnlock()
	if h.OnGetBlocksAfter != nil {
		h.OnGetBlocksAfter(context.Background(), m)
	}
}

func (n *Libp2pNet) handleShareBlocksStream(s p2pnetwork.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	var m blocksync.ShareBlocks
	if Decode(data, &m) != nil {
		return
	}
	n.muBS.RLock()
	h := n.bsHandlers
	n.muBS.RUnlock()
	if h.OnShareBlocks != nil {
		h.OnShareBlocks(context.Background(), m)
	}
}

var _ sumeragi.Network = (*Libp2pNet)(nil)
var _ blocksync.Network = (*Libp2pNet)(nil)
