// file: pkg/network/wire.go
//
// Wire envelope for every gossip/unicast message: gob-encode the
// payload, register the concrete type so gob can decode it on the far
// end. A leading Version byte lets a future wire-format bump be
// detected before the gob decode is attempted.
package network

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/kagami-chain/kagami/pkg/blocksync"
	"github.com/kagami-chain/kagami/pkg/queue"
	"github.com/kagami-chain/kagami/pkg/sumeragi"
)

const WireVersion byte = 1

func init() {
	gob.Register(sumeragi.BlockCreated{})
	gob.Register(sumeragi.BlockSigned{})
	gob.Register(sumeragi.BlockCommitted{})
	gob.Register(sumeragi.BlockSyncUpdate{})
	gob.Register(sumeragi.ControlFlow{})
	gob.Register(blocksync.GetBlocksAfter{})
	gob.Register(blocksync.ShareBlocks{})
	gob.Register(queue.TransactionGossip{})
}

// Envelope wraps one gob-encoded message with a version byte, one
// reusable shape instead of one struct per message kind.
type Envelope struct {
	Version byte
	Payload []byte
}

func Encode(msg interface{}) ([]byte, error) {
	var payloadBuf bytes.Buffer
	if err := gob.NewEncoder(&payloadBuf).Encode(msg); err != nil {
		return nil, err
	}
	var envBuf bytes.Buffer
	if err := gob.NewEncoder(&envBuf).Encode(Envelope{Version: WireVersion, Payload: payloadBuf.Bytes()}); err != nil {
		return nil, err
	}
	return envBuf.Bytes(), nil
}

func Decode(data []byte, out interface{}) error {
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return err
	}
	if env.Version != WireVersion {
		return fmt.Errorf("network: unsupported wire version %d", env.Version)
	}
	return gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(out)
}
