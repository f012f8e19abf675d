// Package types holds the wire-level data model shared by every
// component that moves blocks and transactions around: Queue, Kura,
// Sumeragi, block-sync and the network facade.
package types

import (
	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

// Executable is either an instruction sequence or a WASM blob, tagged so
// the encoder knows which branch is populated.
type Executable struct {
	Instructions []byte // gob-encoded []isi.Instruction; kept opaque here to avoid an import cycle with pkg/isi
	Wasm         []byte
}

func (e Executable) IsWasm() bool { return len(e.Wasm) > 0 }

type TransactionPayload struct {
	ChainID      string
	Authority    wsv.AccountID
	CreationTime int64 // unix millis
	TTLMillis    uint64
	Nonce        uint64
	Metadata     Metadata
	Executable   Executable
}

// Transaction is a signed TransactionPayload. Hash is computed over the
// payload only.
type Transaction struct {
	Payload    TransactionPayload
	Signatures []crypto.Signature
}

// Hash returns the canonical hash of the payload, used as the dedup key
// in Queue and as the transaction's content address everywhere else.
func (t *Transaction) Hash() ([32]byte, error) {
	return crypto.HashValue(t.Payload)
}

// VerifySignatures checks that at least one signature verifies against
// one of the provided current signatory keys for the authority.
func (t *Transaction) VerifySignatures(currentSignatories []crypto.PublicKey) bool {
	payloadHash, err := crypto.HashValue(t.Payload)
	if err != nil {
		return false
	}
	allowed := make(map[string]struct{}, len(currentSignatories))
	for _, pk := range currentSignatories {
		allowed[pk.String()] = struct{}{}
	}
	for _, sig := range t.Signatures {
		if _, ok := allowed[sig.PublicKey.String()]; !ok {
			continue
		}
		if crypto.Verify(payloadHash[:], sig) {
			return true
		}
	}
	return false
}
