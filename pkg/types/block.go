package types

import "github.com/kagami-chain/kagami/pkg/crypto"

// BlockStatus tags a block's position in its lifecycle.
type BlockStatus int

const (
	BlockUnverified BlockStatus = iota
	BlockValid
	BlockCommitted
)

// BlockHeader is the content-addressed part of a block: two blocks with
// identical headers are identical. Hashing covers the
// header only, never the body.
type BlockHeader struct {
	Height              uint64
	PreviousHash        [32]byte
	TransactionsRoot     [32]byte // merkle root of transactions
	ResultReceiptsRoot   [32]byte // merkle root of committed-result receipts
	ViewChangeIndex      uint32
	CreationTimeMillis   int64
	ConsensusEstimation  int64 // leader's estimate of the round's consensus latency, ms
	ProposedTopologyDiff []byte // opaque, gob-encoded topology-change payload; nil when none proposed
}

// Hash returns the block's content address: the canonical hash of the
// header alone.
func (h BlockHeader) Hash() ([32]byte, error) {
	return crypto.HashValue(h)
}

// RejectedTransaction pairs a transaction's position in the body with
// the reason it was rejected, kept parallel to Transactions in the
// body layout.
type RejectedTransaction struct {
	Index  int
	Reason string
}

type BlockBody struct {
	Transactions     []Transaction
	Rejected         []RejectedTransaction
	ViewChangeProofs ViewChangeProofChain
}

type Block struct {
	Header BlockHeader
	Body   BlockBody

	// Signatures is the set of peer signatures over the header hash
	// collected during consensus; nil until at least one
	// peer has signed.
	Signatures []crypto.Signature

	status BlockStatus
}

func (b *Block) Status() BlockStatus     { return b.status }
func (b *Block) SetStatus(s BlockStatus) { b.status = s }

func (b *Block) Hash() ([32]byte, error) { return b.Header.Hash() }

// AddSignature appends sig, collapsing an exact duplicate (same
// algorithm + public key + bytes) so duplicate signatures collapse.
func (b *Block) AddSignature(sig crypto.Signature) {
	for _, existing := range b.Signatures {
		if existing.PublicKey == sig.PublicKey && string(existing.Bytes) == string(sig.Bytes) {
			return
		}
	}
	b.Signatures = append(b.Signatures, sig)
}
