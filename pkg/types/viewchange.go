package types

import "github.com/kagami-chain/kagami/pkg/crypto"

// ViewChangeReason enumerates why a view change is being proposed.
type ViewChangeReason int

const (
	ReasonCommitTimeout ViewChangeReason = iota
	ReasonNoTransactionReceiptReceived
	ReasonBlockCreationTimeout
)

func (r ViewChangeReason) String() string {
	switch r {
	case ReasonCommitTimeout:
		return "commit-timeout"
	case ReasonNoTransactionReceiptReceived:
		return "no-transaction-receipt"
	case ReasonBlockCreationTimeout:
		return "block-creation-timeout"
	default:
		return "unknown-reason"
	}
}

// ViewChangeProofPayload is the signed half of a proof: the claim is
// anchored to the previous proof in the chain, the latest committed
// block hash the claimant has observed, and the reason for the claim.
type ViewChangeProofPayload struct {
	PreviousProofHash [32]byte
	LatestBlockHash   [32]byte
	Reason            ViewChangeReason
}

// ViewChangeProof is a signed claim that the view should advance by
// one. Proofs chain: proof n references proof n-1 via
// Payload.PreviousProofHash.
type ViewChangeProof struct {
	Payload    ViewChangeProofPayload
	Signatures []crypto.Signature
}

// Hash returns the canonical hash of the proof's payload, the value the
// next proof in the chain references as PreviousProofHash.
func (p *ViewChangeProof) Hash() ([32]byte, error) {
	return crypto.HashValue(p.Payload)
}

func (p *ViewChangeProof) Sign(kp crypto.KeyPair) error {
	hash, err := p.Hash()
	if err != nil {
		return err
	}
	p.Signatures = append(p.Signatures, kp.Sign(hash[:]))
	return nil
}

// HasSameState reports whether the proof's claimed (latest-block,
// previous-proof) pair matches the caller's own view of the world.
func (p *ViewChangeProof) HasSameState(latestBlockHash [32]byte, latestViewChangeHash [32]byte) bool {
	return p.Payload.LatestBlockHash == latestBlockHash && p.Payload.PreviousProofHash == latestViewChangeHash
}

// ViewChangeProofChain is a chain of proofs rooted at the empty hash.
type ViewChangeProofChain struct {
	Proofs []ViewChangeProof
}

func EmptyProofChain() ViewChangeProofChain { return ViewChangeProofChain{} }

func (c *ViewChangeProofChain) IsEmpty() bool { return len(c.Proofs) == 0 }

func (c *ViewChangeProofChain) Len() int { return len(c.Proofs) }

// LatestHash returns the hash of the chain's last proof, or the empty
// hash if the chain has no proofs yet — the root every first proof's
// PreviousProofHash must reference.
func (c *ViewChangeProofChain) LatestHash() ([32]byte, error) {
	if len(c.Proofs) == 0 {
		return [32]byte{}, nil
	}
	return c.Proofs[len(c.Proofs)-1].Hash()
}

func (c *ViewChangeProofChain) Push(p ViewChangeProof) {
	c.Proofs = append(c.Proofs, p)
}
