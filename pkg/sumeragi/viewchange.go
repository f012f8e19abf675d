// file: pkg/sumeragi/viewchange.go
//
// View-change proof verification over pkg/types's shared wire shapes
// (kept there rather than here to avoid an import cycle with
// pkg/queue/pkg/kura/pkg/blocksync, which also carry the type).
package sumeragi

import (
	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/types"
)

// SignProof appends the caller's signature over the proof's payload
// hash.
func SignProof(p *types.ViewChangeProof, kp crypto.KeyPair) error {
	return p.Sign(kp)
}

// verifyProofSignatures counts how many of proof's signatures verify
// against a key held by a current validating peer (one vote per
// distinct signatory, duplicates collapse).
func verifyProofSignatures(p *types.ViewChangeProof, validators []Peer) int {
	hash, err := p.Hash()
	if err != nil {
		return 0
	}
	seen := make(map[string]struct{}, len(p.Signatures))
	count := 0
	for _, sig := range p.Signatures {
		if _, dup := seen[sig.PublicKey.String()]; dup {
			continue
		}
		if !isValidatorKey(sig.PublicKey, validators) {
			continue
		}
		if !crypto.Verify(hash[:], sig) {
			continue
		}
		seen[sig.PublicKey.String()] = struct{}{}
		count++
	}
	return count
}

func isValidatorKey(pk crypto.PublicKey, validators []Peer) bool {
	for _, v := range validators {
		if v.PublicKey == pk {
			return true
		}
	}
	return false
}

// VerifyWithState checks that proof (a) chains correctly onto chain's
// latest proof hash, (b) claims the caller's own (latest-block,
// previous-proof) state via HasSameState, and (c) carries at least f+1
// distinct validator signatures. A true result means the proof is
// sufficient to trigger a view change.
func VerifyWithState(proof types.ViewChangeProof, chain types.ViewChangeProofChain, latestBlockHash [32]byte, validators []Peer, f int) bool {
	prevHash, err := chain.LatestHash()
	if err != nil {
		return false
	}
	if !proof.HasSameState(latestBlockHash, prevHash) {
		return false
	}
	return verifyProofSignatures(&proof, validators) >= f+1
}

// PushIfValid appends proof to chain only when it verifies against the
// caller's current state, returning whether the chain advanced.
func PushIfValid(chain *types.ViewChangeProofChain, proof types.ViewChangeProof, latestBlockHash [32]byte, validators []Peer, f int) bool {
	if !VerifyWithState(proof, *chain, latestBlockHash, validators, f) {
		return false
	}
	chain.Push(proof)
	return true
}

// NewProof builds an unsigned proof claiming reason, anchored to the
// caller's view of the chain and latest committed block.
func NewProof(chain types.ViewChangeProofChain, latestBlockHash [32]byte, reason types.ViewChangeReason) (types.ViewChangeProof, error) {
	prevHash, err := chain.LatestHash()
	if err != nil {
		return types.ViewChangeProof{}, err
	}
	return types.ViewChangeProof{
		Payload: types.ViewChangeProofPayload{
			PreviousProofHash: prevHash,
			LatestBlockHash:   latestBlockHash,
			Reason:            reason,
		},
	}, nil
}
