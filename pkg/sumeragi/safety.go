// file: pkg/sumeragi/safety.go
package sumeragi

import (
	"sync"

	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/types"
)

// Safety guards the vote rule: observe a proposed block, validate its
// header against the local chain, and lock onto it only once it has
// gathered a commit-grade signature set.
type Safety struct {
	mu     sync.RWMutex
	state  *State
	blocks map[[32]byte]types.Block
}

func NewSafety(state *State) *Safety {
	return &Safety{state: state, blocks: make(map[[32]byte]types.Block)}
}

// ValidateHeader checks a proposed block's
// header: it must chain onto the locally known latest block, its
// timestamp must be later than the previous block's and must not exceed
// "now" by more than the configured skew, and it must not exceed the configured
// transaction count. The previous block's timestamp is taken from the
// locked block; before this peer has committed any block the check is
// skipped.
func (s *Safety) ValidateHeader(b *types.Block, previousHash [32]byte, nowMillis int64, maxSkewMillis int64, maxTransactions int) error {
	if b.Header.PreviousHash != previousHash {
		return errs.NewBlockRejection(errs.BlockBadHeaderChain, "previous hash does not match local chain tip")
	}
	s.mu.RLock()
	locked := s.state.Locked
	s.mu.RUnlock()
	if locked != nil && locked.Block.Header.Height+1 == b.Header.Height && b.Header.CreationTimeMillis <= locked.Block.Header.CreationTimeMillis {
		return errs.NewBlockRejection(errs.BlockBadTimestamp, "block timestamp does not follow the previous block's")
	}
	if b.Header.CreationTimeMillis > nowMillis+maxSkewMillis {
		return errs.NewBlockRejection(errs.BlockBadTimestamp, "block timestamp too far in the future")
	}
	if len(b.Body.Transactions) > maxTransactions {
		return errs.NewBlockRejection(errs.BlockTooManyTransactions, "block exceeds configured transaction limit")
	}
	return nil
}

// CanVote reports whether the local peer may sign b, refusing a block
// whose height is below that of the block it has locked onto. Views are
// not compared.
func (s *Safety) CanVote(b *types.Block) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Locked == nil {
		return true
	}
	return b.Header.Height >= s.state.Locked.Block.Header.Height
}

// Observe records b as known (reachable for later commit lookups)
// without locking onto it.
func (s *Safety) Observe(b types.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, err := b.Hash()
	if err != nil {
		return
	}
	s.blocks[hash] = b
}

// UpdateLock locks the local peer onto b after it has collected 2f+1
// signatures.
func (s *Safety) UpdateLock(b types.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, err := b.Hash()
	if err == nil {
		s.blocks[hash] = b
	}
	s.state.Locked = &LockedBlock{Block: b}
}

// HasObservedAt reports whether any proposed block at the given height
// has been seen, distinguishing a silent leader from a stalled commit.
func (s *Safety) HasObservedAt(height uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.blocks {
		if b.Header.Height == height {
			return true
		}
	}
	return false
}

func (s *Safety) BlockByHash(h [32]byte) (types.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[h]
	return b, ok
}

// VerifySignatures counts distinct validator signatures over b's header
// hash, the check the proxy tail runs before broadcasting a commit.
func VerifySignatures(b *types.Block, validators []Peer) int {
	hash, err := b.Hash()
	if err != nil {
		return 0
	}
	seen := make(map[string]struct{}, len(b.Signatures))
	count := 0
	for _, sig := range b.Signatures {
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
