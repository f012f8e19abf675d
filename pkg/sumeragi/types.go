// file: pkg/sumeragi/types.go
package sumeragi

import (
	"fmt"

	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/types"
)

type NodeID string
type View uint64

// Quorum carries the topology's fault-tolerance parameters. F is the
// maximum number of Byzantine peers the topology tolerates; N is the
// peer count, so N >= 3F+1.
type Quorum struct{ N, F int }

// NewQuorum computes f = (n-1)/3 for a topology of n peers.
func NewQuorum(n int) Quorum { return Quorum{N: n, F: (n - 1) / 3} }

// Required is the signature count needed to certify a block: 2f+1.
func (q Quorum) Required() int { return 2*q.F + 1 }

type Hash = [32]byte

// Propose is a leader's candidate block, broadcast to every validating
// peer at the start of a round.
type Propose struct {
	Block types.Block
}

// Phase is the explicit state machine a round moves through; the engine
// records the current step in State.Phase as the round advances, and
// neither Engine.Run nor the message handlers branch on it.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseProposing
	PhaseAwaitingSignatures
	PhaseAwaitingCommit
	PhaseViewChanging
	PhaseSoftForking
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseProposing:
		return "proposing"
	case PhaseAwaitingSignatures:
		return "awaiting_signatures"
	case PhaseAwaitingCommit:
		return "awaiting_commit"
	case PhaseViewChanging:
		return "view_changing"
	case PhaseSoftForking:
		return "soft_forking"
	default:
		return "unknown"
	}
}

// Peer is one member of the topology: an identity plus the public key
// its block/vote/proof signatures must verify against.
type Peer struct {
	ID        NodeID
	PublicKey crypto.PublicKey
}

func (p Peer) String() string { return fmt.Sprintf("%s", p.ID) }
