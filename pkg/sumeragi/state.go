// file: pkg/sumeragi/state.go
package sumeragi

import "github.com/kagami-chain/kagami/pkg/types"

type State struct {
	SelfID   NodeID
	Topology *Topology
	Phase    Phase

	Height uint64
	Locked *LockedBlock

	ProofChain types.ViewChangeProofChain

	LatestBlockHash [32]byte
}

// LockedBlock is the last block the local peer committed
// (Safety.UpdateLock runs in the engine's commit path).
type LockedBlock struct {
	Block types.Block
}

func NewState(selfID NodeID, topology *Topology) *State {
	return &State{
		SelfID:     selfID,
		Topology:   topology,
		Phase:      PhaseIdle,
		ProofChain: types.EmptyProofChain(),
	}
}
