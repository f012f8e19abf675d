// Package executor wraps a WebAssembly runtime as the sandboxed,
// resource-limited policy engine. It
// authorizes every state transition via three entry points
// (validate_transaction, validate_instruction, validate_query) and can
// itself be replaced by a committed Upgrade instruction via migrate.
package executor

import (
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// Phase tags which of the two lifecycle states the executor is in
//: Initial is permissive and used only to install the
// first user-provided policy; UserProvided runs the loaded module for
// every subsequent validation.
type Phase int

const (
	PhaseInitial Phase = iota
	PhaseUserProvided
)

// State is the executor's own piece of WSV-adjacent state: which module
// is currently authoritative. It is swapped atomically within the
// committing block's write transaction on a successful migration, never
// partially.
type State struct {
	Phase  Phase
	Module *wasmer.Module
	Raw    []byte // the raw wasm bytes Module was compiled from; wsv.Snapshot carries no executor state, so they are not written to a snapshot
	store  *wasmer.Store
}

// InitialState returns the permissive starting state every fresh chain
// (or test) begins in.
func InitialState(store *wasmer.Store) *State {
	return &State{Phase: PhaseInitial, store: store}
}

// Compile loads raw wasm bytes into a *wasmer.Module, the expensive
// step; callers run it once per migration, not per invocation.
func Compile(store *wasmer.Store, raw []byte) (*wasmer.Module, error) {
	mod, err := wasmer.NewModule(store, raw)
	if err != nil {
		return nil, fmt.Errorf("compile executor module: %w", err)
	}
	return mod, nil
}
