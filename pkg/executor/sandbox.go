package executor

import (
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/kagami-chain/kagami/internal/errs"
)

// Sandbox runs the executor's wasm module under the configured fuel
// and memory limits. Linear memory is checked against maxMemoryBytes at
// instantiation and again when the entry point returns; growth inside a
// running call is not interrupted. One Sandbox is created per node and
// reused across invocations; each invocation gets a fresh Store/Instance
// ("host-provided iteration orders MUST be stable" determinism
// requirement, satisfied trivially since every invocation starts from
// the same compiled Module with no carried-over instance state).
type Sandbox struct {
	engine         *wasmer.Engine
	store          *wasmer.Store
	fuelLimit      uint64
	maxMemoryBytes uint64
}

func NewSandbox(fuelLimit, maxMemoryBytes uint64) *Sandbox {
	engine := wasmer.NewEngine()
	return &Sandbox{
		engine:         engine,
		store:          wasmer.NewStore(engine),
		fuelLimit:      fuelLimit,
		maxMemoryBytes: maxMemoryBytes,
	}
}

func (s *Sandbox) Store() *wasmer.Store { return s.store }

// invoke instantiates module fresh, binds host, calls the named export
// with no arguments, and recovers any Go panic raised from inside the
// wasmer callback boundary (a misbehaving host binding trapping on bad
// guest-supplied pointers) into an InternalError ValidationFail rather
// than letting it escape to the consensus loop.
func (s *Sandbox) invoke(module *wasmer.Module, entryPoint string, host Host) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.NewValidationFail(errs.InternalError, fmt.Sprintf("panic in sandbox: %v", r))
		}
	}()

	fuel := NewFuelMeter(s.fuelLimit)
	hctx := &hostCtx{host: host, fuel: fuel}
	imports := registerHost(s.store, hctx)

	instance, instErr := wasmer.NewInstance(module, imports)
	if instErr != nil {
		return errs.NewValidationFail(errs.InternalError, fmt.Sprintf("instantiate module: %v", instErr))
	}
	defer instance.Close()

	mem, memErr := instance.Exports.GetMemory("memory")
	if memErr != nil {
		return errs.NewValidationFail(errs.InternalError, "wasm memory export missing")
	}
	hctx.mem = mem
	if uint64(mem.DataSize()) > s.maxMemoryBytes {
		return errs.NewValidationFail(errs.TooComplex, "wasm memory exceeds limit")
	}

	fn, fnErr := instance.Exports.GetFunction(entryPoint)
	if fnErr != nil {
		return errs.NewValidationFail(errs.NotPermitted, fmt.Sprintf("entry point %q not exported", entryPoint))
	}

	if _, callErr := fn(); callErr != nil {
		if hctx.trap != nil {
			return errs.NewValidationFail(errs.InternalError, hctx.trap.Error())
		}
		if fuel.Remaining() == 0 {
			return errs.NewValidationFail(errs.TooComplex, "fuel exhausted")
		}
		return errs.NewValidationFail(errs.InstructionFailed, callErr.Error())
	}
	if hctx.trap != nil {
		return errs.NewValidationFail(errs.InternalError, hctx.trap.Error())
	}
	if uint64(mem.DataSize()) > s.maxMemoryBytes {
		return errs.NewValidationFail(errs.TooComplex, "wasm memory exceeds limit")
	}
	return nil
}

// ValidateTransaction runs the module's validate_transaction export.
func (s *Sandbox) ValidateTransaction(state *State, host Host) error {
	if state.Phase == PhaseInitial {
		return nil // permissive until a policy module is installed
	}
	return s.invoke(state.Module, "validate_transaction", host)
}

// ValidateInstruction runs the module's validate_instruction export.
func (s *Sandbox) ValidateInstruction(state *State, host Host) error {
	if state.Phase == PhaseInitial {
		return nil
	}
	return s.invoke(state.Module, "validate_instruction", host)
}

// ValidateQuery runs the module's validate_query export.
func (s *Sandbox) ValidateQuery(state *State, host Host) error {
	if state.Phase == PhaseInitial {
		return nil
	}
	return s.invoke(state.Module, "validate_query", host)
}

// ExecuteWasm compiles and runs a transaction's wasm executable through
// its execute export, under the same fuel/memory bounds and failure
// translation as the validation entry points. State mutation happens
// only through the host's submit-instruction callback.
func (s *Sandbox) ExecuteWasm(raw []byte, host Host) error {
	module, err := Compile(s.store, raw)
	if err != nil {
		return errs.NewValidationFail(errs.InternalError, err.Error())
	}
	return s.invoke(module, "execute", host)
}

// Migrate compiles raw (the expensive step, done once) and runs its
// migrate export inside a fresh instance. On success the caller installs
// the returned *State atomically within the committing block's write
// transaction; on failure the caller must discard it and keep the
// current state.
func (s *Sandbox) Migrate(raw []byte, host Host) (*State, error) {
	module, err := Compile(s.store, raw)
	if err != nil {
		return nil, errs.NewValidationFail(errs.InternalError, err.Error())
	}
	next := &State{Phase: PhaseUserProvided, Module: module, Raw: raw, store: s.store}
	if err := s.invoke(module, "migrate", host); err != nil {
		return nil, err
	}
	return next, nil
}
