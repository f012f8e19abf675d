package executor

import (
	"errors"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// Host is what a sandboxed module invocation sees of the outside world
//: submit an instruction, execute a query, read the
// current block height, install a new data model, and log. The
// pipeline's implementation applies a submitted instruction directly to
// the block's open write transaction and answers queries from the
// committed view; changes become durable only when that transaction
// commits.
type Host interface {
	SubmitInstruction(encoded []byte) error
	ExecuteQuery(encoded []byte) ([]byte, error)
	BlockHeight() uint64
	SetDataModel(encoded []byte) error
	Log(level int32, message string)
}

type hostCtx struct {
	mem   *wasmer.Memory
	host  Host
	fuel  *FuelMeter
	trap  error
}

func (h *hostCtx) read(ptr, length int32) []byte {
	data := h.mem.Data()
	if ptr < 0 || length < 0 || int(ptr+length) > len(data) {
		h.trap = errors.New("executor: out-of-bounds memory access")
		return nil
	}
	out := make([]byte, length)
	copy(out, data[ptr:ptr+length])
	return out
}

func (h *hostCtx) write(ptr int32, payload []byte) {
	data := h.mem.Data()
	if ptr < 0 || int(ptr)+len(payload) > len(data) {
		h.trap = errors.New("executor: out-of-bounds memory write")
		return
	}
	copy(data[ptr:], payload)
}

// registerHost builds the wasmer import object exposing the Host
// interface under the "env" namespace. Fuel is accounted at this
// boundary, one step per host_submit_instruction or host_execute_query
// call; the block-height, data-model and log imports are not metered
// (wasmer 1.0's Go bindings have no compiled-in metering middleware).
func registerHost(store *wasmer.Store, hctx *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()
	i32 := wasmer.NewValueTypes(wasmer.I32)
	i32i32 := wasmer.NewValueTypes(wasmer.I32, wasmer.I32)
	i32i32i32 := wasmer.NewValueTypes(wasmer.I32, wasmer.I32, wasmer.I32)

	hostSubmitInstruction := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := hctx.fuel.Consume(1); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			ptr, length := args[0].I32(), args[1].I32()
			payload := hctx.read(ptr, length)
			if hctx.trap != nil {
				return nil, hctx.trap
			}
			if err := hctx.host.SubmitInstruction(payload); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	hostExecuteQuery := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32i32i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := hctx.fuel.Consume(1); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			ptr, length, dst := args[0].I32(), args[1].I32(), args[2].I32()
			payload := hctx.read(ptr, length)
			if hctx.trap != nil {
				return nil, hctx.trap
			}
			result, err := hctx.host.ExecuteQuery(payload)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			hctx.write(dst, result)
			if hctx.trap != nil {
				return nil, hctx.trap
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(result)))}, nil
		},
	)

	hostGetBlockHeight := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(wasmer.I64)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			return []wasmer.Value{wasmer.NewI64(int64(hctx.host.BlockHeight()))}, nil
		},
	)

	hostSetDataModel := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, length := args[0].I32(), args[1].I32()
			payload := hctx.read(ptr, length)
			if hctx.trap != nil {
				return nil, hctx.trap
			}
			if err := hctx.host.SetDataModel(payload); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	hostLog := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32, wasmer.I32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			level, ptr, length := args[0].I32(), args[1].I32(), args[2].I32()
			payload := hctx.read(ptr, length)
			if hctx.trap != nil {
				return nil, hctx.trap
			}
			hctx.host.Log(level, string(payload))
			return []wasmer.Value{}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"host_submit_instruction": hostSubmitInstruction,
		"host_execute_query":      hostExecuteQuery,
		"host_get_block_height":   hostGetBlockHeight,
		"host_set_data_model":     hostSetDataModel,
		"host_log":                hostLog,
	})
	return imports
}
