package pipeline

import (
	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/crypto/canonical"
	"github.com/kagami-chain/kagami/pkg/executor"
	"github.com/kagami-chain/kagami/pkg/isi"
	"github.com/kagami-chain/kagami/pkg/livequery"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

// hostBridge is the pipeline's implementation of executor.Host: the
// callback surface a sandboxed module sees. Instructions
// submitted by the module apply directly against the current write
// transaction under the invoking authority; queries run against the
// committed prefix, never uncommitted state.
type hostBridge struct {
	p         *Pipeline
	wtx       *wsv.WriteTx
	authority wsv.AccountID
	height    uint64
}

func (p *Pipeline) newHost(wtx *wsv.WriteTx, authority wsv.AccountID, height uint64) executor.Host {
	return &hostBridge{p: p, wtx: wtx, authority: authority, height: height}
}

// SubmitInstruction decodes and applies one instruction sequence. The
// module's submissions bypass re-authorization: the executor itself is
// the policy, so a second validate pass here would recurse forever.
func (h *hostBridge) SubmitInstruction(encoded []byte) error {
	if h.wtx == nil {
		return errs.NewValidationFail(errs.NotPermitted, "read-only invocation may not submit instructions")
	}
	instructions, err := isi.Decode(encoded)
	if err != nil {
		return err
	}
	for _, ins := range instructions {
		if _, isUpgrade := ins.(isi.Upgrade); isUpgrade {
			return errs.NewValidationFail(errs.NotPermitted, "executor may not upgrade itself from inside an invocation")
		}
		if err := ins.Execute(h.wtx, h.authority); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteQuery evaluates a typed query against the latest committed
// view and returns its canonical encoding.
func (h *hostBridge) ExecuteQuery(encoded []byte) ([]byte, error) {
	var q livequery.Query
	if err := canonical.Decode(encoded, &q); err != nil {
		return nil, errs.NewQueryFail(errs.QueryConversion, "malformed query payload")
	}
	items, err := livequery.Execute(h.p.WSV.View(), q)
	if err != nil {
		return nil, err
	}
	return canonical.Encode(items)
}

func (h *hostBridge) BlockHeight() uint64 { return h.height }

// SetDataModel stores the module's declared data-model blob, replaced
// wholesale on each call.
func (h *hostBridge) SetDataModel(encoded []byte) error {
	h.p.execMu.Lock()
	h.p.dataModel = encoded
	h.p.execMu.Unlock()
	return nil
}

func (h *hostBridge) Log(level int32, message string) {
	if h.p.Logger == nil {
		return
	}
	switch {
	case level >= 3:
		h.p.Logger.Errorw("executor_log", "message", message)
	case level == 2:
		h.p.Logger.Warnw("executor_log", "message", message)
	default:
		h.p.Logger.Infow("executor_log", "message", message)
	}
}
