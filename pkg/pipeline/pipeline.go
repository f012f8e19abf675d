// Package pipeline is the block validation pipeline and world-state
// transition engine: it builds pending blocks for
// the Sumeragi leader, trial-validates proposed blocks on every peer,
// and applies committed blocks atomically to the WSV, persisting them
// to Kura. It is the sole implementation of sumeragi.Applier, the
// bridge between consensus and the application state.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kagami-chain/kagami/internal/clock"
	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/executor"
	"github.com/kagami-chain/kagami/pkg/isi"
	"github.com/kagami-chain/kagami/pkg/kura"
	"github.com/kagami-chain/kagami/pkg/queue"
	"github.com/kagami-chain/kagami/pkg/types"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// receipt is one transaction's committed-result record; the merkle root
// over these is the header's ResultReceiptsRoot.
type receipt struct {
	Index    int
	Accepted bool
	Reason   string
}

type Pipeline struct {
	ChainID string

	WSV     *wsv.WSV
	Queue   *queue.Queue
	Kura    *kura.Store
	Sandbox *executor.Sandbox
	Clock   clock.Clock
	Logger  *zap.SugaredLogger

	// execMu guards the executor state across the single consensus
	// thread and query validation callers.
	execMu    sync.Mutex
	execState *executor.State
	dataModel []byte

	lastBlockTime int64 // creation time of the latest committed block
	genesisTime   int64 // creation time of block 1; seeds time triggers
}

func New(chainID string, w *wsv.WSV, q *queue.Queue, k *kura.Store, sb *executor.Sandbox, c clock.Clock, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		ChainID:   chainID,
		WSV:       w,
		Queue:     q,
		Kura:      k,
		Sandbox:   sb,
		Clock:     c,
		Logger:    log,
		execState: executor.InitialState(sb.Store()),
	}
}

// Bootstrap primes the pipeline's block-time anchors from the recovered
// Kura store, so the first block produced after a restart still has a
// strictly increasing creation time and time triggers keep their phase.
func (p *Pipeline) Bootstrap() {
	count := p.Kura.BlockCount()
	if count == 0 {
		return
	}
	if genesis, ok := p.Kura.GetByHeight(1); ok {
		p.genesisTime = genesis.Header.CreationTimeMillis
	}
	if latest, ok := p.Kura.GetByHeight(count); ok {
		p.lastBlockTime = latest.Header.CreationTimeMillis
	}
}

// ExecutorState returns the current policy state, for query validation.
func (p *Pipeline) ExecutorState() *executor.State {
	p.execMu.Lock()
	defer p.execMu.Unlock()
	return p.execState
}

// ValidateQuery runs the executor's validate_query entry point under a
// read-only host (no write transaction, so an instruction submitted by
// the module is refused). The initial state is permissive.
func (p *Pipeline) ValidateQuery(authority wsv.AccountID) error {
	state := p.ExecutorState()
	if state.Phase != executor.PhaseUserProvided {
		return nil
	}
	return p.Sandbox.ValidateQuery(state, p.newHost(nil, authority, p.WSV.Height()))
}

// SignatoriesOf resolves an account's current signatory keys against a
// view, the lookup Queue admission re-runs at pop time.
func SignatoriesOf(view *wsv.View, id wsv.AccountID) []crypto.PublicKey {
	acc, ok := view.Account(wsv.DomainOf(id), id)
	if !ok {
		return nil
	}
	return acc.Signatories
}

// PrepareBlock drains the Queue and trial-executes the drained
// transactions to discover the rejection set and the header roots,
// without committing anything.
func (p *Pipeline) PrepareBlock(ctx context.Context, height uint64, previousHash [32]byte) (types.Block, error) {
	view := p.WSV.View()
	max := int(view.Parameters().MaxTransactionsPerBlock)
	drained := p.Queue.PopForBlock(view, max, SignatoriesOf)

	now := p.Clock.Now().UnixMilli()
	if now <= p.lastBlockTime {
		now = p.lastBlockTime + 1
	}

	txs := make([]types.Transaction, len(drained))
	for i, t := range drained {
		txs[i] = *t
	}

	rejected, receipts, err := p.trialExecute(txs, height+1, false)
	if err != nil {
		return types.Block{}, err
	}

	b := types.Block{
		Header: types.BlockHeader{
			Height:             height + 1,
			PreviousHash:       previousHash,
			CreationTimeMillis: now,
		},
		Body: types.BlockBody{
			Transactions: txs,
			Rejected:     rejected,
		},
	}
	b.Header.TransactionsRoot = transactionsRoot(txs)
	b.Header.ResultReceiptsRoot = receiptsRoot(receipts)
	return b, nil
}

// ValidateBlock trial-executes b's transactions against the committed
// state and checks that the resulting rejection set and header roots
// match what the leader proposed.
func (p *Pipeline) ValidateBlock(ctx context.Context, b types.Block) error {
	genesis := b.Header.Height == 1
	rejected, receipts, err := p.trialExecute(b.Body.Transactions, b.Header.Height, genesis)
	if err != nil {
		return err
	}
	if got, want := transactionsRoot(b.Body.Transactions), b.Header.TransactionsRoot; got != want {
		return errs.NewBlockRejection(errs.BlockBadStateRoot, "transactions root does not match header")
	}
	if got, want := receiptsRoot(receipts), b.Header.ResultReceiptsRoot; got != want {
		return errs.NewBlockRejection(errs.BlockBadStateRoot, "receipts root does not match header")
	}
	if !sameRejections(rejected, b.Body.Rejected) {
		return errs.NewBlockRejection(errs.BlockBadStateRoot, "rejection set does not match body")
	}
	return nil
}

// trialExecute runs txs under a write transaction that is always rolled
// back, restoring the executor state afterwards so a trial Upgrade
// never leaks.
func (p *Pipeline) trialExecute(txs []types.Transaction, height uint64, genesis bool) ([]types.RejectedTransaction, []receipt, error) {
	p.execMu.Lock()
	savedState := p.execState
	p.execMu.Unlock()
	defer func() {
		p.execMu.Lock()
		p.execState = savedState
		p.execMu.Unlock()
	}()

	wtx := p.WSV.Begin()
	defer wtx.Rollback()

	rejected, receipts := p.executeAll(wtx, txs, height, genesis)
	return rejected, receipts, nil
}

// executeAll runs every transaction in order, unwinding each failed one
// to its savepoint and recording the rejection, never aborting the
// block.
func (p *Pipeline) executeAll(wtx *wsv.WriteTx, txs []types.Transaction, height uint64, genesis bool) ([]types.RejectedTransaction, []receipt) {
	var rejected []types.RejectedTransaction
	receipts := make([]receipt, len(txs))
	for i := range txs {
		err := p.runTransaction(wtx, &txs[i], height, genesis)
		receipts[i] = receipt{Index: i, Accepted: err == nil}
		if err != nil {
			receipts[i].Reason = err.Error()
			rejected = append(rejected, types.RejectedTransaction{Index: i, Reason: err.Error()})
		}
	}
	return rejected, receipts
}

// runTransaction applies one transaction inside its own savepoint: on
// any failure the write transaction is rewound to the savepoint and the
// executor state restored, so a rejected transaction leaves no trace.
func (p *Pipeline) runTransaction(wtx *wsv.WriteTx, t *types.Transaction, height uint64, genesis bool) error {
	sp := wtx.Savepoint()
	p.execMu.Lock()
	savedState := p.execState
	p.execMu.Unlock()

	err := p.execTransaction(wtx, t, height, genesis)
	if err != nil {
		wtx.RestoreTo(sp)
		p.execMu.Lock()
		p.execState = savedState
		p.execMu.Unlock()
	}
	return err
}

func (p *Pipeline) execTransaction(wtx *wsv.WriteTx, t *types.Transaction, height uint64, genesis bool) error {
	authority := t.Payload.Authority
	if !genesis {
		if t.Payload.ChainID != p.ChainID {
			return errs.NewRejection(errs.KindInvalidParameter, "transaction chain id does not match")
		}
		acc, ok := wtx.Account(wsv.DomainOf(authority), authority)
		if !ok {
			return errs.NewRejection(errs.KindFind, fmt.Sprintf("authority %q not found", authority))
		}
		if !t.VerifySignatures(acc.Signatories) {
			return errs.NewRejection(errs.KindInvariant, "no signature verifies against a current signatory")
		}
	}

	host := p.newHost(wtx, authority, height)
	state := p.ExecutorState()
	if err := p.Sandbox.ValidateTransaction(state, host); err != nil {
		return err
	}

	if t.Payload.Executable.IsWasm() {
		return p.Sandbox.ExecuteWasm(t.Payload.Executable.Wasm, host)
	}
	instructions, err := isi.Decode(t.Payload.Executable.Instructions)
	if err != nil {
		return err
	}
	for _, ins := range instructions {
		if err := p.execInstruction(wtx, authority, ins, height); err != nil {
			return err
		}
	}
	return nil
}

// execInstruction dispatches one instruction: composites recurse here
// (so a nested Upgrade or ExecuteTrigger is still intercepted), the two
// pipeline-owned instructions are handled in place, and everything else
// is authorized by the executor then applied through pkg/isi.
func (p *Pipeline) execInstruction(wtx *wsv.WriteTx, authority wsv.AccountID, ins isi.Instruction, height uint64) error {
	switch v := ins.(type) {
	case isi.Sequence:
		for _, sub := range v.Instructions {
			if err := p.execInstruction(wtx, authority, sub, height); err != nil {
				return err
			}
		}
		return nil
	case isi.Pair:
		if err := p.execInstruction(wtx, authority, v.First, height); err != nil {
			return err
		}
		return p.execInstruction(wtx, authority, v.Second, height)
	case isi.If:
		if v.Predicate.Eval(wtx) {
			return p.execInstruction(wtx, authority, v.Then, height)
		}
		if v.Else != nil {
			return p.execInstruction(wtx, authority, v.Else, height)
		}
		return nil
	case isi.Upgrade:
		return p.migrate(wtx, authority, v.Raw, height)
	case isi.ExecuteTrigger:
		if err := v.Execute(wtx, authority); err != nil {
			return err
		}
		return p.fireTrigger(wtx, v.ID, height)
	case isi.Log:
		if p.Logger != nil {
			p.Logger.Infow("instruction_log", "level", v.Level, "message", v.Message)
		}
		return nil
	default:
		if err := p.authorize(wtx, authority, ins, height); err != nil {
			return err
		}
		return ins.Execute(wtx, authority)
	}
}

// authorize asks the policy layer whether authority may run ins: the
// user-provided wasm executor when installed, the built-in permission
// schema otherwise.
func (p *Pipeline) authorize(wtx *wsv.WriteTx, authority wsv.AccountID, ins isi.Instruction, height uint64) error {
	state := p.ExecutorState()
	if state.Phase == executor.PhaseUserProvided {
		return p.Sandbox.ValidateInstruction(state, p.newHost(wtx, authority, height))
	}
	return builtinAuthorize(wtx, authority, ins)
}

// migrate installs a new executor module inside the current write
// transaction's failure domain: the swap happens only after the
// sandboxed migrate entry point succeeds, and the caller's savepoint
// discipline undoes it if a later instruction in the same transaction
// fails.
func (p *Pipeline) migrate(wtx *wsv.WriteTx, authority wsv.AccountID, raw []byte, height uint64) error {
	next, err := p.Sandbox.Migrate(raw, p.newHost(wtx, authority, height))
	if err != nil {
		return errs.WrapRejection(errs.KindInvariant, "executor migration failed", err)
	}
	p.execMu.Lock()
	p.execState = next
	p.execMu.Unlock()
	if p.Logger != nil {
		p.Logger.Infow("executor_upgraded", "bytes", len(raw))
	}
	return nil
}

// fireTrigger runs a trigger's executable under the trigger's own
// authority, then updates its repetition accounting, unregistering it
// once a bounded repeat count is exhausted.
func (p *Pipeline) fireTrigger(wtx *wsv.WriteTx, id wsv.TriggerID, height uint64) error {
	t, ok := wtx.Trigger(id)
	if !ok {
		return errs.NewRejection(errs.KindFind, fmt.Sprintf("trigger %q not found", id))
	}
	if err := p.runExecutable(wtx, t.Authority, t.Executable, height); err != nil {
		return err
	}
	exhausted := false
	if err := wtx.MutateTrigger(id, func(t *wsv.Trigger) error {
		t.FiredCount++
		if t.Repeats > 0 {
			t.Repeats--
			exhausted = t.Repeats == 0
		}
		return nil
	}); err != nil {
		return err
	}
	if exhausted {
		return wtx.UnregisterTrigger(id)
	}
	return nil
}

func (p *Pipeline) runExecutable(wtx *wsv.WriteTx, authority wsv.AccountID, executable []byte, height uint64) error {
	if bytes.HasPrefix(executable, wasmMagic) {
		return p.Sandbox.ExecuteWasm(executable, p.newHost(wtx, authority, height))
	}
	instructions, err := isi.Decode(executable)
	if err != nil {
		return err
	}
	for _, ins := range instructions {
		if err := p.execInstruction(wtx, authority, ins, height); err != nil {
			return err
		}
	}
	return nil
}

// ApplyBlock commits b: re-execute every transaction, verify the
// resulting receipts against the header, run due time triggers, persist
// to Kura and atomically install the new world state. Only Kura failures are fatal.
func (p *Pipeline) ApplyBlock(ctx context.Context, b types.Block) error {
	hash, err := b.Hash()
	if err != nil {
		return errs.NewBlockRejection(errs.BlockBadHeaderChain, "unhashable header: "+err.Error())
	}

	genesis := b.Header.Height == 1

	p.execMu.Lock()
	savedState := p.execState
	p.execMu.Unlock()

	wtx := p.WSV.Begin()
	committed := false
	defer func() {
		if !committed {
			wtx.Rollback()
			p.execMu.Lock()
			p.execState = savedState
			p.execMu.Unlock()
		}
	}()

	wtx.Emit(wsv.Event{Kind: "PipelineEvent", Payload: wsv.PipelineEvent{Stage: "block_created"}})

	rejected, receipts := p.executeAll(wtx, b.Body.Transactions, b.Header.Height, genesis)
	if receiptsRoot(receipts) != b.Header.ResultReceiptsRoot || !sameRejections(rejected, b.Body.Rejected) {
		return errs.NewBlockRejection(errs.BlockBadStateRoot, "recomputed receipts do not match committed header")
	}

	for i := range b.Body.Transactions {
		txHash, hashErr := b.Body.Transactions[i].Hash()
		if hashErr != nil {
			continue
		}
		ev := wsv.PipelineEvent{TxHash: txHash, Stage: "committed"}
		if !receipts[i].Accepted {
			ev.Stage = "rejected"
			ev.Rejected = true
			ev.Reason = receipts[i].Reason
		}
		wtx.Emit(wsv.Event{Kind: "PipelineEvent", Payload: ev})
	}

	if genesis {
		p.genesisTime = b.Header.CreationTimeMillis
	}
	p.runTimeTriggers(wtx, b.Header.CreationTimeMillis, b.Header.Height)

	// Skip the append when the block is already on disk (startup replay
	// of a store that outran the snapshot, or a re-synced duplicate);
	// re-applying a stored range must be a no-op at the storage layer.
	if _, stored := p.Kura.GetBlockHash(b.Header.Height); !stored {
		if err := p.Kura.Append(b); err != nil {
			return errs.NewFatal("kura append", err)
		}
	}

	wtx.Commit(hash)
	committed = true
	p.lastBlockTime = b.Header.CreationTimeMillis

	for i := range b.Body.Transactions {
		if txHash, hashErr := b.Body.Transactions[i].Hash(); hashErr == nil {
			p.Queue.MarkCommitted(txHash, b.Header.CreationTimeMillis)
		}
	}

	b.SetStatus(types.BlockCommitted)
	return nil
}

func transactionsRoot(txs []types.Transaction) [32]byte {
	leaves := make([][32]byte, 0, len(txs))
	for i := range txs {
		h, err := txs[i].Hash()
		if err != nil {
			continue
		}
		leaves = append(leaves, h)
	}
	return types.MerkleRoot(leaves)
}

func receiptsRoot(receipts []receipt) [32]byte {
	leaves := make([][32]byte, 0, len(receipts))
	for i := range receipts {
		h, err := crypto.HashValue(receipts[i])
		if err != nil {
			continue
		}
		leaves = append(leaves, h)
	}
	return types.MerkleRoot(leaves)
}

func sameRejections(a, b []types.RejectedTransaction) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Index != b[i].Index || a[i].Reason != b[i].Reason {
			return false
		}
	}
	return true
}
