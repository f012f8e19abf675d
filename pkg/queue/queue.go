// Package queue implements the transaction mempool: admission control,
// deduplication, expiry and gossip batching over a single FIFO keyed
// by payload hash.
package queue

import (
	"sync"

	"github.com/kagami-chain/kagami/internal/clock"
	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/types"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

// TTLTooSmallThresholdMillis is the smallest useful time-to-live: a
// transaction that would expire before it can plausibly reach a block
// is refused at the door instead of wasting a queue slot.
const TTLTooSmallThresholdMillis = 500

// Config carries the queue's admission-control limits.
type Config struct {
	Capacity            int
	CapacityPerUser      int
	TransactionTTLMillis uint64
	FutureThresholdMillis int64
}

func DefaultConfig() Config {
	return Config{
		Capacity:              65536,
		CapacityPerUser:       256,
		TransactionTTLMillis:  86400_000,
		FutureThresholdMillis: 1000,
	}
}

type entry struct {
	tx       *types.Transaction
	hash     [32]byte
	admitted int64 // millis, for FIFO tie-break display only; order field carries real FIFO
	order    uint64
}

// Queue is the single FIFO-by-hash admission queue: transactions are
// classified eagerly at push time, so the pop path only has to
// re-check what can change while an entry waits (expiry, signatories).
type Queue struct {
	mu sync.Mutex

	cfg   Config
	clock clock.Clock

	byHash   map[[32]byte]*entry
	order    []*entry // FIFO order; popped entries are nilled out lazily and compacted
	perUser  map[wsv.AccountID]int

	recentlyCommitted map[[32]byte]int64 // hash -> commit time millis, for duplicate-of-committed checks
	nextOrder         uint64
}

func New(cfg Config, c clock.Clock) *Queue {
	return &Queue{
		cfg:               cfg,
		clock:             c,
		byHash:            make(map[[32]byte]*entry),
		perUser:           make(map[wsv.AccountID]int),
		recentlyCommitted: make(map[[32]byte]int64),
	}
}

// nowMillis reads the injected clock rather than wall time directly, so
// tests can control admission/expiry deterministically.
func (q *Queue) nowMillis() int64 {
	return q.clock.Now().UnixMilli()
}

// Push validates and admits tx, returning a tagged *errs.Admission
// naming the first rejection condition that applies.
func (q *Queue) Push(tx *types.Transaction, currentSignatories []crypto.PublicKey) error {
	hash, err := tx.Hash()
	if err != nil {
		return errs.NewAdmission(errs.AdmissionBadSignature)
	}

	if tx.Payload.TTLMillis < TTLTooSmallThresholdMillis {
		return errs.NewAdmission(errs.AdmissionLimitExceeded)
	}

	now := q.nowMillis()
	if tx.Payload.CreationTime > now+q.cfg.FutureThresholdMillis {
		return errs.NewAdmission(errs.AdmissionFuture)
	}
	if tx.Payload.CreationTime+int64(tx.Payload.TTLMillis) <= now {
		return errs.NewAdmission(errs.AdmissionExpired)
	}
	if !tx.VerifySignatures(currentSignatories) {
		return errs.NewAdmission(errs.AdmissionBadSignature)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.recentlyCommitted[hash]; ok {
		return errs.NewAdmission(errs.AdmissionDuplicateCommitted)
	}
	if _, ok := q.byHash[hash]; ok {
		return errs.NewAdmission(errs.AdmissionDuplicate)
	}
	if len(q.byHash) >= q.cfg.Capacity {
		return errs.NewAdmission(errs.AdmissionFull)
	}
	if q.perUser[tx.Payload.Authority] >= q.cfg.CapacityPerUser {
		return errs.NewAdmission(errs.AdmissionPerUserFull)
	}

	e := &entry{tx: tx, hash: hash, admitted: now, order: q.nextOrder}
	q.nextOrder++
	q.byHash[hash] = e
	q.order = append(q.order, e)
	q.perUser[tx.Payload.Authority]++
	return nil
}

// PopForBlock drains up to max non-expired transactions in FIFO order,
// re-validating each against the current WSV snapshot's signatory set
// before including it. Expired entries encountered along
// the way are dropped from the queue as a side effect, satisfying the
// "Queue contains no expired transactions after any pop_for_block"
// invariant.
func (q *Queue) PopForBlock(view *wsv.View, max int, signatoriesOf func(*wsv.View, wsv.AccountID) []crypto.PublicKey) []*types.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowMillis()
	out := make([]*types.Transaction, 0, max)
	remaining := make([]*entry, 0, len(q.order))

	for _, e := range q.order {
		if e == nil {
			continue
		}
		expired := e.tx.Payload.CreationTime+int64(e.tx.Payload.TTLMillis) <= now
		if expired {
			q.removeLocked(e)
			continue
		}
		if len(out) >= max {
			remaining = append(remaining, e)
			continue
		}
		sigs := signatoriesOf(view, e.tx.Payload.Authority)
		if !e.tx.VerifySignatures(sigs) {
			q.removeLocked(e)
			continue
		}
		out = append(out, e.tx)
		q.removeLocked(e)
	}
	q.order = remaining
	return out
}

// GossipBatch returns up to size transactions for pub-sub fan-out,
// without removing them from the queue.
func (q *Queue) GossipBatch(size int) []*types.Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*types.Transaction, 0, size)
	for _, e := range q.order {
		if e == nil {
			continue
		}
		if len(out) >= size {
			break
		}
		out = append(out, e.tx)
	}
	return out
}

// MarkCommitted records hash as recently committed so a later duplicate
// push is rejected under AdmissionDuplicateCommitted rather than being
// silently re-admitted.
func (q *Queue) MarkCommitted(hash [32]byte, atMillis int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recentlyCommitted[hash] = atMillis
	if e, ok := q.byHash[hash]; ok {
		q.removeLocked(e)
	}
}

func (q *Queue) removeLocked(e *entry) {
	delete(q.byHash, e.hash)
	q.perUser[e.tx.Payload.Authority]--
	if q.perUser[e.tx.Payload.Authority] <= 0 {
		delete(q.perUser, e.tx.Payload.Authority)
	}
	for i, o := range q.order {
		if o == e {
			q.order[i] = nil
			break
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byHash)
}
