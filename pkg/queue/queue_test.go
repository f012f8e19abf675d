package queue

import (
	"context"
	"testing"
	"time"

	"github.com/kagami-chain/kagami/internal/clock"
	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/types"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time                          { return f.t }
func (f fixedClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func mustKeyPair(t *testing.T) crypto.KeyPair {
	kp, err := crypto.NewEd25519KeyPairFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	return kp
}

func newSignedTx(t *testing.T, kp crypto.KeyPair, createdAt int64, ttl uint64) *types.Transaction {
	tx := &types.Transaction{
		Payload: types.TransactionPayload{
			ChainID:      "test-chain",
			Authority:    wsv.AccountID("alice@wonderland"),
			CreationTime: createdAt,
			TTLMillis:    ttl,
			Nonce:        1,
		},
	}
	hash, err := crypto.HashValue(tx.Payload)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	tx.Signatures = []crypto.Signature{kp.Sign(hash[:])}
	return tx
}

func TestPushThenDuplicateIsRejected(t *testing.T) {
	kp := mustKeyPair(t)
	q := New(DefaultConfig(), fixedClock{t: time.UnixMilli(1000)})
	tx := newSignedTx(t, kp, 1000, 60000)

	if err := q.Push(tx, []crypto.PublicKey{kp.PublicKey()}); err != nil {
		t.Fatalf("first push: %v", err)
	}
	err := q.Push(tx, []crypto.PublicKey{kp.PublicKey()})
	adm, ok := err.(*errs.Admission)
	if !ok || adm.Kind != errs.AdmissionDuplicate {
		t.Fatalf("expected AdmissionDuplicate, got %v", err)
	}
}

func TestPushExpiredIsRejected(t *testing.T) {
	kp := mustKeyPair(t)
	q := New(DefaultConfig(), fixedClock{t: time.UnixMilli(100000)})
	tx := newSignedTx(t, kp, 1000, 60000)

	err := q.Push(tx, []crypto.PublicKey{kp.PublicKey()})
	adm, ok := err.(*errs.Admission)
	if !ok || adm.Kind != errs.AdmissionExpired {
		t.Fatalf("expected AdmissionExpired, got %v", err)
	}
}

func TestPushBadSignatureIsRejected(t *testing.T) {
	kp := mustKeyPair(t)
	q := New(DefaultConfig(), fixedClock{t: time.UnixMilli(1000)})
	tx := newSignedTx(t, kp, 1000, 60000)

	err := q.Push(tx, []crypto.PublicKey{})
	adm, ok := err.(*errs.Admission)
	if !ok || adm.Kind != errs.AdmissionBadSignature {
		t.Fatalf("expected AdmissionBadSignature, got %v", err)
	}
}

func TestPopForBlockRemovesReturnedEntries(t *testing.T) {
	kp := mustKeyPair(t)
	q := New(DefaultConfig(), fixedClock{t: time.UnixMilli(1000)})
	tx := newSignedTx(t, kp, 1000, 60000)
	if err := q.Push(tx, []crypto.PublicKey{kp.PublicKey()}); err != nil {
		t.Fatalf("push: %v", err)
	}

	view := wsv.New(16).View()
	sigs := func(_ *wsv.View, _ wsv.AccountID) []crypto.PublicKey { return []crypto.PublicKey{kp.PublicKey()} }
	out := q.PopForBlock(view, 10, sigs)
	if len(out) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(out))
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after pop, got %d", q.Len())
	}
}

var _ clock.Clock = fixedClock{}

func TestPushCapacityOneSecondIsFull(t *testing.T) {
	kp := mustKeyPair(t)
	cfg := DefaultConfig()
	cfg.Capacity = 1
	q := New(cfg, fixedClock{t: time.UnixMilli(1000)})

	if err := q.Push(newSignedTx(t, kp, 1000, 60000), []crypto.PublicKey{kp.PublicKey()}); err != nil {
		t.Fatalf("first push: %v", err)
	}
	err := q.Push(newSignedTx(t, kp, 1001, 60000), []crypto.PublicKey{kp.PublicKey()})
	adm, ok := err.(*errs.Admission)
	if !ok || adm.Kind != errs.AdmissionFull {
		t.Fatalf("expected AdmissionFull, got %v", err)
	}
}

func TestPushTTLBelowThresholdIsRejected(t *testing.T) {
	kp := mustKeyPair(t)
	q := New(DefaultConfig(), fixedClock{t: time.UnixMilli(1000)})

	err := q.Push(newSignedTx(t, kp, 1000, TTLTooSmallThresholdMillis-1), []crypto.PublicKey{kp.PublicKey()})
	adm, ok := err.(*errs.Admission)
	if !ok || adm.Kind != errs.AdmissionLimitExceeded {
		t.Fatalf("expected AdmissionLimitExceeded, got %v", err)
	}
}

type fakeGossipNet struct {
	handler    func(ctx context.Context, m TransactionGossip)
	broadcasts []TransactionGossip
}

func (f *fakeGossipNet) BroadcastTransactions(_ context.Context, m TransactionGossip) error {
	f.broadcasts = append(f.broadcasts, m)
	return nil
}
func (f *fakeGossipNet) SetTransactionHandler(fn func(ctx context.Context, m TransactionGossip)) {
	f.handler = fn
}

func TestGossipHandlerAdmitsThroughPush(t *testing.T) {
	kp := mustKeyPair(t)
	q := New(DefaultConfig(), fixedClock{t: time.UnixMilli(1000)})
	net := &fakeGossipNet{}
	g := &Gossiper{
		Q: q, Net: net,
		View:          func() *wsv.View { return wsv.New(16).View() },
		SignatoriesOf: func(_ *wsv.View, _ wsv.AccountID) []crypto.PublicKey { return []crypto.PublicKey{kp.PublicKey()} },
	}
	net.SetTransactionHandler(g.onGossip)

	tx := newSignedTx(t, kp, 1000, 60000)
	net.handler(context.Background(), TransactionGossip{Transactions: []*types.Transaction{tx}})
	if q.Len() != 1 {
		t.Fatalf("gossiped transaction not admitted, len=%d", q.Len())
	}

	// a replayed batch is a no-op
	net.handler(context.Background(), TransactionGossip{Transactions: []*types.Transaction{tx}})
	if q.Len() != 1 {
		t.Fatalf("duplicate gossip changed the queue, len=%d", q.Len())
	}
}
