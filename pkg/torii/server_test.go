package torii

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kagami-chain/kagami/internal/clock"
	"github.com/kagami-chain/kagami/pkg/crypto"
	"github.com/kagami-chain/kagami/pkg/crypto/canonical"
	"github.com/kagami-chain/kagami/pkg/executor"
	"github.com/kagami-chain/kagami/pkg/isi"
	"github.com/kagami-chain/kagami/pkg/kura"
	"github.com/kagami-chain/kagami/pkg/livequery"
	"github.com/kagami-chain/kagami/pkg/pipeline"
	"github.com/kagami-chain/kagami/pkg/queue"
	"github.com/kagami-chain/kagami/pkg/types"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

func newTestServer(t *testing.T) (*Server, crypto.KeyPair) {
	t.Helper()
	store, err := kura.Open(t.TempDir(), 16, kura.Fast, nil)
	if err != nil {
		t.Fatalf("kura: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	w := wsv.New(64)
	q := queue.New(queue.DefaultConfig(), clock.RealClock{})
	sb := executor.NewSandbox(1_000_000, 16<<20)
	p := pipeline.New("kagami-test", w, q, store, sb, clock.RealClock{}, zap.NewNop().Sugar())
	lq := livequery.NewStore(livequery.DefaultConfig(), clock.RealClock{})

	kp, err := crypto.NewEd25519KeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	genesis, err := pipeline.NewGenesisBlock("kagami-test", "alice@wonderland", []isi.Instruction{
		isi.RegisterDomain{ID: "wonderland", Owner: "alice@wonderland"},
		isi.RegisterAccount{Domain: "wonderland", ID: "alice@wonderland", Signatories: []crypto.PublicKey{kp.PublicKey()}},
	}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if err := p.ApplyBlock(context.Background(), genesis); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}

	return NewServer(DefaultConfig(), q, w, lq, p, store, zap.NewNop().Sugar()), kp
}

func TestSubmitMalformedTransactionIs400(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/transactions", strings.NewReader("not a gob frame"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitUnsignedTransactionIs401(t *testing.T) {
	s, _ := newTestServer(t)
	encoded, _ := isi.Encode([]isi.Instruction{isi.RegisterRole{ID: "root"}})
	tx := types.Transaction{Payload: types.TransactionPayload{
		ChainID:      "kagami-test",
		Authority:    "alice@wonderland",
		CreationTime: time.Now().UnixMilli(),
		TTLMillis:    60_000,
		Executable:   types.Executable{Instructions: encoded},
	}}
	body, _ := canonical.Encode(tx)
	req := httptest.NewRequest("POST", "/transactions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestSubmitSignedTransactionIs202(t *testing.T) {
	s, kp := newTestServer(t)
	encoded, _ := isi.Encode([]isi.Instruction{isi.RegisterRole{ID: "root"}})
	tx := types.Transaction{Payload: types.TransactionPayload{
		ChainID:      "kagami-test",
		Authority:    "alice@wonderland",
		CreationTime: time.Now().UnixMilli(),
		TTLMillis:    60_000,
		Executable:   types.Executable{Instructions: encoded},
	}}
	hash, _ := tx.Hash()
	tx.Signatures = append(tx.Signatures, kp.Sign(hash[:]))
	body, _ := canonical.Encode(tx)
	req := httptest.NewRequest("POST", "/transactions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestUnknownCursorIs404(t *testing.T) {
	s, _ := newTestServer(t)
	body, _ := json.Marshal(continueRequest{})
	req := httptest.NewRequest("POST", "/queries/continue", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealthAndStatus(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/health", "/status", "/metrics", "/configuration", "/schema"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
