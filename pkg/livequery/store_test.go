package livequery

import (
	"testing"
	"time"

	"github.com/kagami-chain/kagami/pkg/wsv"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                         { return f.now }
func (f *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func items(n int) []interface{} {
	out := make([]interface{}, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestStartIterDrainsWithoutCursorWhenSmall(t *testing.T) {
	s := NewStore(DefaultConfig(), &fakeClock{now: time.Unix(0, 0)})
	b, err := s.StartIter(items(3), "alice@wonderland", 10)
	if err != nil {
		t.Fatalf("StartIter: %v", err)
	}
	if b.Cursor != nil {
		t.Fatalf("expected no cursor for a fully-drained first batch")
	}
	if len(b.Items) != 3 || b.Remaining != 0 {
		t.Fatalf("got %d items, %d remaining", len(b.Items), b.Remaining)
	}
	if s.Len() != 0 {
		t.Fatalf("nothing should be parked, got %d", s.Len())
	}
}

func TestContinueAdvancesAndDrains(t *testing.T) {
	s := NewStore(DefaultConfig(), &fakeClock{now: time.Unix(0, 0)})
	b, err := s.StartIter(items(5), "alice@wonderland", 2)
	if err != nil {
		t.Fatalf("StartIter: %v", err)
	}
	if b.Cursor == nil || b.Remaining != 3 {
		t.Fatalf("expected parked tail of 3, got %+v", b)
	}

	b2, err := s.Continue(*b.Cursor)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if len(b2.Items) != 2 || b2.Remaining != 1 || b2.Cursor == nil {
		t.Fatalf("unexpected second batch %+v", b2)
	}

	b3, err := s.Continue(*b2.Cursor)
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if len(b3.Items) != 1 || b3.Cursor != nil {
		t.Fatalf("unexpected final batch %+v", b3)
	}

	// drained cursor is gone
	if _, err := s.Continue(*b2.Cursor); err == nil {
		t.Fatalf("expected NotFound after drain")
	}
	if s.Len() != 0 {
		t.Fatalf("store should be empty, got %d", s.Len())
	}
}

func TestStaleCursorPositionIsNotFound(t *testing.T) {
	s := NewStore(DefaultConfig(), &fakeClock{now: time.Unix(0, 0)})
	b, _ := s.StartIter(items(6), "alice@wonderland", 2)
	stale := Cursor{ID: b.Cursor.ID, Position: 99}
	if _, err := s.Continue(stale); err == nil {
		t.Fatalf("expected NotFound for stale position")
	}
	// the failed continue consumed the session
	if _, err := s.Continue(*b.Cursor); err == nil {
		t.Fatalf("session should be gone after a stale continue")
	}
}

func TestPerUserCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityPerUser = 1
	s := NewStore(cfg, &fakeClock{now: time.Unix(0, 0)})
	if _, err := s.StartIter(items(5), "alice@wonderland", 1); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := s.StartIter(items(5), "alice@wonderland", 1); err == nil {
		t.Fatalf("expected CapacityLimit for second parked session")
	}
	if _, err := s.StartIter(items(5), "bob@wonderland", 1); err != nil {
		t.Fatalf("other account should still fit: %v", err)
	}
}

func TestEvictIdle(t *testing.T) {
	fc := &fakeClock{now: time.Unix(1000, 0)}
	cfg := DefaultConfig()
	cfg.IdleTime = 10 * time.Second
	s := NewStore(cfg, fc)
	b, _ := s.StartIter(items(5), "alice@wonderland", 1)

	fc.now = fc.now.Add(11 * time.Second)
	s.evictIdle()

	if _, err := s.Continue(*b.Cursor); err == nil {
		t.Fatalf("expected cursor evicted after idle timeout")
	}
	if s.Len() != 0 {
		t.Fatalf("store should be empty after eviction, got %d", s.Len())
	}
}

func TestExecuteFindAllRolesIsSorted(t *testing.T) {
	w := wsv.New(16)
	tx := w.Begin()
	_ = tx.RegisterRole(&wsv.Role{ID: "zulu", Permissions: map[wsv.PermissionID]bool{}})
	_ = tx.RegisterRole(&wsv.Role{ID: "alpha", Permissions: map[wsv.PermissionID]bool{}})
	tx.Commit([32]byte{1})

	got, err := Execute(w.View(), Query{Kind: FindAllRoles})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 roles, got %d", len(got))
	}
	if got[0].(wsv.Role).ID != "alpha" || got[1].(wsv.Role).ID != "zulu" {
		t.Fatalf("roles not id-sorted: %+v", got)
	}
}
