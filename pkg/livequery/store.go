package livequery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kagami-chain/kagami/internal/clock"
	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

const shardCount = 16

// Config bounds how many iterable sessions may be parked at once.
type Config struct {
	Capacity        int
	CapacityPerUser int
	IdleTime        time.Duration
	DefaultFetchSize uint32
}

func DefaultConfig() Config {
	return Config{
		Capacity:        128,
		CapacityPerUser: 8,
		IdleTime:        30 * time.Second,
		DefaultFetchSize: 10,
	}
}

// Cursor addresses the parked tail of an iterable query session. The
// Position field must echo the store's recorded position exactly; a
// stale or replayed cursor is NotFound, never a silent re-read.
type Cursor struct {
	ID       uuid.UUID
	Position uint32
}

// Batch is one page of results handed to the client, with the cursor to
// pass back for the next page (nil once drained).
type Batch struct {
	Items     []interface{}
	Remaining int
	Cursor    *Cursor
}

type session struct {
	authority wsv.AccountID
	items     []interface{}
	pos       uint32
	fetchSize uint32
	lastTouch time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*session
}

// Store parks iterable query tails under a sharded concurrent map
// with per-shard locking.
type Store struct {
	cfg   Config
	clock clock.Clock

	shards [shardCount]shard

	userMu  sync.Mutex
	perUser map[wsv.AccountID]int
	total   int
}

func NewStore(cfg Config, c clock.Clock) *Store {
	s := &Store{cfg: cfg, clock: c, perUser: make(map[wsv.AccountID]int)}
	for i := range s.shards {
		s.shards[i].entries = make(map[uuid.UUID]*session)
	}
	return s
}

func (s *Store) shardFor(id uuid.UUID) *shard {
	return &s.shards[id[0]%shardCount]
}

// StartIter begins an iterable session over items: the first batch is
// returned immediately, and the tail (if any) is parked under a fresh
// UUID.
func (s *Store) StartIter(items []interface{}, authority wsv.AccountID, fetchSize uint32) (Batch, error) {
	if fetchSize == 0 {
		fetchSize = s.cfg.DefaultFetchSize
	}
	first := items
	if int(fetchSize) < len(items) {
		first = items[:fetchSize]
	}
	remaining := len(items) - len(first)
	if remaining == 0 {
		return Batch{Items: first}, nil
	}

	if err := s.reserve(authority); err != nil {
		return Batch{}, err
	}

	id := uuid.New()
	sess := &session{
		authority: authority,
		items:     items,
		pos:       fetchSize,
		fetchSize: fetchSize,
		lastTouch: s.clock.Now(),
	}
	sh := s.shardFor(id)
	sh.mu.Lock()
	sh.entries[id] = sess
	sh.mu.Unlock()

	return Batch{Items: first, Remaining: remaining, Cursor: &Cursor{ID: id, Position: fetchSize}}, nil
}

// Continue advances a parked session: the entry is removed atomically,
// advanced, and reinserted only if not drained, so a cursor is either fresh-and-usable or
// absent, never partially advanced.
func (s *Store) Continue(c Cursor) (Batch, error) {
	sh := s.shardFor(c.ID)
	sh.mu.Lock()
	sess, ok := sh.entries[c.ID]
	if !ok {
		sh.mu.Unlock()
		return Batch{}, errs.NewQueryFail(errs.QueryNotFound, "cursor not found")
	}
	delete(sh.entries, c.ID)
	sh.mu.Unlock()

	if sess.pos != c.Position || int(c.Position) > len(sess.items) {
		s.release(sess.authority)
		return Batch{}, errs.NewQueryFail(errs.QueryNotFound, "cursor position out of range")
	}

	end := sess.pos + sess.fetchSize
	if int(end) > len(sess.items) {
		end = uint32(len(sess.items))
	}
	page := sess.items[sess.pos:end]
	remaining := len(sess.items) - int(end)
	if remaining == 0 {
		s.release(sess.authority)
		return Batch{Items: page}, nil
	}

	sess.pos = end
	sess.lastTouch = s.clock.Now()
	sh.mu.Lock()
	sh.entries[c.ID] = sess
	sh.mu.Unlock()
	return Batch{Items: page, Remaining: remaining, Cursor: &Cursor{ID: c.ID, Position: end}}, nil
}

// Len reports the number of parked sessions.
func (s *Store) Len() int {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	return s.total
}

func (s *Store) reserve(authority wsv.AccountID) error {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	if s.total >= s.cfg.Capacity {
		return errs.NewQueryFail(errs.QueryCapacityLimit, "live query store full")
	}
	if s.perUser[authority] >= s.cfg.CapacityPerUser {
		return errs.NewQueryFail(errs.QueryCapacityLimit, "per-account live query capacity reached")
	}
	s.total++
	s.perUser[authority]++
	return nil
}

func (s *Store) release(authority wsv.AccountID) {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	s.total--
	if s.perUser[authority] > 1 {
		s.perUser[authority]--
	} else {
		delete(s.perUser, authority)
	}
}

// Run is the background pruner: every IdleTime/2 it evicts every session
// idle past IdleTime in one sweep, in no particular order. A drained or
// evicted cursor
// returns NotFound on its next use.
func (s *Store) Run(ctx context.Context) {
	interval := s.cfg.IdleTime / 2
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
			s.evictIdle()
		}
	}
}

func (s *Store) evictIdle() {
	deadline := s.clock.Now().Add(-s.cfg.IdleTime)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		var victims []uuid.UUID
		var owners []wsv.AccountID
		for id, sess := range sh.entries {
			if sess.lastTouch.Before(deadline) {
				victims = append(victims, id)
				owners = append(owners, sess.authority)
			}
		}
		for _, id := range victims {
			delete(sh.entries, id)
		}
		sh.mu.Unlock()
		for _, owner := range owners {
			s.release(owner)
		}
	}
}
