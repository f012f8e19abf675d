// file: pkg/kura/index.go
package kura

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// sideIndex is the pebble accelerator: persisted hash→height and
// height→location, consulted first by lookups but never trusted as the
// source of truth — rebuilt wholesale from Store.recover's scan on
// every startup, so a stale or corrupt index is overwritten by the
// scan, never the other way around.
type sideIndex struct {
	db *pebble.DB
}

const (
	prefixHashToHeight   = "h2h:"
	prefixHeightToOffset = "h2o:"
)

func OpenIndex(path string) (*sideIndex, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("kura: open side-index: %w", err)
	}
	return &sideIndex{db: db}, nil
}

func (idx *sideIndex) Close() error { return idx.db.Close() }

func hashToHeightKey(hash [32]byte) []byte {
	return append([]byte(prefixHashToHeight), hash[:]...)
}

func heightToOffsetKey(height uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return append([]byte(prefixHeightToOffset), buf[:]...)
}

// keyUpperBound mirrors account_keys.go's prefix-scan helper: the
// exclusive upper bound for a lexicographic prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func (idx *sideIndex) put(hash [32]byte, height uint64, loc location) {
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	_ = idx.db.Set(hashToHeightKey(hash), heightBuf[:], pebble.NoSync)

	locBuf := make([]byte, 20)
	binary.BigEndian.PutUint64(locBuf[0:8], uint64(loc.fileID))
	binary.BigEndian.PutUint64(locBuf[8:16], uint64(loc.offset))
	binary.BigEndian.PutUint32(locBuf[16:20], uint32(loc.length))
	_ = idx.db.Set(heightToOffsetKey(height), locBuf, pebble.NoSync)
}

// heightFor is an accelerator lookup: a miss or stale entry simply
// falls through to Store's in-memory index (the real source of truth),
// it never causes an error.
func (idx *sideIndex) heightFor(hash [32]byte) (uint64, bool) {
	val, closer, err := idx.db.Get(hashToHeightKey(hash))
	if err != nil {
		return 0, false
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(val), true
}

// rebuildFrom deletes every hash→height entry and rewrites both entries
// for each block in Store's just-completed scan result; height→location
// entries for heights beyond the scan are not deleted. It is called once
// after every recover(), so a
// corrupted or missing pebble index never diverges from disk for more
// than one startup.
func (idx *sideIndex) rebuildFrom(s *Store) {
	batch := idx.db.NewBatch()
	defer batch.Close()
	iter, _ := idx.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixHashToHeight),
		UpperBound: keyUpperBound([]byte(prefixHashToHeight)),
	})
	for iter.First(); iter.Valid(); iter.Next() {
		_ = batch.Delete(iter.Key(), nil)
	}
	iter.Close()

	for height, loc := range s.heightToLocation {
		hash := s.heightToHash[height]
		var heightBuf [8]byte
		binary.BigEndian.PutUint64(heightBuf[:], height)
		_ = batch.Set(hashToHeightKey(hash), heightBuf[:], nil)

		locBuf := make([]byte, 20)
		binary.BigEndian.PutUint64(locBuf[0:8], uint64(loc.fileID))
		binary.BigEndian.PutUint64(locBuf[8:16], uint64(loc.offset))
		binary.BigEndian.PutUint32(locBuf[16:20], uint32(loc.length))
		_ = batch.Set(heightToOffsetKey(height), locBuf, nil)
	}
	_ = batch.Commit(pebble.Sync)
}
