// Package kura implements the append-only block store: one or more
// fixed-size block-files, each holding {len, encoded block bytes,
// crc32c} records, with an in-memory height/hash index rebuilt on
// startup and a pebble side-index consulted first as an accelerator,
// never as the source of truth.
package kura

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/crypto/canonical"
	"github.com/kagami-chain/kagami/pkg/types"
)

// InitMode selects how thoroughly Recover verifies on-disk records.
type InitMode int

const (
	// Strict re-deserializes and re-hashes every block against its
	// stored header hash; any mismatch aborts startup.
	Strict InitMode = iota
	// Fast only checks the CRC of each record, deferring header-hash
	// verification.
	Fast
)

type location struct {
	fileID int
	offset int64
	length uint64
}

// Store is the single writer for the block log. One *os.File is open at
// a time (the active file); a rollover closes it and opens the next
// file-id once BlocksPerFile records have been written to it.
type Store struct {
	mu sync.Mutex

	dir            string
	blocksPerFile  int

	activeFile     *os.File
	activeFileID   int
	blocksInActive int

	heightToLocation map[uint64]location
	hashToHeight     map[[32]byte]uint64
	heightToHash     map[uint64][32]byte

	count uint64

	index *sideIndex
}

func Open(dir string, blocksPerFile int, mode InitMode, index *sideIndex) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kura: mkdir: %w", err)
	}
	s := &Store{
		dir:              dir,
		blocksPerFile:    blocksPerFile,
		heightToLocation: make(map[uint64]location),
		hashToHeight:     make(map[[32]byte]uint64),
		heightToHash:     make(map[uint64][32]byte),
		index:            index,
	}
	if err := s.recover(mode); err != nil {
		return nil, err
	}
	if err := s.openActiveForAppend(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) filePath(id int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%08d", id))
}

// recover scans every block-file from the beginning, truncating at the
// first corrupt or incomplete record, and rebuilds the in-memory index —
// the single source of truth regardless of what the pebble side-index
// claims.
func (s *Store) recover(mode InitMode) error {
	id := 0
	height := uint64(1)
	for {
		path := s.filePath(id)
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return fmt.Errorf("kura: open %s: %w", path, err)
		}
		n, newHeight, err := s.recoverFile(f, id, height, mode)
		f.Close()
		if err != nil {
			return err
		}
		height = newHeight
		if n < s.blocksPerFile {
			// Partial file: it's the active file, recovery stops here.
			s.activeFileID = id
			s.blocksInActive = n
			break
		}
		id++
		s.activeFileID = id
		s.blocksInActive = 0
	}
	if s.index != nil {
		s.index.rebuildFrom(s)
	}
	return nil
}

// recoverFile scans one file, truncating it at the first bad record and
// returning how many full records it held and the next height to assign.
func (s *Store) recoverFile(f *os.File, fileID int, startHeight uint64, mode InitMode) (int, uint64, error) {
	r := bufio.NewReader(f)
	var offset int64
	height := startHeight
	count := 0

	for {
		lenBuf := make([]byte, 8)
		n, err := io.ReadFull(r, lenBuf)
		if err == io.EOF {
			break
		}
		if err != nil || n != 8 {
			break // truncated length prefix
		}
		recLen := binary.BigEndian.Uint64(lenBuf)

		body := make([]byte, recLen)
		if _, err := io.ReadFull(r, body); err != nil {
			break // truncated body
		}
		crcBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, crcBuf); err != nil {
			break // truncated crc
		}
		wantCRC := binary.BigEndian.Uint32(crcBuf)
		if crc32.Checksum(body, crc32.MakeTable(crc32.Castagnoli)) != wantCRC {
			break // corrupt record
		}

		var b types.Block
		if err := canonical.Decode(body, &b); err != nil {
			break
		}
		hash, hashErr := b.Hash()
		if mode == Strict && hashErr != nil {
			// Strict mode re-derives every block's header hash on
			// startup; a block that fails to re-hash aborts startup
			// rather than being silently truncated.
			return 0, 0, errs.NewFatal("kura.recover", fmt.Errorf("block at height %d failed strict re-hash: %w", height, hashErr))
		}
		if hashErr != nil {
			break // fast mode: treat an un-hashable record as corrupt and stop scanning
		}

		recordLen := 8 + int64(recLen) + 4
		loc := location{fileID: fileID, offset: offset, length: recLen}
		s.heightToLocation[height] = loc
		s.hashToHeight[hash] = height
		s.heightToHash[height] = hash
		s.count++
		offset += recordLen
		height++
		count++
	}

	// Truncate the file to the last good record boundary so a future
	// append starts from a clean offset.
	if err := f.Truncate(offset); err != nil {
		return 0, 0, fmt.Errorf("kura: truncate %s: %w", f.Name(), err)
	}
	return count, height, nil
}

func (s *Store) openActiveForAppend() error {
	f, err := os.OpenFile(s.filePath(s.activeFileID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("kura: open active file: %w", err)
	}
	s.activeFile = f
	return nil
}

// Append encodes b, writes its {len, payload, crc32c} record, fsyncs,
// and rolls over to a new file if the active file has reached
// BlocksPerFile — the rollover itself is atomic because the new file is
// opened and the old one's descriptor closed without ever leaving a
// half-written record in either.
func (s *Store) Append(b types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := canonical.Encode(b)
	if err != nil {
		return errs.NewFatal("kura.append.encode", err)
	}
	crc := crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli))

	lenBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(lenBuf, uint64(len(payload)))
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, crc)

	offset, err := s.activeFile.Seek(0, io.SeekEnd)
	if err != nil {
		return errs.NewFatal("kura.append.seek", err)
	}
	if _, err := s.activeFile.Write(lenBuf); err != nil {
		return errs.NewFatal("kura.append.write_len", err)
	}
	if _, err := s.activeFile.Write(payload); err != nil {
		return errs.NewFatal("kura.append.write_payload", err)
	}
	if _, err := s.activeFile.Write(crcBuf); err != nil {
		return errs.NewFatal("kura.append.write_crc", err)
	}
	if err := s.activeFile.Sync(); err != nil {
		return errs.NewFatal("kura.append.fsync", err)
	}

	height := b.Header.Height
	hash, err := b.Hash()
	if err != nil {
		return errs.NewFatal("kura.append.hash", err)
	}
	loc := location{fileID: s.activeFileID, offset: offset, length: uint64(len(payload))}
	s.heightToLocation[height] = loc
	s.hashToHeight[hash] = height
	s.heightToHash[height] = hash
	s.count++
	s.blocksInActive++
	if s.index != nil {
		s.index.put(hash, height, loc)
	}

	if s.blocksInActive >= s.blocksPerFile {
		return s.rollover()
	}
	return nil
}

// rollover closes the active file and opens the next file-id, leaving
// the previous file exactly as written (append-only, never reopened for
// write), file-per-segment rotation instead of a single growing file.
func (s *Store) rollover() error {
	if err := s.activeFile.Close(); err != nil {
		return errs.NewFatal("kura.rollover.close", err)
	}
	s.activeFileID++
	s.blocksInActive = 0
	return s.openActiveForAppend()
}

func (s *Store) GetByHeight(h uint64) (types.Block, bool) {
	s.mu.Lock()
	loc, ok := s.heightToLocation[h]
	s.mu.Unlock()
	if !ok {
		return types.Block{}, false
	}
	return s.readAt(loc)
}

func (s *Store) GetByHash(hash [32]byte) (types.Block, bool) {
	if s.index != nil {
		if height, ok := s.index.heightFor(hash); ok {
			if b, ok := s.GetByHeight(height); ok {
				return b, true
			}
		}
	}
	s.mu.Lock()
	height, ok := s.hashToHeight[hash]
	s.mu.Unlock()
	if !ok {
		return types.Block{}, false
	}
	return s.GetByHeight(height)
}

func (s *Store) GetBlockHash(h uint64) ([32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.heightToHash[h]
	return hash, ok
}

func (s *Store) BlockCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Store) readAt(loc location) (types.Block, bool) {
	f, err := os.Open(s.filePath(loc.fileID))
	if err != nil {
		return types.Block{}, false
	}
	defer f.Close()

	buf := make([]byte, loc.length)
	if _, err := f.ReadAt(buf, loc.offset+8); err != nil {
		return types.Block{}, false
	}
	var b types.Block
	if err := canonical.Decode(buf, &b); err != nil {
		return types.Block{}, false
	}
	return b, true
}

// BlocksAfter returns up to max committed blocks immediately following
// the block identified by hash. A hash absent from the store (including the zero
// hash of an empty chain) is treated as "before the first block", so
// the batch starts at height 1.
func (s *Store) BlocksAfter(hash [32]byte, max int) []types.Block {
	s.mu.Lock()
	startHeight, ok := s.hashToHeight[hash]
	s.mu.Unlock()

	from := uint64(1)
	if ok {
		from = startHeight + 1
	}
	out := make([]types.Block, 0, max)
	for h := from; len(out) < max; h++ {
		b, ok := s.GetByHeight(h)
		if !ok {
			break
		}
		out = append(out, b)
	}
	return out
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeFile != nil {
		return s.activeFile.Close()
	}
	return nil
}
