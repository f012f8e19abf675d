// Package snapshot implements the WSV snapshotter:
// a periodic gob dump of the world-state projection, written
// tmp-file-then-rename for atomicity, with a startup load that aborts
// the process if the snapshot disagrees with Kura's block log.
package snapshot

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kagami-chain/kagami/internal/errs"
	"github.com/kagami-chain/kagami/pkg/kura"
	"github.com/kagami-chain/kagami/pkg/wsv"
)

const (
	fileName    = "snapshot.data"
	tmpFileName = "snapshot.tmp"
)

var ErrNotFound = errors.New("snapshot: not found")

func filePath(dir string) string    { return filepath.Join(dir, fileName) }
func tmpFilePath(dir string) string { return filepath.Join(dir, tmpFileName) }

// Write gob-encodes snap to storeDir/snapshot.tmp and atomically
// installs it as storeDir/snapshot.data via os.Rename, mirroring
// try_write_snapshot's create-tmp-then-rename shape exactly (JSON
// there, gob here per this codebase's canonical-encoding convention).
func Write(storeDir string, snap wsv.Snapshot) error {
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir: %w", err)
	}
	tmp := tmpFilePath(storeDir)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: open tmp: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("snapshot: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("snapshot: close: %w", err)
	}
	return os.Rename(tmp, filePath(storeDir))
}

// Read loads the currently installed snapshot, returning ErrNotFound if
// none has ever been written (try_read_snapshot's NotFound variant).
func Read(storeDir string) (wsv.Snapshot, error) {
	f, err := os.Open(filePath(storeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return wsv.Snapshot{}, ErrNotFound
		}
		return wsv.Snapshot{}, fmt.Errorf("snapshot: open: %w", err)
	}
	defer f.Close()
	var snap wsv.Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return wsv.Snapshot{}, fmt.Errorf("snapshot: decode: %w", err)
	}
	return snap, nil
}

// LoadAndVerify reads the stored snapshot, if any, and checks its
// recorded block hashes against Kura's own, so a diverged snapshot
// aborts startup instead of silently shadowing the block log. found is
// false (with a nil error) when no snapshot has ever been written —
// startup then falls back to replaying every block from Kura.
func LoadAndVerify(storeDir string, store *kura.Store) (snap wsv.Snapshot, found bool, err error) {
	snap, err = Read(storeDir)
	if errors.Is(err, ErrNotFound) {
		return wsv.Snapshot{}, false, nil
	}
	if err != nil {
		return wsv.Snapshot{}, false, err
	}

	blockCount := store.BlockCount()
	if uint64(len(snap.BlockHashes)) > blockCount {
		return wsv.Snapshot{}, false, errs.NewFatal("snapshot.verify", fmt.Errorf(
			"snapshot height %d exceeds kura block count %d", len(snap.BlockHashes), blockCount))
	}
	for i, snapHash := range snap.BlockHashes {
		height := uint64(i + 1)
		kuraHash, ok := store.GetBlockHash(height)
		if !ok || kuraHash != snapHash {
			return wsv.Snapshot{}, false, errs.NewFatal("snapshot.verify", fmt.Errorf(
				"block hash mismatch at height %d: snapshot=%x kura=%x", height, snapHash, kuraHash))
		}
	}
	return snap, true, nil
}

// Maker periodically persists a snapshot of WSV. Dirty tracking is
// reactive (a wsv.Subscribe() feed of BlockEvent) rather than polled,
// matching the channel-signaled convention elsewhere (pkg/queue,
// pkg/network).
type Maker struct {
	cfg   Config
	store *wsv.WSV
	log   *zap.SugaredLogger
}

func NewMaker(cfg Config, store *wsv.WSV, log *zap.SugaredLogger) *Maker {
	return &Maker{cfg: cfg, store: store, log: log}
}

// Run blocks until ctx is cancelled, writing one snapshot per
// CreateEvery tick when at least one block has committed since the
// last write, plus a final snapshot on shutdown if dirty.
func (m *Maker) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	sub := m.store.Subscribe()
	defer sub.Unsubscribe()

	ticker := time.NewTicker(m.cfg.CreateEvery)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			if dirty {
				m.writeOnce()
			}
			return
		case ev := <-sub.Events():
			if ev.Kind == "BlockEvent" {
				dirty = true
			}
		case <-ticker.C:
			if dirty {
				m.writeOnce()
				dirty = false
			}
		}
	}
}

func (m *Maker) writeOnce() {
	snap := m.store.Export()
	if err := Write(m.cfg.StoreDir, snap); err != nil {
		if m.log != nil {
			m.log.Errorw("snapshot_write_failed", "err", err)
		}
		return
	}
	if m.log != nil {
		m.log.Infow("snapshot_written", "height", snap.Height)
	}
}
