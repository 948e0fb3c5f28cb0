// Package store implements the Client / Recovery Engine: the orchestrator
// that ties the record log, index store, and ledger together behind the
// unit-of-work commit, snapshot, and GC protocols. Grounded on the
// teacher's top-level Open/selectVersion lifecycle (wal.go) generalized
// from a single log file to the log+index+ledger triple the spec
// describes.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/blacklabeldata/msgstore/internal/codec"
	"github.com/blacklabeldata/msgstore/internal/kvindex"
	"github.com/blacklabeldata/msgstore/internal/ledger"
	"github.com/blacklabeldata/msgstore/internal/reclog"
	"github.com/blacklabeldata/msgstore/internal/retry"
	"go.uber.org/zap"
)

const (
	dirtyIndexName = "dirty.index"
	tempIndexName  = "temp.index"
	snapshotSuffix = ".index"
	snapshotGlob   = "*" + snapshotSuffix
)

// Engine is the Client / Recovery Engine. All of its exported methods are
// safe for concurrent use.
type Engine struct {
	cfg    Config
	dir    string
	logger *zap.Logger

	log    *reclog.Log
	idx    *kvindex.Store
	ledger *ledger.Ledger

	// snapLock is the fair reader-writer lock of §5: all user operations
	// (commits and reads) take the read side; SnapshotIndex, Stop, Purge
	// and ImportPB take the write side, so the index file set is stable
	// for the duration of a snapshot.
	snapLock sync.RWMutex

	// commitMu serializes whole unit-of-work commits so that log append
	// order and index batch order agree across concurrent Store calls;
	// reclog.Log.Append has its own lock too, but that only serializes
	// individual appends, not a multi-record UoW plus its index batch.
	commitMu sync.Mutex

	lastSnapshotPos uint64

	stopped atomic.Bool
}

// Stopped implements retry.Stopper.
func (e *Engine) Stopped() bool { return e.stopped.Load() }

// retryOp wraps fn in the §4.4.5 retry loop, using the engine itself as the
// Stopper so a shutdown in progress aborts retrying instead of looping
// forever against a closed log or index.
func (e *Engine) retryOp(op string, fn func() error) error {
	return retry.Do(e, e.logger, op, fn)
}

// appendRecord wraps a single log append in the retry loop, returning the
// position Append reports on the attempt that finally succeeds.
func (e *Engine) appendRecord(op string, kind reclog.Kind, payload []byte) (uint64, error) {
	var pos uint64
	err := e.retryOp(op, func() error {
		p, err := e.log.Append(kind, payload)
		if err != nil {
			return err
		}
		pos = p
		return nil
	})
	return pos, err
}

func snapshotPath(dir string, pos uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016x%s", pos, snapshotSuffix))
}

func dirtyIndexPath(dir string) string { return filepath.Join(dir, dirtyIndexName) }
func tempIndexPath(dir string) string  { return filepath.Join(dir, tempIndexName) }

// Start performs the startup/recovery sequence of §4.4.1 and returns a
// ready Engine.
func Start(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if _, err := cfg.selectedFactory(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}

	e := &Engine{cfg: cfg, dir: cfg.Directory, logger: cfg.Logger, ledger: ledger.New()}

	snapPos, err := e.reconcileSnapshotDirs()
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(dirtyIndexPath(e.dir)); err != nil {
		return nil, fmt.Errorf("store: clear dirty index: %w", err)
	}
	if snapPos != nil {
		if err := kvindex.LinkDir(snapshotPath(e.dir, *snapPos), dirtyIndexPath(e.dir)); err != nil {
			return nil, fmt.Errorf("store: hardlink snapshot into dirty index: %w", err)
		}
		e.lastSnapshotPos = *snapPos
	} else if err := os.MkdirAll(dirtyIndexPath(e.dir), 0755); err != nil {
		return nil, fmt.Errorf("store: create dirty index: %w", err)
	}

	idx, err := kvindex.Open(dirtyIndexPath(e.dir), kvindex.Config{
		VerifyChecksums: cfg.VerifyChecksums,
		Compression:     cfg.IndexCompression,
	})
	if err != nil {
		if snapPos != nil {
			return nil, fmt.Errorf("store: open index from snapshot %016x: %w: %w", *snapPos, ErrCorruptSnapshot, err)
		}
		return nil, fmt.Errorf("store: open index: %w", err)
	}
	e.idx = idx

	if err := e.loadLedger(); err != nil {
		idx.Close()
		return nil, err
	}
	if err := e.markDirty(true); err != nil {
		idx.Close()
		return nil, err
	}

	logCfg := reclog.Config{
		Directory:       e.dir,
		MaxFileSize:     cfg.LogSize,
		WriteBufferSize: cfg.LogWriteBuffer,
		Logger:          cfg.Logger,
	}
	recLog, err := reclog.Open(logCfg)
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("store: open record log: %w", err)
	}
	e.log = recLog

	if err := e.replayFrom(e.lastSnapshotPos); err != nil {
		recLog.Close()
		idx.Close()
		return nil, fmt.Errorf("store: replay log: %w", err)
	}

	e.logger.Info("store: started",
		zap.String("directory", e.dir),
		zap.Uint64("snapshot_position", e.lastSnapshotPos),
		zap.Uint64("appender_limit", e.log.AppenderLimit()))
	return e, nil
}

// reconcileSnapshotDirs enumerates *.index directories, keeps only the
// numerically greatest, deletes the rest along with any leftover
// temp.index, and returns the retained snapshot's position (nil if none).
func (e *Engine) reconcileSnapshotDirs() (*uint64, error) {
	if err := os.RemoveAll(tempIndexPath(e.dir)); err != nil {
		return nil, fmt.Errorf("store: clear leftover temp index: %w", err)
	}

	matches, err := filepath.Glob(filepath.Join(e.dir, snapshotGlob))
	if err != nil {
		return nil, fmt.Errorf("store: glob snapshot dirs: %w", err)
	}

	var positions []uint64
	byPos := make(map[uint64]string)
	for _, m := range matches {
		base := filepath.Base(m)
		if base == dirtyIndexName || base == tempIndexName {
			continue
		}
		hex := base[:len(base)-len(snapshotSuffix)]
		pos, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			continue
		}
		positions = append(positions, pos)
		byPos[pos] = m
	}
	if len(positions) == 0 {
		return nil, nil
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	latest := positions[len(positions)-1]

	for _, pos := range positions[:len(positions)-1] {
		if err := os.RemoveAll(byPos[pos]); err != nil {
			return nil, fmt.Errorf("store: delete stale snapshot %s: %w", byPos[pos], err)
		}
	}
	return &latest, nil
}

func (e *Engine) loadLedger() error {
	data, ok, err := e.idx.Get(codec.KeyLogRefs)
	if err != nil {
		return fmt.Errorf("store: load ledger: %w", err)
	}
	if !ok {
		return nil
	}
	counts, err := codec.DecodeLedgerSnapshot(data)
	if err != nil {
		return fmt.Errorf("store: decode ledger: %w", err)
	}
	e.ledger.Load(counts)
	return nil
}

func (e *Engine) persistLedger(batch *kvindex.WriteBatch) {
	batch.Put(codec.KeyLogRefs, codec.EncodeLedgerSnapshot(e.ledger.Snapshot()))
}

func (e *Engine) markDirty(dirty bool) error {
	v := []byte{0}
	if dirty {
		v[0] = 1
	}
	if err := e.idx.Put(codec.KeyDirty, v); err != nil {
		return fmt.Errorf("store: write dirty marker: %w", err)
	}
	return nil
}

// Stop flushes and fsyncs the log, persists the ledger, and closes the
// index and log. After Stop, every exported method returns
// ErrEngineClosed.
func (e *Engine) Stop() error {
	if e.stopped.Swap(true) {
		return ErrEngineClosed
	}

	e.snapLock.Lock()
	defer e.snapLock.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	batch := e.idx.NewWriteBatch()
	e.persistLedger(batch)
	record(e.idx.Commit(batch))
	record(e.markDirty(false))
	record(e.idx.Close())
	record(e.log.Sync())
	record(e.log.Close())

	if firstErr != nil {
		return fmt.Errorf("store: stop: %w", firstErr)
	}
	e.logger.Info("store: stopped")
	return nil
}

// Purge closes the log and index, deletes everything in the data
// directory, and reopens a fresh, empty engine in place. Used directly by
// operators and as the first step of ImportPB (§4.4.7).
func (e *Engine) Purge() error {
	if e.stopped.Load() {
		return ErrEngineClosed
	}
	e.snapLock.Lock()
	defer e.snapLock.Unlock()
	return e.purgeLocked()
}

// purgeLocked is Purge's body, factored out so ImportPB can purge as the
// first step of its own snapLock-held operation.
func (e *Engine) purgeLocked() error {
	if err := e.idx.Close(); err != nil {
		return fmt.Errorf("store: purge: close index: %w", err)
	}
	if err := e.log.Close(); err != nil {
		return fmt.Errorf("store: purge: close log: %w", err)
	}

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("store: purge: read directory: %w", err)
	}
	for _, ent := range entries {
		if err := os.RemoveAll(filepath.Join(e.dir, ent.Name())); err != nil {
			return fmt.Errorf("store: purge: remove %s: %w", ent.Name(), err)
		}
	}

	fresh, err := Start(e.cfg)
	if err != nil {
		return fmt.Errorf("store: purge: reopen: %w", err)
	}
	e.log = fresh.log
	e.idx = fresh.idx
	e.ledger = fresh.ledger
	e.lastSnapshotPos = fresh.lastSnapshotPos
	e.logger.Info("store: purged")
	return nil
}
