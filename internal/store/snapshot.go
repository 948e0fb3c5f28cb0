package store

import (
	"fmt"
	"os"

	"github.com/blacklabeldata/msgstore/internal/kvindex"
	"go.uber.org/zap"
)

// SnapshotIndex implements §4.4.3: a consistent, space-free, hard-linked
// checkpoint of the live index. It blocks every reader and writer for the
// duration of steps 2-7 (the write side of snapLock), so callers should
// expect a pause proportional to the index's file count, not its size.
func (e *Engine) SnapshotIndex() error {
	if e.stopped.Load() {
		return ErrEngineClosed
	}
	e.snapLock.Lock()
	defer e.snapLock.Unlock()
	return e.snapshotLocked()
}

// snapshotLocked is SnapshotIndex's body, factored out so ImportPB can take
// its final snapshot without re-entering snapLock (it already holds the
// write side for the whole purge-and-rebuild operation).
func (e *Engine) snapshotLocked() error {
	batch := e.idx.NewWriteBatch()
	e.persistLedger(batch)
	if err := e.retryOp("commit_ledger_snapshot", func() error { return e.idx.Commit(batch) }); err != nil {
		return fmt.Errorf("store: snapshot: persist ledger: %w", err)
	}
	if err := e.markDirty(false); err != nil {
		return fmt.Errorf("store: snapshot: %w", err)
	}

	if err := e.idx.Close(); err != nil {
		return fmt.Errorf("store: snapshot: close index: %w", err)
	}

	pos := e.log.AppenderLimit()
	if err := e.promoteSnapshot(pos); err != nil {
		// Reopen the dirty index regardless of promotion failure: the
		// engine must remain usable even if this snapshot attempt failed.
		if reopenErr := e.reopenDirtyIndex(); reopenErr != nil {
			return fmt.Errorf("store: snapshot failed (%v) and reopen failed: %w", err, reopenErr)
		}
		return fmt.Errorf("store: snapshot: %w", err)
	}

	if err := e.reopenDirtyIndex(); err != nil {
		return fmt.Errorf("store: snapshot: reopen index: %w", err)
	}

	e.lastSnapshotPos = pos
	e.logger.Info("store: snapshot complete", zap.Uint64("position", pos))
	return nil
}

// promoteSnapshot performs steps 4-6: hard-link dirty.index into temp.index,
// rename temp.index to the new snapshot directory, then delete the
// previous one. Any failure here leaves temp.index for cleanup and the
// prior snapshot (if any) untouched, matching §4.4.3's failure contract.
func (e *Engine) promoteSnapshot(pos uint64) (err error) {
	temp := tempIndexPath(e.dir)
	defer func() {
		if err != nil {
			os.RemoveAll(temp)
		}
	}()

	if err := os.RemoveAll(temp); err != nil {
		return fmt.Errorf("clear stale temp index: %w", err)
	}
	if err := kvindex.LinkDir(dirtyIndexPath(e.dir), temp); err != nil {
		return fmt.Errorf("hardlink dirty index into temp: %w", err)
	}

	target := snapshotPath(e.dir, pos)
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("clear existing snapshot at target position: %w", err)
	}
	if err := os.Rename(temp, target); err != nil {
		return fmt.Errorf("rename temp index to snapshot: %w", err)
	}

	if e.lastSnapshotPos != pos {
		prior := snapshotPath(e.dir, e.lastSnapshotPos)
		if prior != target {
			if err := os.RemoveAll(prior); err != nil {
				return fmt.Errorf("delete previous snapshot: %w", err)
			}
		}
	}
	return nil
}

func (e *Engine) reopenDirtyIndex() error {
	idx, err := kvindex.Open(dirtyIndexPath(e.dir), kvindex.Config{
		VerifyChecksums: e.cfg.VerifyChecksums,
		Compression:     e.cfg.IndexCompression,
	})
	if err != nil {
		return err
	}
	e.idx = idx
	return e.markDirty(true)
}
