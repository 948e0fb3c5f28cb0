package store

import (
	"errors"

	"github.com/blacklabeldata/msgstore/internal/codec"
	"github.com/blacklabeldata/msgstore/internal/kvindex"
	"github.com/blacklabeldata/msgstore/internal/reclog"
	"go.uber.org/zap"
)

// replayFrom reconstructs the index from the log suffix following the
// snapshot position, per §4.4.1 step 6. Any replay error (corruption or
// truncation at the log tail) stops replay at that record; everything
// successfully replayed before it stands, matching the "discard bad
// record and everything after" rule of §7.
func (e *Engine) replayFrom(from uint64) error {
	pos := from
	limit := e.log.AppenderLimit()
	applied := 0

	for pos < limit {
		kind, payload, next, err := e.log.Read(pos)
		if err != nil {
			e.logger.Warn("store: replay stopped at unreadable record",
				zap.Uint64("position", pos), zap.Error(err))
			break
		}

		if err := e.applyReplayRecord(pos, kind, payload); err != nil {
			e.logger.Warn("store: replay stopped: record could not be applied",
				zap.Uint64("position", pos), zap.Error(err))
			break
		}
		applied++
		pos = next
	}

	e.logger.Info("store: replay complete", zap.Int("records_applied", applied), zap.Uint64("from", from))
	return nil
}

func (e *Engine) applyReplayRecord(pos uint64, kind reclog.Kind, payload []byte) error {
	switch kind {
	case reclog.AddMessage:
		msgKey, _, err := codec.DecodeMessageRecord(payload)
		if err != nil {
			return err
		}
		loc := codec.Locator{Position: pos, Length: uint32(len(payload))}
		return e.idx.Put(codec.MessageKey(msgKey), codec.EncodeLocator(loc))

	case reclog.AddQueueEntry:
		rec, err := codec.DecodeQueueEntryRecord(payload)
		if err != nil {
			return err
		}
		key := codec.QueueEntryKey(rec.QueueKey, rec.EntrySeq)
		if err := e.idx.Put(key, payload); err != nil {
			return err
		}
		msgPos, err := e.resolveMessagePos(rec)
		if err != nil {
			return err
		}
		return e.ledgerIncrAt(msgPos)

	case reclog.RemoveQueueEntry:
		return e.applyRemoveQueueEntry(payload)

	case reclog.AddQueue:
		rec, err := codec.DecodeQueueRecord(payload)
		if err != nil {
			return err
		}
		return e.idx.Put(codec.QueueKey(rec.QueueKey), payload)

	case reclog.RemoveQueue:
		queueKey, n := uvarint(payload)
		if n <= 0 {
			return errors.New("store: REMOVE_QUEUE record has bad payload")
		}
		return e.applyRemoveQueueCascade(queueKey)

	case reclog.MapEntry:
		entry, err := codec.DecodeMapEntry(payload)
		if err != nil {
			return err
		}
		key := codec.UserKey(entry.Key)
		if entry.HasValue {
			return e.idx.Put(key, entry.Value)
		}
		return e.idx.Delete(key)

	default:
		// RemoveMessage (reserved, never emitted) and any future/unknown
		// kind are skipped, per §4.4.1.
		return nil
	}
}

func (e *Engine) applyRemoveQueueEntry(entryKey []byte) error {
	value, ok, err := e.idx.Get(entryKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	rec, err := codec.DecodeQueueEntryRecord(value)
	if err != nil {
		return err
	}
	msgPos, err := e.resolveMessagePos(rec)
	if err == nil {
		if derr := e.ledgerDecrAt(msgPos); derr != nil {
			return derr
		}
	}
	return e.idx.Delete(entryKey)
}

// applyRemoveQueueCascade deletes a queue record and every entry queued
// on it, decrementing the ledger for each cascaded entry. The narrative
// spec text for replay doesn't spell this decrement out explicitly, but
// end-to-end scenario 4 (remove_queue cascade) requires it to keep the
// ledger sound, so both replay and the live RemoveQueue path share this.
func (e *Engine) applyRemoveQueueCascade(queueKey uint64) error {
	if err := e.idx.Delete(codec.QueueKey(queueKey)); err != nil {
		return err
	}
	return e.idx.WithSnapshot(func(sn *kvindex.Snapshot) error {
		for _, kv := range sn.PrefixScan(codec.QueueEntryPrefix(queueKey)) {
			rec, err := codec.DecodeQueueEntryRecord(kv.Value)
			if err != nil {
				return err
			}
			msgPos, err := e.resolveMessagePos(rec)
			if err == nil {
				if err := e.ledgerDecrAt(msgPos); err != nil {
					return err
				}
			}
			if err := e.idx.Delete(kv.Key); err != nil {
				return err
			}
		}
		return nil
	})
}

// resolveMessagePos returns the log position of the message a queue entry
// references, preferring the entry's embedded locator and falling back to
// the current m∥msgKey index entry.
func (e *Engine) resolveMessagePos(rec codec.QueueEntryRecord) (uint64, error) {
	if len(rec.MessageLocator) > 0 {
		loc, err := codec.DecodeLocator(rec.MessageLocator)
		if err != nil {
			return 0, err
		}
		return loc.Position, nil
	}
	value, ok, err := e.idx.Get(codec.MessageKey(rec.MsgKey))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrMessageNotFound
	}
	loc, err := codec.DecodeLocator(value)
	if err != nil {
		return 0, err
	}
	return loc.Position, nil
}

func (e *Engine) ledgerIncrAt(logPos uint64) error {
	info, ok := e.log.LogInfoFor(logPos)
	if !ok {
		return errors.New("store: ledger incr: position has no backing file")
	}
	e.ledger.Incr(info.Position)
	return nil
}

func (e *Engine) ledgerDecrAt(logPos uint64) error {
	info, ok := e.log.LogInfoFor(logPos)
	if !ok {
		return errors.New("store: ledger decr: position has no backing file")
	}
	e.ledger.Decr(info.Position)
	return nil
}

func uvarint(b []byte) (uint64, int) {
	var x uint64
	var s uint
	for i, c := range b {
		if i == 10 {
			return 0, -1
		}
		if c < 0x80 {
			if i == 9 && c > 1 {
				return 0, -1
			}
			return x | uint64(c)<<s, i + 1
		}
		x |= uint64(c&0x7f) << s
		s += 7
	}
	return 0, 0
}
