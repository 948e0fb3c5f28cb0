package store

import (
	"bufio"
	"fmt"
	"io"

	"github.com/blacklabeldata/msgstore/internal/codec"
	"github.com/blacklabeldata/msgstore/internal/kvindex"
	"github.com/blacklabeldata/msgstore/internal/reclog"
)

// ExportPB walks a single index snapshot, writing one length-framed record
// per map entry, queue, message, and queue entry (§4.4.7). Message records
// carry the exact bytes stored on disk (msg_key header plus opaque
// payload), so import can re-append them to the log unchanged.
func (e *Engine) ExportPB(w io.Writer) error {
	if e.stopped.Load() {
		return ErrEngineClosed
	}
	e.snapLock.RLock()
	defer e.snapLock.RUnlock()

	return e.idx.WithSnapshot(func(sn *kvindex.Snapshot) error {
		for _, kv := range sn.PrefixScan([]byte{codec.PrefixUser}) {
			userKey, ok := codec.ParseUserKey(kv.Key)
			if !ok {
				continue
			}
			payload := codec.EncodeMapEntry(codec.MapEntry{Key: userKey, Value: kv.Value, HasValue: true})
			if err := codec.WriteExportRecord(w, codec.ExportMapEntry, payload); err != nil {
				return err
			}
		}

		for _, kv := range sn.PrefixScan([]byte{codec.PrefixQueue}) {
			if err := codec.WriteExportRecord(w, codec.ExportQueue, kv.Value); err != nil {
				return err
			}
		}

		for _, kv := range sn.PrefixScan([]byte{codec.PrefixMessage}) {
			loc, err := codec.DecodeLocator(kv.Value)
			if err != nil {
				return fmt.Errorf("store: export: decode message locator: %w", err)
			}
			raw, err := e.log.ReadAt(loc.Position, loc.Length)
			if err != nil {
				return fmt.Errorf("store: export: read message: %w", err)
			}
			if err := codec.WriteExportRecord(w, codec.ExportMessage, raw); err != nil {
				return err
			}
		}

		for _, kv := range sn.PrefixScan([]byte{codec.PrefixQueueEntry}) {
			if err := codec.WriteExportRecord(w, codec.ExportQueueEntry, kv.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// ImportPB purges the engine, then rebuilds it from a stream written by
// ExportPB: maps and queues go directly into the index, messages are
// re-appended to the log under their original msg_key with a new locator,
// and queue entries are rewritten to point at that new locator before
// insertion. A final snapshot captures the rebuilt state (§4.4.7).
//
// Import relies on message records preceding the queue entries that
// reference them in the stream, which ExportPB's family order guarantees;
// a hand-built stream that reorders families will fail at the first
// out-of-order queue entry.
func (e *Engine) ImportPB(r io.Reader) error {
	if e.stopped.Load() {
		return ErrEngineClosed
	}
	e.snapLock.Lock()
	defer e.snapLock.Unlock()

	if err := e.purgeLocked(); err != nil {
		return fmt.Errorf("store: import: purge: %w", err)
	}

	br := bufio.NewReader(r)
	for {
		kind, payload, err := codec.ReadExportRecord(br)
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("store: import: read record: %w", err)
		}
		if err := e.applyImportRecord(kind, payload); err != nil {
			return fmt.Errorf("store: import: apply record: %w", err)
		}
	}

	if err := e.snapshotLocked(); err != nil {
		return fmt.Errorf("store: import: final snapshot: %w", err)
	}
	return nil
}

func (e *Engine) applyImportRecord(kind codec.ExportKind, payload []byte) error {
	switch kind {
	case codec.ExportMapEntry:
		entry, err := codec.DecodeMapEntry(payload)
		if err != nil {
			return err
		}
		if _, err := e.log.Append(reclog.MapEntry, payload); err != nil {
			return err
		}
		key := codec.UserKey(entry.Key)
		if entry.HasValue {
			return e.idx.Put(key, entry.Value)
		}
		return e.idx.Delete(key)

	case codec.ExportQueue:
		rec, err := codec.DecodeQueueRecord(payload)
		if err != nil {
			return err
		}
		if _, err := e.log.Append(reclog.AddQueue, payload); err != nil {
			return err
		}
		return e.idx.Put(codec.QueueKey(rec.QueueKey), payload)

	case codec.ExportMessage:
		msgKey, _, err := codec.DecodeMessageRecord(payload)
		if err != nil {
			return err
		}
		pos, err := e.log.Append(reclog.AddMessage, payload)
		if err != nil {
			return err
		}
		loc := codec.Locator{Position: pos, Length: uint32(len(payload))}
		return e.idx.Put(codec.MessageKey(msgKey), codec.EncodeLocator(loc))

	case codec.ExportQueueEntry:
		rec, err := codec.DecodeQueueEntryRecord(payload)
		if err != nil {
			return err
		}
		locValue, ok, err := e.idx.Get(codec.MessageKey(rec.MsgKey))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("store: queue entry (%d, %d) references unknown message %d", rec.QueueKey, rec.EntrySeq, rec.MsgKey)
		}
		loc, err := codec.DecodeLocator(locValue)
		if err != nil {
			return err
		}
		rec.MessageLocator = locValue
		encoded := codec.EncodeQueueEntryRecord(rec)
		if _, err := e.log.Append(reclog.AddQueueEntry, encoded); err != nil {
			return err
		}
		if err := e.idx.Put(codec.QueueEntryKey(rec.QueueKey, rec.EntrySeq), encoded); err != nil {
			return err
		}
		if info, ok := e.log.LogInfoFor(loc.Position); ok {
			e.ledger.Incr(info.Position)
		}
		return nil

	default:
		return fmt.Errorf("store: import: unknown export kind %d", kind)
	}
}
