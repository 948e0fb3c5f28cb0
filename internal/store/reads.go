package store

import (
	"fmt"

	"github.com/blacklabeldata/msgstore/internal/codec"
	"github.com/blacklabeldata/msgstore/internal/kvindex"
)

// MessageRequest asks for one message's payload. Locator is an optional
// hint — the "shared locator cell" of the design notes collapses, in Go,
// to a caller-supplied pointer obtained moments earlier from Store, saving
// the index lookup for the common read-your-write path.
type MessageRequest struct {
	MsgKey  uint64
	Locator *codec.Locator
}

// LoadedMessage is one resolved (or failed) message lookup.
type LoadedMessage struct {
	MsgKey  uint64
	Payload []byte
	Err     error
}

// LoadMessages resolves every request under one index snapshot, retrying
// misses once under a fresh snapshot to tolerate the read-before-commit
// race with an in-flight unit of work (§4.4.6).
func (e *Engine) LoadMessages(requests []MessageRequest) ([]LoadedMessage, error) {
	if e.stopped.Load() {
		return nil, ErrEngineClosed
	}
	e.snapLock.RLock()
	defer e.snapLock.RUnlock()

	results := make([]LoadedMessage, len(requests))
	var pending []int

	if err := e.idx.WithSnapshot(func(sn *kvindex.Snapshot) error {
		for i, req := range requests {
			if err := e.resolveOneMessage(sn, req, &results[i]); err != nil {
				return err
			}
			if results[i].Err == ErrMessageNotFound {
				pending = append(pending, i)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		return results, nil
	}

	err := e.idx.WithSnapshot(func(sn *kvindex.Snapshot) error {
		for _, i := range pending {
			if err := e.resolveOneMessage(sn, requests[i], &results[i]); err != nil {
				return err
			}
		}
		return nil
	})
	return results, err
}

func (e *Engine) resolveOneMessage(sn *kvindex.Snapshot, req MessageRequest, out *LoadedMessage) error {
	out.MsgKey = req.MsgKey

	var loc codec.Locator
	if req.Locator != nil {
		loc = *req.Locator
	} else {
		value, ok := sn.Get(codec.MessageKey(req.MsgKey))
		if !ok {
			out.Err = ErrMessageNotFound
			return nil
		}
		decoded, err := codec.DecodeLocator(value)
		if err != nil {
			return fmt.Errorf("store: decode message locator: %w", err)
		}
		loc = decoded
	}

	raw, err := e.log.ReadAt(loc.Position, loc.Length)
	if err != nil {
		out.Err = err
		return nil
	}
	_, payload, err := codec.DecodeMessageRecord(raw)
	if err != nil {
		return fmt.Errorf("store: decode message record: %w", err)
	}
	out.Payload = payload
	out.Err = nil
	return nil
}

// ListQueues returns every queue record in key order.
func (e *Engine) ListQueues() ([]codec.QueueRecord, error) {
	if e.stopped.Load() {
		return nil, ErrEngineClosed
	}
	e.snapLock.RLock()
	defer e.snapLock.RUnlock()

	var out []codec.QueueRecord
	err := e.idx.WithSnapshot(func(sn *kvindex.Snapshot) error {
		for _, kv := range sn.PrefixScan([]byte{codec.PrefixQueue}) {
			rec, err := codec.DecodeQueueRecord(kv.Value)
			if err != nil {
				return fmt.Errorf("store: decode queue record: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// GetQueue returns a single queue's record.
func (e *Engine) GetQueue(queueKey uint64) (codec.QueueRecord, error) {
	if e.stopped.Load() {
		return codec.QueueRecord{}, ErrEngineClosed
	}
	e.snapLock.RLock()
	defer e.snapLock.RUnlock()

	value, ok, err := e.idx.Get(codec.QueueKey(queueKey))
	if err != nil {
		return codec.QueueRecord{}, err
	}
	if !ok {
		return codec.QueueRecord{}, ErrQueueNotFound
	}
	return codec.DecodeQueueRecord(value)
}

// QueueEntryRange summarizes a contiguous run of up to `limit` queue
// entries: count, total size, and the smallest nonzero expiration seen.
type QueueEntryRange struct {
	QueueKey      uint64
	FirstSeq      uint64
	LastSeq       uint64
	Count         int
	TotalSize     uint64
	MinExpiration int64
}

// ListQueueEntryGroups walks e∥queueKey∥… in seq order, grouping entries
// into ranges of at most `limit` each (§4.4.6).
func (e *Engine) ListQueueEntryGroups(queueKey uint64, limit int) ([]QueueEntryRange, error) {
	if e.stopped.Load() {
		return nil, ErrEngineClosed
	}
	e.snapLock.RLock()
	defer e.snapLock.RUnlock()

	if limit <= 0 {
		limit = 1
	}

	var groups []QueueEntryRange
	err := e.idx.WithSnapshot(func(sn *kvindex.Snapshot) error {
		var cur *QueueEntryRange
		for _, kv := range sn.PrefixScan(codec.QueueEntryPrefix(queueKey)) {
			_, seq, ok := codec.ParseQueueEntryKey(kv.Key)
			if !ok {
				continue
			}
			rec, err := codec.DecodeQueueEntryRecord(kv.Value)
			if err != nil {
				return fmt.Errorf("store: decode queue entry: %w", err)
			}
			if cur == nil || cur.Count >= limit {
				if cur != nil {
					groups = append(groups, *cur)
				}
				cur = &QueueEntryRange{QueueKey: queueKey, FirstSeq: seq}
			}
			cur.LastSeq = seq
			cur.Count++
			cur.TotalSize += rec.Size
			if rec.Expiration > 0 && (cur.MinExpiration == 0 || rec.Expiration < cur.MinExpiration) {
				cur.MinExpiration = rec.Expiration
			}
		}
		if cur != nil {
			groups = append(groups, *cur)
		}
		return nil
	})
	return groups, err
}

// GetQueueEntries returns every entry of queueKey with seq in [first, last].
func (e *Engine) GetQueueEntries(queueKey, first, last uint64) ([]codec.QueueEntryRecord, error) {
	if e.stopped.Load() {
		return nil, ErrEngineClosed
	}
	e.snapLock.RLock()
	defer e.snapLock.RUnlock()

	start := codec.QueueEntryKey(queueKey, first)
	var end []byte
	if last < ^uint64(0) {
		end = codec.QueueEntryKey(queueKey, last+1)
	}

	var out []codec.QueueEntryRecord
	err := e.idx.WithSnapshot(func(sn *kvindex.Snapshot) error {
		for _, kv := range sn.RangeScan(start, end) {
			q, _, ok := codec.ParseQueueEntryKey(kv.Key)
			if !ok || q != queueKey {
				continue
			}
			rec, err := codec.DecodeQueueEntryRecord(kv.Value)
			if err != nil {
				return fmt.Errorf("store: decode queue entry: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// GetLastMessageKey returns the greatest msg_key present in the index.
func (e *Engine) GetLastMessageKey() (uint64, bool, error) {
	if e.stopped.Load() {
		return 0, false, ErrEngineClosed
	}
	e.snapLock.RLock()
	defer e.snapLock.RUnlock()

	var key uint64
	var found bool
	err := e.idx.WithSnapshot(func(sn *kvindex.Snapshot) error {
		kv, ok := sn.LastKeyWithPrefix([]byte{codec.PrefixMessage})
		if !ok {
			return nil
		}
		parsed, ok := codec.ParseMessageKey(kv.Key)
		if !ok {
			return fmt.Errorf("store: malformed message key in index")
		}
		key, found = parsed, true
		return nil
	})
	return key, found, err
}

// GetLastQueueKey returns the greatest queue_key present in the index.
func (e *Engine) GetLastQueueKey() (uint64, bool, error) {
	if e.stopped.Load() {
		return 0, false, ErrEngineClosed
	}
	e.snapLock.RLock()
	defer e.snapLock.RUnlock()

	var key uint64
	var found bool
	err := e.idx.WithSnapshot(func(sn *kvindex.Snapshot) error {
		kv, ok := sn.LastKeyWithPrefix([]byte{codec.PrefixQueue})
		if !ok {
			return nil
		}
		parsed, ok := codec.ParseQueueKey(kv.Key)
		if !ok {
			return fmt.Errorf("store: malformed queue key in index")
		}
		key, found = parsed, true
		return nil
	})
	return key, found, err
}

// Get returns the opaque value stored under a user key in the auxiliary
// map, if any.
func (e *Engine) Get(userKey []byte) ([]byte, bool, error) {
	if e.stopped.Load() {
		return nil, false, ErrEngineClosed
	}
	e.snapLock.RLock()
	defer e.snapLock.RUnlock()
	return e.idx.Get(codec.UserKey(userKey))
}
