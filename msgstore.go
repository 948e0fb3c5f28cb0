// Package msgstore is the public façade over the persistent message store
// engine: the dual-structure record log + ordered index that a messaging
// broker uses to durably record queues, messages, queue-entry placements,
// and an auxiliary key/value map. See internal/store for the engine
// implementation; this package only adapts its method names to the
// external Client API and re-exports the types callers need to build a
// UnitOfWork without reaching into internal packages.
package msgstore

import (
	"io"

	"github.com/blacklabeldata/msgstore/internal/codec"
	"github.com/blacklabeldata/msgstore/internal/store"
)

// Re-exported so callers never need to import internal/store or
// internal/codec directly.
type (
	Config           = store.Config
	UnitOfWork       = store.UnitOfWork
	MapAction        = store.MapAction
	MessageRecord    = store.MessageRecord
	MessageAction    = store.MessageAction
	Enqueue          = store.Enqueue
	Dequeue          = store.Dequeue
	MessageRequest   = store.MessageRequest
	LoadedMessage    = store.LoadedMessage
	QueueEntryRange  = store.QueueEntryRange
	QueueRecord      = codec.QueueRecord
	QueueEntryRecord = codec.QueueEntryRecord
	Locator          = codec.Locator
	SegmentHash      = store.SegmentHash
)

var (
	ErrEngineClosed    = store.ErrEngineClosed
	ErrMessageNotFound = store.ErrMessageNotFound
	ErrQueueNotFound   = store.ErrQueueNotFound
	ErrCorruptSnapshot = store.ErrCorruptSnapshot
)

// DefaultConfig returns §6's documented defaults for directory-less fields.
func DefaultConfig(directory string) Config { return store.DefaultConfig(directory) }

// Client is the in-process handle a broker holds for one message store
// engine instance.
type Client struct {
	engine *store.Engine
}

// Start performs the startup/recovery sequence and returns a ready Client.
func Start(cfg Config) (*Client, error) {
	engine, err := store.Start(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{engine: engine}, nil
}

// Stop flushes, persists the ledger, and closes the log and index.
func (c *Client) Stop() error { return c.engine.Stop() }

// Purge closes the engine, deletes everything in the data directory, and
// reopens a fresh, empty engine in place.
func (c *Client) Purge() error { return c.engine.Purge() }

// SnapshotIndex takes a consistent, hard-linked checkpoint of the index.
func (c *Client) SnapshotIndex() error { return c.engine.SnapshotIndex() }

// GC deletes log files that are both unreferenced and already covered by
// the last snapshot.
func (c *Client) GC() error { return c.engine.GC() }

// AddQueue creates a queue record.
func (c *Client) AddQueue(rec QueueRecord) error { return c.engine.AddQueue(rec) }

// RemoveQueue deletes a queue and cascades to every entry queued on it.
func (c *Client) RemoveQueue(queueKey uint64) error { return c.engine.RemoveQueue(queueKey) }

// Store commits a unit of work.
func (c *Client) Store(uow UnitOfWork) error { return c.engine.Store(uow) }

// LoadMessages resolves a batch of message lookups.
func (c *Client) LoadMessages(requests []MessageRequest) ([]LoadedMessage, error) {
	return c.engine.LoadMessages(requests)
}

// ListQueues returns every queue record in key order.
func (c *Client) ListQueues() ([]QueueRecord, error) { return c.engine.ListQueues() }

// GetQueue returns a single queue's record.
func (c *Client) GetQueue(queueKey uint64) (QueueRecord, error) { return c.engine.GetQueue(queueKey) }

// ListQueueEntryGroups walks a queue's entries in ranges of at most limit.
func (c *Client) ListQueueEntryGroups(queueKey uint64, limit int) ([]QueueEntryRange, error) {
	return c.engine.ListQueueEntryGroups(queueKey, limit)
}

// GetQueueEntries returns every entry of queueKey with seq in [first, last].
func (c *Client) GetQueueEntries(queueKey, first, last uint64) ([]QueueEntryRecord, error) {
	return c.engine.GetQueueEntries(queueKey, first, last)
}

// GetLastMessageKey returns the greatest msg_key present in the index.
func (c *Client) GetLastMessageKey() (uint64, bool, error) { return c.engine.GetLastMessageKey() }

// GetLastQueueKey returns the greatest queue_key present in the index.
func (c *Client) GetLastQueueKey() (uint64, bool, error) { return c.engine.GetLastQueueKey() }

// Get returns the opaque value stored under a user key.
func (c *Client) Get(userKey []byte) ([]byte, bool, error) { return c.engine.Get(userKey) }

// ExportPB streams the full index to w.
func (c *Client) ExportPB(w io.Writer) error { return c.engine.ExportPB(w) }

// ImportPB purges the engine and rebuilds it from a stream written by
// ExportPB.
func (c *Client) ImportPB(r io.Reader) error { return c.engine.ImportPB(r) }

// VerifySegments computes a content hash for every known log segment.
func (c *Client) VerifySegments() ([]SegmentHash, error) { return c.engine.VerifySegments() }
