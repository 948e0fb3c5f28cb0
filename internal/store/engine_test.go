package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/blacklabeldata/msgstore/internal/codec"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Logger = zap.NewNop()
	cfg.LogSize = 4096
	e, err := Start(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

// Scenario 1: write-read.
func TestWriteRead(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.AddQueue(codec.QueueRecord{QueueKey: 1}))

	err := e.Store(UnitOfWork{
		Messages: []MessageAction{{
			MsgKey: 42,
			Record: &MessageRecord{MsgKey: 42, Payload: []byte("hi")},
			Enqueues: []Enqueue{
				{QueueKey: 1, EntrySeq: 0},
			},
		}},
	})
	require.NoError(t, err)

	results, err := e.LoadMessages([]MessageRequest{{MsgKey: 42}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, []byte("hi"), results[0].Payload)
}

// Scenario 2: dequeuing every entry in a rotated-away log file lets GC
// reclaim it once a snapshot covers the dequeue.
func TestDequeueReleasesLogFile(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddQueue(codec.QueueRecord{QueueKey: 1}))

	const n = 40
	for i := uint64(0); i < n; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 128)
		require.NoError(t, e.Store(UnitOfWork{
			Messages: []MessageAction{{
				MsgKey: i + 1,
				Record: &MessageRecord{MsgKey: i + 1, Payload: payload},
				Enqueues: []Enqueue{
					{QueueKey: 1, EntrySeq: i},
				},
			}},
		}))
	}

	infosBefore := e.log.Infos()
	require.GreaterOrEqual(t, len(infosBefore), 2, "expected log rotation across %d records", n)

	for i := uint64(0); i < n; i++ {
		require.NoError(t, e.Store(UnitOfWork{
			Messages: []MessageAction{{
				MsgKey:   i + 1,
				Dequeues: []Dequeue{{QueueKey: 1, EntrySeq: i}},
			}},
		}))
	}

	require.NoError(t, e.SnapshotIndex())
	require.NoError(t, e.GC())

	infosAfter := e.log.Infos()
	assert.Less(t, len(infosAfter), len(infosBefore), "expected at least one segment reclaimed")
	assert.Equal(t, infosBefore[len(infosBefore)-1].Position, infosAfter[len(infosAfter)-1].Position,
		"the active tail segment must never be deleted")
}

// Scenario 4: remove_queue cascades the deletion and the ledger.
func TestRemoveQueueCascade(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddQueue(codec.QueueRecord{QueueKey: 7}))

	for i := uint64(0); i < 3; i++ {
		require.NoError(t, e.Store(UnitOfWork{
			Messages: []MessageAction{{
				MsgKey: 100 + i,
				Record: &MessageRecord{MsgKey: 100 + i, Payload: []byte("x")},
				Enqueues: []Enqueue{
					{QueueKey: 7, EntrySeq: i},
				},
			}},
		}))
	}

	require.NoError(t, e.RemoveQueue(7))

	_, err := e.GetQueue(7)
	assert.ErrorIs(t, err, ErrQueueNotFound)

	entries, err := e.GetQueueEntries(7, 0, 2)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Empty(t, e.ledger.Snapshot(), "cascade must decrement every ledger count it incremented")
}

// Scenario 6: map upsert/delete, and persistence across restart.
func TestMapUpsertDeletePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.Logger = zap.NewNop()

	e, err := Start(cfg)
	require.NoError(t, err)

	require.NoError(t, e.Store(UnitOfWork{MapActions: []MapAction{
		{Key: []byte("a"), Value: []byte("1"), HasValue: true},
		{Key: []byte("b"), Value: []byte("2"), HasValue: true},
	}}))
	require.NoError(t, e.Store(UnitOfWork{MapActions: []MapAction{
		{Key: []byte("a"), HasValue: false},
	}}))

	_, ok, err := e.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
	v, ok, err := e.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)

	require.NoError(t, e.Stop())

	e2, err := Start(cfg)
	require.NoError(t, err)
	defer e2.Stop()

	_, ok, err = e2.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
	v, ok, err = e2.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)
}

// Property 1: with no snapshot taken, a restart rebuilds the index purely
// by replaying the committed log prefix (the test stops cleanly; it does
// not simulate a crash).
func TestRecoveryReplaysCommittedPrefix(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.Logger = zap.NewNop()

	e, err := Start(cfg)
	require.NoError(t, err)
	require.NoError(t, e.AddQueue(codec.QueueRecord{QueueKey: 1}))
	require.NoError(t, e.Store(UnitOfWork{
		Messages: []MessageAction{{
			MsgKey: 9,
			Record: &MessageRecord{MsgKey: 9, Payload: []byte("payload")},
			Enqueues: []Enqueue{
				{QueueKey: 1, EntrySeq: 0},
			},
		}},
	}))
	require.NoError(t, e.Stop())

	e2, err := Start(cfg)
	require.NoError(t, err)
	defer e2.Stop()

	results, err := e2.LoadMessages([]MessageRequest{{MsgKey: 9}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, []byte("payload"), results[0].Payload)

	entries, err := e2.GetQueueEntries(1, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(9), entries[0].MsgKey)
}

func TestListQueueEntryGroups(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddQueue(codec.QueueRecord{QueueKey: 1}))

	for i := uint64(0); i < 5; i++ {
		require.NoError(t, e.Store(UnitOfWork{
			Messages: []MessageAction{{
				MsgKey: i + 1,
				Record: &MessageRecord{MsgKey: i + 1, Payload: []byte("p")},
				Enqueues: []Enqueue{
					{QueueKey: 1, EntrySeq: i, Size: 10, Expiration: int64(i) + 1},
				},
			}},
		}))
	}

	groups, err := e.ListQueueEntryGroups(1, 2)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, 2, groups[0].Count)
	assert.Equal(t, 2, groups[1].Count)
	assert.Equal(t, 1, groups[2].Count)
	assert.Equal(t, uint64(0), groups[0].FirstSeq)
	assert.Equal(t, uint64(1), groups[0].LastSeq)
}
