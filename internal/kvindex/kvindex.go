// Package kvindex wraps an embedded ordered key/value store (go.etcd.io/
// bbolt) behind the thin Get/Put/Delete/WriteBatch/Snapshot/cursor surface
// the store needs. The teacher repo has no analogue of this component (its
// own "index" is a per-record offset log, not an ordered KV store); this
// package is grounded on the pack's bbolt users instead (yonasBSD/openbao's
// raft FSM stores records in bbolt buckets addressed by byte-string keys
// with bucket cursors; dreamsxin/wal depends on bbolt directly).
package kvindex

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

const (
	dataFileName = "data.db"
	bucketName   = "idx"
)

// Compression is accepted for configuration-surface parity with the
// black-box KV library the spec assumes; bbolt has no pluggable
// compression so the value is only recorded, never applied.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
)

// Config mirrors the index_* configuration knobs from the spec. Only
// NoSync has a real effect (it maps to bbolt.Options.NoSync);
// VerifyChecksums and Compression are accepted and ignored, since bbolt
// has no matching knob.
type Config struct {
	VerifyChecksums bool
	NoSync          bool // when true, bbolt skips fsync on its own commits; the store still controls fsync via reclog.Sync
	Compression     Compression
}

// Store is an opened index directory.
type Store struct {
	dir string
	db  *bolt.DB
}

// Open opens (creating if necessary) the bbolt database file inside dir.
func Open(dir string, cfg Config) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("kvindex: mkdir: %w", err)
	}
	opts := &bolt.Options{NoSync: cfg.NoSync}
	db, err := bolt.Open(filepath.Join(dir, dataFileName), 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("kvindex: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvindex: create bucket: %w", err)
	}
	return &Store{dir: dir, db: db}, nil
}

// Dir returns the directory backing this store.
func (s *Store) Dir() string { return s.dir }

// Close closes the underlying database file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("kvindex: close: %w", err)
	}
	return nil
}

// Get fetches key, returning ok=false if it is absent.
func (s *Store) Get(key []byte) (value []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("kvindex: get: %w", err)
	}
	return value, ok, nil
}

// Put writes a single key/value pair outside of a WriteBatch.
func (s *Store) Put(key, value []byte) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put(key, value)
	}); err != nil {
		return fmt.Errorf("kvindex: put: %w", err)
	}
	return nil
}

// Delete removes a single key outside of a WriteBatch.
func (s *Store) Delete(key []byte) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete(key)
	}); err != nil {
		return fmt.Errorf("kvindex: delete: %w", err)
	}
	return nil
}

type writeOp struct {
	key    []byte
	value  []byte
	delete bool
}

// WriteBatch accumulates puts and deletes for atomic commit.
type WriteBatch struct {
	ops []writeOp
}

// NewWriteBatch returns an empty batch.
func (s *Store) NewWriteBatch() *WriteBatch {
	return &WriteBatch{}
}

func (b *WriteBatch) Put(key, value []byte) {
	b.ops = append(b.ops, writeOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

func (b *WriteBatch) Delete(key []byte) {
	b.ops = append(b.ops, writeOp{key: append([]byte(nil), key...), delete: true})
}

// Commit applies every staged operation inside a single bbolt
// transaction, so the whole batch is visible atomically.
func (s *Store) Commit(b *WriteBatch) error {
	if len(b.ops) == 0 {
		return nil
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		for _, op := range b.ops {
			if op.delete {
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("kvindex: commit batch: %w", err)
	}
	return nil
}

// WithSnapshot runs fn against a fresh read-only snapshot, closing it
// afterward regardless of fn's outcome.
func (s *Store) WithSnapshot(fn func(*Snapshot) error) error {
	sn, err := s.Snapshot()
	if err != nil {
		return err
	}
	defer sn.Close()
	return fn(sn)
}

// Snapshot begins a read-only transaction; every cursor/Get issued against
// it observes the same consistent view regardless of concurrent writers.
// The caller must call Close when done.
type Snapshot struct {
	tx *bolt.Tx
}

func (s *Store) Snapshot() (*Snapshot, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("kvindex: begin snapshot: %w", err)
	}
	return &Snapshot{tx: tx}, nil
}

func (sn *Snapshot) Close() error {
	return sn.tx.Rollback()
}

func (sn *Snapshot) bucket() *bolt.Bucket {
	return sn.tx.Bucket([]byte(bucketName))
}

func (sn *Snapshot) Get(key []byte) (value []byte, ok bool) {
	v := sn.bucket().Get(key)
	if v == nil {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// KV is one key/value pair yielded by a cursor scan.
type KV struct {
	Key   []byte
	Value []byte
}

// PrefixScan returns every key/value pair whose key starts with prefix, in
// key order.
func (sn *Snapshot) PrefixScan(prefix []byte) []KV {
	var out []KV
	c := sn.bucket().Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		out = append(out, KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
	}
	return out
}

// PrefixKeysScan is PrefixScan without copying values, for callers that
// only need the key set.
func (sn *Snapshot) PrefixKeysScan(prefix []byte) [][]byte {
	var out [][]byte
	c := sn.bucket().Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		out = append(out, append([]byte(nil), k...))
	}
	return out
}

// RangeScan returns every key/value pair with start <= key < end, in key
// order. A nil end means "through the end of the prefix space".
func (sn *Snapshot) RangeScan(start, end []byte) []KV {
	var out []KV
	c := sn.bucket().Cursor()
	for k, v := c.Seek(start); k != nil; k, v = c.Next() {
		if end != nil && bytes.Compare(k, end) >= 0 {
			break
		}
		out = append(out, KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
	}
	return out
}

// LastKeyWithPrefix returns the greatest key starting with prefix, if any.
func (sn *Snapshot) LastKeyWithPrefix(prefix []byte) (KV, bool) {
	c := sn.bucket().Cursor()

	// bbolt cursors have no native "seek to end of prefix" primitive, so
	// probe one past the prefix range and step back.
	upper := prefixUpperBound(prefix)
	var k, v []byte
	if upper == nil {
		k, v = c.Last()
	} else {
		k, v = c.Seek(upper)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	}
	if k == nil || !bytes.HasPrefix(k, prefix) {
		return KV{}, false
	}
	return KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}, true
}

// prefixUpperBound returns the smallest key that sorts after every key
// beginning with prefix, or nil if prefix is all 0xff bytes (no finite
// upper bound exists, so callers fall back to Last()).
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
