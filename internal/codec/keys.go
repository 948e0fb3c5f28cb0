// Package codec encodes the fixed-layout index keys and the protobuf-wire
// payloads used throughout the store. Keys stay raw big-endian byte strings
// so that lexicographic order equals numeric order, per the data model's
// load-bearing ordering invariant; only index values are encoded with
// protowire.
package codec

import "encoding/binary"

// Key prefixes. Each index key begins with exactly one of these bytes.
const (
	PrefixMessage    byte = 'm'
	PrefixQueue      byte = 'q'
	PrefixQueueEntry byte = 'e'
	PrefixUser       byte = 'p'
)

// Sentinel keys live outside the prefix space above.
var (
	KeyDirty   = []byte(":dirty")
	KeyLogRefs = []byte(":log-refs")
)

// MessageKey returns the index key for a message payload locator: m ∥ u64(msgKey).
func MessageKey(msgKey uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = PrefixMessage
	binary.BigEndian.PutUint64(buf[1:], msgKey)
	return buf
}

// QueueKey returns the index key for a queue record: q ∥ u64(queueKey).
func QueueKey(queueKey uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = PrefixQueue
	binary.BigEndian.PutUint64(buf[1:], queueKey)
	return buf
}

// QueueEntryPrefix returns e ∥ u64(queueKey), the prefix shared by every
// entry belonging to a queue.
func QueueEntryPrefix(queueKey uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = PrefixQueueEntry
	binary.BigEndian.PutUint64(buf[1:], queueKey)
	return buf
}

// QueueEntryKey returns the index key for a single queue entry:
// e ∥ u64(queueKey) ∥ u64(entrySeq).
func QueueEntryKey(queueKey, entrySeq uint64) []byte {
	buf := make([]byte, 17)
	buf[0] = PrefixQueueEntry
	binary.BigEndian.PutUint64(buf[1:9], queueKey)
	binary.BigEndian.PutUint64(buf[9:], entrySeq)
	return buf
}

// UserKey returns the index key for an opaque map entry: p ∥ userKey.
func UserKey(userKey []byte) []byte {
	buf := make([]byte, 1+len(userKey))
	buf[0] = PrefixUser
	copy(buf[1:], userKey)
	return buf
}

// ParseMessageKey extracts the msgKey from a key produced by MessageKey.
// ok is false if the key is not a well-formed message key.
func ParseMessageKey(key []byte) (msgKey uint64, ok bool) {
	if len(key) != 9 || key[0] != PrefixMessage {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[1:]), true
}

// ParseQueueKey extracts the queueKey from a key produced by QueueKey.
func ParseQueueKey(key []byte) (queueKey uint64, ok bool) {
	if len(key) != 9 || key[0] != PrefixQueue {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[1:]), true
}

// ParseQueueEntryKey extracts queueKey and entrySeq from a key produced by
// QueueEntryKey.
func ParseQueueEntryKey(key []byte) (queueKey, entrySeq uint64, ok bool) {
	if len(key) != 17 || key[0] != PrefixQueueEntry {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(key[1:9]), binary.BigEndian.Uint64(key[9:]), true
}

// ParseUserKey returns the user-supplied key portion of a p-prefixed key.
func ParseUserKey(key []byte) (userKey []byte, ok bool) {
	if len(key) < 1 || key[0] != PrefixUser {
		return nil, false
	}
	return key[1:], true
}
