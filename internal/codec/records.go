package codec

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeMessageRecord builds the on-disk ADD_MESSAGE payload: the message
// key as a varint header followed by the raw, opaque message bytes. The
// spec's record-kind table describes this payload as "raw message bytes",
// but msg_key must still be recoverable from the log alone during replay
// (the index is gone after a crash) — the varint header is the minimal
// addition that makes that possible without touching the opaque payload's
// own framing.
func EncodeMessageRecord(msgKey uint64, payload []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], msgKey)
	out := make([]byte, 0, n+len(payload))
	out = append(out, tmp[:n]...)
	out = append(out, payload...)
	return out
}

// DecodeMessageRecord splits a stored ADD_MESSAGE payload back into its key
// and raw payload.
func DecodeMessageRecord(raw []byte) (msgKey uint64, payload []byte, err error) {
	key, n := binary.Uvarint(raw)
	if n <= 0 {
		return 0, nil, fmt.Errorf("codec: bad message record key varint")
	}
	return key, raw[n:], nil
}

// Locator pinpoints a payload inside the record log: a starting logical
// position and a byte length.
type Locator struct {
	Position uint64
	Length   uint32
}

// EncodeLocator writes a Locator using protobuf wire format (field 1 =
// position varint, field 2 = length varint), the same framing a generated
// `message Locator { uint64 position = 1; uint32 length = 2; }` would
// produce.
func EncodeLocator(l Locator) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, l.Position)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(l.Length))
	return b
}

// DecodeLocator parses the wire format produced by EncodeLocator. Unknown
// fields are skipped so the format may grow additional fields later.
func DecodeLocator(data []byte) (Locator, error) {
	var l Locator
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Locator{}, fmt.Errorf("codec: bad locator tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Locator{}, fmt.Errorf("codec: bad locator position: %w", protowire.ParseError(n))
			}
			l.Position = v
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Locator{}, fmt.Errorf("codec: bad locator length: %w", protowire.ParseError(n))
			}
			l.Length = uint32(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Locator{}, fmt.Errorf("codec: bad locator field: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return l, nil
}

// QueueRecord is the metadata describing a queue.
type QueueRecord struct {
	QueueKey uint64
	Metadata []byte
}

func EncodeQueueRecord(r QueueRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, r.QueueKey)
	if len(r.Metadata) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Metadata)
	}
	return b
}

func DecodeQueueRecord(data []byte) (QueueRecord, error) {
	var r QueueRecord
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("codec: bad queue record tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("codec: bad queue key: %w", protowire.ParseError(n))
			}
			r.QueueKey = v
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return r, fmt.Errorf("codec: bad queue metadata: %w", protowire.ParseError(n))
			}
			r.Metadata = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, fmt.Errorf("codec: bad queue record field: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}

// QueueEntryRecord places a message on a queue.
type QueueEntryRecord struct {
	QueueKey       uint64
	EntrySeq       uint64
	MsgKey         uint64
	Size           uint64
	Expiration     int64
	MessageLocator []byte // optional: encoded Locator, present when known at enqueue time
}

func EncodeQueueEntryRecord(r QueueEntryRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, r.QueueKey)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, r.EntrySeq)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, r.MsgKey)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Size)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Expiration))
	if len(r.MessageLocator) > 0 {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, r.MessageLocator)
	}
	return b
}

func DecodeQueueEntryRecord(data []byte) (QueueEntryRecord, error) {
	var r QueueEntryRecord
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("codec: bad queue entry tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("codec: bad entry queue key: %w", protowire.ParseError(n))
			}
			r.QueueKey = v
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("codec: bad entry seq: %w", protowire.ParseError(n))
			}
			r.EntrySeq = v
			data = data[n:]
		case 3:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("codec: bad entry msg key: %w", protowire.ParseError(n))
			}
			r.MsgKey = v
			data = data[n:]
		case 4:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("codec: bad entry size: %w", protowire.ParseError(n))
			}
			r.Size = v
			data = data[n:]
		case 5:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return r, fmt.Errorf("codec: bad entry expiration: %w", protowire.ParseError(n))
			}
			r.Expiration = int64(v)
			data = data[n:]
		case 6:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return r, fmt.Errorf("codec: bad entry locator: %w", protowire.ParseError(n))
			}
			r.MessageLocator = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return r, fmt.Errorf("codec: bad queue entry field: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}

// MapEntry is the payload of a MAP_ENTRY log record. HasValue distinguishes
// an upsert from a delete (an absent value deletes the key).
type MapEntry struct {
	Key      []byte
	Value    []byte
	HasValue bool
}

func EncodeMapEntry(e MapEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Key)
	if e.HasValue {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Value)
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func DecodeMapEntry(data []byte) (MapEntry, error) {
	var e MapEntry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, fmt.Errorf("codec: bad map entry tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return e, fmt.Errorf("codec: bad map entry key: %w", protowire.ParseError(n))
			}
			e.Key = append([]byte(nil), v...)
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return e, fmt.Errorf("codec: bad map entry value: %w", protowire.ParseError(n))
			}
			e.Value = append([]byte(nil), v...)
			data = data[n:]
		case 3:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, fmt.Errorf("codec: bad map entry flag: %w", protowire.ParseError(n))
			}
			e.HasValue = v != 0
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, fmt.Errorf("codec: bad map entry field: %w", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return e, nil
}

// EncodeLedgerSnapshot encodes the log-reference ledger as a repeated
// {position, counter} field, the wire shape protoc emits for a
// `map<uint64, uint64>`.
func EncodeLedgerSnapshot(counts map[uint64]uint64) []byte {
	var b []byte
	for pos, count := range counts {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.VarintType)
		entry = protowire.AppendVarint(entry, pos)
		entry = protowire.AppendTag(entry, 2, protowire.VarintType)
		entry = protowire.AppendVarint(entry, count)

		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// DecodeLedgerSnapshot parses a ledger encoded by EncodeLedgerSnapshot.
func DecodeLedgerSnapshot(data []byte) (map[uint64]uint64, error) {
	counts := make(map[uint64]uint64)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("codec: bad ledger tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if num != 1 || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("codec: bad ledger field: %w", protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		entryBytes, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("codec: bad ledger entry: %w", protowire.ParseError(n))
		}
		data = data[n:]

		var pos, count uint64
		rest := entryBytes
		for len(rest) > 0 {
			enum, etyp, en := protowire.ConsumeTag(rest)
			if en < 0 {
				return nil, fmt.Errorf("codec: bad ledger entry tag: %w", protowire.ParseError(en))
			}
			rest = rest[en:]
			switch enum {
			case 1:
				v, en := protowire.ConsumeVarint(rest)
				if en < 0 {
					return nil, fmt.Errorf("codec: bad ledger position: %w", protowire.ParseError(en))
				}
				pos = v
				rest = rest[en:]
			case 2:
				v, en := protowire.ConsumeVarint(rest)
				if en < 0 {
					return nil, fmt.Errorf("codec: bad ledger counter: %w", protowire.ParseError(en))
				}
				count = v
				rest = rest[en:]
			default:
				en := protowire.ConsumeFieldValue(enum, etyp, rest)
				if en < 0 {
					return nil, fmt.Errorf("codec: bad ledger entry field: %w", protowire.ParseError(en))
				}
				rest = rest[en:]
			}
		}
		counts[pos] = count
	}
	return counts, nil
}
