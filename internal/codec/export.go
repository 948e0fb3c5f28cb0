package codec

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ExportKind tags the payload that follows an export stream record.
type ExportKind uint8

const (
	ExportMapEntry   ExportKind = 1
	ExportQueue      ExportKind = 2
	ExportMessage    ExportKind = 3
	ExportQueueEntry ExportKind = 4
)

// WriteExportRecord writes one length-framed export record:
// [kind:u8][varint(len)][payload]. The payload is whatever the caller has
// already encoded (a MapEntry, QueueRecord, QueueEntryRecord, or a raw
// message payload).
func WriteExportRecord(w io.Writer, kind ExportKind, payload []byte) error {
	header := protowire.AppendVarint([]byte{byte(kind)}, uint64(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("codec: write export header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("codec: write export payload: %w", err)
		}
	}
	return nil
}

// ReadExportRecord reads one record written by WriteExportRecord. io.EOF is
// returned (unwrapped) when the stream is exhausted between records.
func ReadExportRecord(r io.ByteReader) (ExportKind, []byte, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	length, err := readUvarint(r)
	if err != nil {
		return 0, nil, fmt.Errorf("codec: read export length: %w", err)
	}
	payload := make([]byte, length)
	for i := range payload {
		b, err := r.ReadByte()
		if err != nil {
			return 0, nil, fmt.Errorf("codec: read export payload: %w", err)
		}
		payload[i] = b
	}
	return ExportKind(kindByte), payload, nil
}

func readUvarint(r io.ByteReader) (uint64, error) {
	var x uint64
	var s uint
	for i := 0; i < 10; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, fmt.Errorf("codec: varint overflow")
}
