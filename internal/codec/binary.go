package codec

import "encoding/binary"

// LittleEndian packs fixed-offset record header fields the way the
// teacher's xbinary helper did, backed by the standard library instead of
// a third-party struct-packing shim.
var LittleEndian littleEndian

type littleEndian struct{}

func (littleEndian) PutUint32(buf []byte, offset int, v uint32) {
	binary.LittleEndian.PutUint32(buf[offset:offset+4], v)
}

func (littleEndian) Uint32(buf []byte, offset int) uint32 {
	return binary.LittleEndian.Uint32(buf[offset : offset+4])
}

func (littleEndian) PutUint64(buf []byte, offset int, v uint64) {
	binary.LittleEndian.PutUint64(buf[offset:offset+8], v)
}

func (littleEndian) Uint64(buf []byte, offset int) uint64 {
	return binary.LittleEndian.Uint64(buf[offset : offset+8])
}

func (littleEndian) PutInt64(buf []byte, offset int, v int64) {
	binary.LittleEndian.PutUint64(buf[offset:offset+8], uint64(v))
}

func (littleEndian) Int64(buf []byte, offset int) int64 {
	return int64(binary.LittleEndian.Uint64(buf[offset : offset+8]))
}
