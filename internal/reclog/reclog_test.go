package reclog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(Config{Directory: dir})
	require.NoError(t, err)
	defer log.Close()

	pos, err := log.Append(AddMessage, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, log.Flush())

	kind, payload, next, err := log.Read(pos)
	require.NoError(t, err)
	assert.Equal(t, AddMessage, kind)
	assert.Equal(t, []byte("hello"), payload)
	assert.Equal(t, pos+1+1+8+uint64(len(payload)), next) // kind + 1-byte varint len + flags/crc + payload
}

func TestReadAtValidatesLength(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(Config{Directory: dir})
	require.NoError(t, err)
	defer log.Close()

	pos, err := log.Append(AddMessage, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, log.Flush())

	data, err := log.ReadAt(pos, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	_, err = log.ReadAt(pos, 3)
	assert.Error(t, err)
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(Config{Directory: dir, MaxFileSize: 64})
	require.NoError(t, err)
	defer log.Close()

	var rotated []LogInfo
	log.OnRotate(func(info LogInfo) { rotated = append(rotated, info) })

	payload := make([]byte, 32)
	var positions []uint64
	for i := 0; i < 8; i++ {
		pos, err := log.Append(AddMessage, payload)
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.NoError(t, log.Flush())

	assert.NotEmpty(t, rotated, "expected at least one rotation")
	assert.True(t, len(log.Infos()) >= 2)

	for _, pos := range positions {
		_, data, _, err := log.Read(pos)
		require.NoError(t, err)
		assert.Equal(t, payload, data)
	}
}

func TestDeleteRefusesActiveTail(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(Config{Directory: dir})
	require.NoError(t, err)
	defer log.Close()

	err = log.Delete(log.AppenderStart())
	assert.Error(t, err)
}

func TestLogInfoFor(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(Config{Directory: dir, MaxFileSize: 64})
	require.NoError(t, err)
	defer log.Close()

	payload := make([]byte, 32)
	pos, err := log.Append(AddMessage, payload)
	require.NoError(t, err)

	info, ok := log.LogInfoFor(pos)
	require.True(t, ok)
	assert.Equal(t, uint64(0), info.Position)
}
