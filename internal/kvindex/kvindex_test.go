package kvindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	s, err := Open(t.TempDir(), Config{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put([]byte("a"), []byte("1")))
	v, ok, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, s.Delete([]byte("a")))
	_, ok, err = s.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteBatchAtomic(t *testing.T) {
	s, err := Open(t.TempDir(), Config{})
	require.NoError(t, err)
	defer s.Close()

	b := s.NewWriteBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	require.NoError(t, s.Commit(b))

	v, ok, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
}

func TestPrefixAndRangeScanOrdering(t *testing.T) {
	s, err := Open(t.TempDir(), Config{})
	require.NoError(t, err)
	defer s.Close()

	b := s.NewWriteBatch()
	b.Put([]byte("e\x00\x00\x00\x00\x00\x00\x00\x01\x00\x00\x00\x00\x00\x00\x00\x02"), []byte("s2"))
	b.Put([]byte("e\x00\x00\x00\x00\x00\x00\x00\x01\x00\x00\x00\x00\x00\x00\x00\x01"), []byte("s1"))
	b.Put([]byte("q\x00\x00\x00\x00\x00\x00\x00\x01"), []byte("q"))
	require.NoError(t, s.Commit(b))

	sn, err := s.Snapshot()
	require.NoError(t, err)
	defer sn.Close()

	kvs := sn.PrefixScan([]byte("e\x00\x00\x00\x00\x00\x00\x00\x01"))
	require.Len(t, kvs, 2)
	assert.Equal(t, []byte("s1"), kvs[0].Value)
	assert.Equal(t, []byte("s2"), kvs[1].Value)

	last, ok := sn.LastKeyWithPrefix([]byte("e\x00\x00\x00\x00\x00\x00\x00\x01"))
	require.True(t, ok)
	assert.Equal(t, []byte("s2"), last.Value)
}

func TestLinkDirHardlinksThenReflectsSourceAtLinkTime(t *testing.T) {
	src := t.TempDir()
	s, err := Open(src, Config{})
	require.NoError(t, err)
	require.NoError(t, s.Put([]byte("k"), []byte("v")))
	require.NoError(t, s.Close())

	dst := filepath.Join(t.TempDir(), "linked")
	require.NoError(t, LinkDir(src, dst))

	s2, err := Open(dst, Config{})
	require.NoError(t, err)
	defer s2.Close()

	v, ok, err := s2.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}
