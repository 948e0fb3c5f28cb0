package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncrDecr(t *testing.T) {
	l := New()
	l.Incr(10)
	l.Incr(10)
	assert.Equal(t, uint64(2), l.Get(10))

	l.Decr(10)
	assert.Equal(t, uint64(1), l.Get(10))

	l.Decr(10)
	assert.Equal(t, uint64(0), l.Get(10))
	assert.NotContains(t, l.Snapshot(), uint64(10))
}

func TestLoadReplacesContents(t *testing.T) {
	l := New()
	l.Incr(1)
	l.Load(map[uint64]uint64{5: 3, 6: 0})

	assert.Equal(t, uint64(0), l.Get(1))
	assert.Equal(t, uint64(3), l.Get(5))
	assert.Equal(t, uint64(0), l.Get(6))
}

func TestDecrAbsentIsNoop(t *testing.T) {
	l := New()
	l.Decr(42)
	assert.Equal(t, uint64(0), l.Get(42))
}
