package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type flagStopper struct{ stopped bool }

func (f *flagStopper) Stopped() bool { return f.stopped }

func TestDoRetriesUntilSuccess(t *testing.T) {
	Delay = time.Millisecond
	attempts := 0
	err := Do(&flagStopper{}, nil, "test-op", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoAbortsWhenStopping(t *testing.T) {
	Delay = time.Millisecond
	stopper := &flagStopper{stopped: true}
	attempts := 0
	err := Do(stopper, nil, "test-op", func() error {
		attempts++
		return errors.New("persistent")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}
