// Package retry implements the result-typed retry loop the design notes
// ask for in place of exception-driven retry: a transient I/O failure is
// logged once, the goroutine sleeps, and the operation is retried until it
// succeeds or the host service reports it is stopping.
package retry

import (
	"time"

	"go.uber.org/zap"
)

// Stopper reports whether the host service has been asked to stop. Once
// Stopped returns true, Do abandons retrying and surfaces the last error.
type Stopper interface {
	Stopped() bool
}

// Delay between retry attempts. A var, not a const, so tests can shrink it.
var Delay = time.Second

// Do runs fn, retrying on error until it succeeds or stopper reports the
// service is stopping. Each failure is logged once at Warn.
func Do(stopper Stopper, logger *zap.Logger, op string, fn func() error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var lastErr error
	for {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn("retry: operation failed, will retry", zap.String("op", op), zap.Error(err))
		if stopper != nil && stopper.Stopped() {
			return lastErr
		}
		time.Sleep(Delay)
	}
}
