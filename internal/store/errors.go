package store

import "errors"

var (
	// ErrEngineClosed is returned by any operation attempted after Stop.
	ErrEngineClosed = errors.New("store: engine is closed")

	// ErrMessageNotFound is returned when a requested message key has no
	// locator in the index.
	ErrMessageNotFound = errors.New("store: message not found")

	// ErrQueueNotFound is returned by GetQueue for an unknown queue key.
	ErrQueueNotFound = errors.New("store: queue not found")

	// ErrCorruptSnapshot is returned when a promoted snapshot directory
	// cannot be read back; callers should treat this as fatal at startup.
	ErrCorruptSnapshot = errors.New("store: corrupt snapshot directory")
)
