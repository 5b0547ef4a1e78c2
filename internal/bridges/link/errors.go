package link

import "errors"

var (
	// ErrNotConnected is returned by Send when no live connection exists.
	// Send never dials; callers establish connections through GetOrCreate.
	ErrNotConnected = errors.New("link: not connected")

	// ErrWriteFailed is returned when every write attempt for a command failed.
	ErrWriteFailed = errors.New("link: write failed")

	// ErrConnectFailed is returned to GetOrCreate callers when the dial fails.
	ErrConnectFailed = errors.New("link: connect failed")

	// ErrIdleTimeout ends a connection that received no data within the idle window.
	ErrIdleTimeout = errors.New("link: idle timeout")

	// ErrDestroyed ends a connection torn down by its owner.
	ErrDestroyed = errors.New("link: connection destroyed")

	// ErrRegistryClosed is returned after CloseAll.
	ErrRegistryClosed = errors.New("link: registry closed")
)
