package priority

import "errors"

// Domain-specific errors for priority lens operations.
// Everything not listed here degrades silently by design: mutating calls
// on unknown subscriber IDs are no-ops, not errors.
var (
	// ErrUnknownQuality is returned when a quality tier name is not one of
	// high, medium, low, minimal, paused.
	ErrUnknownQuality = errors.New("priority: unknown quality tier")

	// ErrInvalidSubscriber is returned when a subscriber ID is empty.
	ErrInvalidSubscriber = errors.New("priority: subscriber id cannot be empty")

	// ErrClosed is returned when registering against a closed lens.
	ErrClosed = errors.New("priority: lens closed")
)
