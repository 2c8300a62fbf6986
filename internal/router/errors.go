package router

import "errors"

// Domain-specific errors for router operations.
var (
	// ErrClosed is returned when registering against a closed router.
	ErrClosed = errors.New("router: closed")

	// ErrInvalidConsumer is returned when a consumer is nil or unnamed.
	ErrInvalidConsumer = errors.New("router: invalid consumer")
)
