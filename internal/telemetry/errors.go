package telemetry

import "errors"

// Domain-specific errors for measurement decoding.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrMalformed is returned when an inbound measurement or batch cannot
	// be parsed or fails structural validation. The router drops such
	// messages at the boundary without forwarding them.
	ErrMalformed = errors.New("telemetry: malformed measurement")
)
