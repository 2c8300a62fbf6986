// Package telemetry defines the measurement data model shared by the
// router and the delivery lenses, plus the wire codec for the bus.
//
// A Measurement is a single sample from one sensor attribute. Payloads are
// opaque to this core: they are carried as decoded JSON values and only the
// digest path cares whether a payload happens to be numeric.
//
// Sources publish measurements onto the bus sharded by an externally
// computed importance tier (high/medium/low). This package owns the tier
// names and the strict decode/validate step that lets the router drop
// malformed input at the boundary without forwarding it.
package telemetry
