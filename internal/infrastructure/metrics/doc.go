// Package metrics exposes the core's Prometheus collectors.
//
// The set is intentionally small: routed/dropped measurement counters,
// lens flush and publish-failure counters, and a subscriber gauge. The
// optional /metrics listener in cmd/telemetryd serves them.
package metrics
