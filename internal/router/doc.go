// Package router provides the demand-driven ingress for the telemetry core.
//
// The router holds the set of registered lens consumers and keeps the bus
// subscription alive only while that set is non-empty: the first
// registration subscribes to every importance-tier ingest topic, the last
// removal unsubscribes. With nobody watching, inbound measurements never
// reach this process at all.
//
// # Concurrency
//
// Control-plane state (the consumer set, the subscription flag) is owned by
// a single goroutine draining a command channel; Register/Unregister are
// synchronous wrappers around that mailbox. The hot path — the bus message
// handler — never enters the mailbox: it reads a read-locked snapshot of
// the consumer set and fans the measurement into each lens's entry point,
// isolating per-forward panics so one failing lens cannot starve the other.
//
// # Failure semantics
//
// Malformed or unrecognised inbound messages are dropped silently (counted
// and debug-logged). The router retains no per-measurement state.
package router
