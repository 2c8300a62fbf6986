// Package priority implements the per-subscriber adaptive delivery lens.
//
// Every subscriber gets an independently configured, bandwidth-bounded view
// of the measurement stream: an interest set, a quality tier fixing flush
// cadence and delivery mode (raw batches or aggregate digests), and an
// optional focused sensor that is always delivered regardless of tier
// limits. Buffered data is published on a deterministic private topic at
// the tier's cadence; nothing is published when nothing accumulated.
//
// # Architecture
//
//	           route/route_batch (any goroutine)
//	                     │
//	      reverse index (sensor → subscribers, RLock)
//	                     │
//	      shared buffer store (per-subscriber buffers)
//	                     │
//	      per-subscriber flush timer ──▶ private MQTT topic
//
// Control-plane state — registrations, the reverse index, timer handles —
// is owned by a single actor goroutine draining a command channel. The
// routing path reads the index under a read lock and writes straight into
// the buffer store; it never waits on the mailbox.
//
// # Cleanup
//
// A registration's owning lifecycle is its context: cancellation removes
// all registrations sharing it, replacing the runtime process monitoring a
// connection layer would otherwise need. A periodic sweep backstops lost
// watches. Timers are cancelled and replaced on every quality change and
// unregister; a stale timer firing against replaced or deleted state is a
// generation-checked no-op.
package priority
