// Package buffer provides the shared buffer store backing both delivery
// lenses.
//
// The store is a two-level concurrent table: owner (a priority-lens
// subscriber, or the throttled lens itself) → buffer of entries keyed by
// (sensor, attribute). Many routing goroutines write concurrently; only the
// owning lens drains or drops a buffer. Every mutation is a single atomic
// key-level operation — there are no multi-step transactions.
//
// Three write modes exist per entry:
//
//   - latest: overwrite with the most recent write, by arrival order
//   - samples: append-only list for high-frequency waveform attributes,
//     cleared on flush
//   - digest: running count/sum/min/max plus the timestamp-max latest
//     sample, for low-quality aggregate delivery
//
// # Thread Safety
//
// The store shards owners across independently locked maps so that routing
// for one subscriber never blocks on another subscriber's flush. Each
// buffer serialises its own entries with a single mutex; drains swap the
// entry map out under that lock, so writers are paused only for the swap,
// never for downstream publishing.
package buffer
