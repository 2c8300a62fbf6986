package buffer

import (
	"sync"

	"github.com/vitalmesh/telemetry-core/internal/telemetry"
)

// Key identifies one entry within an owner's buffer.
type Key struct {
	SensorID    string
	AttributeID string
}

// Mode describes how an entry accumulates writes between flushes.
type Mode int

const (
	// ModeLatest keeps only the most recent write, by arrival order.
	ModeLatest Mode = iota

	// ModeSamples appends every write since the last flush. Used for
	// high-frequency waveform attributes where losing samples is worse
	// than the short accumulation bounded by the flush interval.
	ModeSamples

	// ModeDigest accumulates an aggregate summary instead of raw samples.
	ModeDigest
)

// Digest is the aggregate accumulated for one entry in digest mode.
// Latest is the timestamp-max measurement seen since the last flush, with
// arrival order breaking timestamp ties.
type Digest struct {
	Count  int
	Sum    float64
	Min    float64
	Max    float64
	Latest telemetry.Measurement

	// numeric tracks whether Min/Max/Sum have been seeded. Non-numeric
	// payloads count toward Count and Latest only.
	numeric bool
}

// HasNumeric reports whether any numeric payload contributed to Sum/Min/Max.
func (d Digest) HasNumeric() bool { return d.numeric }

// Avg returns Sum/Count, or 0 when nothing has accumulated.
func (d Digest) Avg() float64 {
	if d.Count == 0 {
		return 0
	}
	return d.Sum / float64(d.Count)
}

// Entry is the value stored per key. Exactly one of Latest, Samples or
// Digest is meaningful depending on Mode.
type Entry struct {
	Mode    Mode
	Latest  telemetry.Measurement
	Samples []telemetry.Measurement
	Digest  Digest
}

// Buffer holds the entries accumulated for one owner between flushes.
// All methods are safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	entries map[Key]*Entry
}

// New creates an empty standalone buffer, for lenses that share one table
// across all consumers instead of keeping per-owner state in a Store.
func New() *Buffer {
	return newBuffer()
}

// newBuffer creates an empty buffer.
func newBuffer() *Buffer {
	return &Buffer{entries: make(map[Key]*Entry)}
}

// PutLatest overwrites the entry for key with m. The previous value is
// discarded regardless of timestamps: arrival order wins in latest mode.
func (b *Buffer) PutLatest(key Key, m telemetry.Measurement) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || e.Mode != ModeLatest {
		b.entries[key] = &Entry{Mode: ModeLatest, Latest: m}
		return
	}
	e.Latest = m
}

// Append adds m to the entry's sample list, creating the entry if needed.
// A mode change since the last flush resets the entry.
func (b *Buffer) Append(key Key, m telemetry.Measurement) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || e.Mode != ModeSamples {
		b.entries[key] = &Entry{Mode: ModeSamples, Samples: []telemetry.Measurement{m}}
		return
	}
	e.Samples = append(e.Samples, m)
}

// Accumulate folds m into the entry's digest, creating the entry if needed.
// Count tracks every write; Sum/Min/Max only advance for numeric payloads;
// Latest follows the maximum timestamp with arrival order as tiebreak.
func (b *Buffer) Accumulate(key Key, m telemetry.Measurement) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || e.Mode != ModeDigest {
		e = &Entry{Mode: ModeDigest}
		b.entries[key] = e
	}

	d := &e.Digest
	d.Count++
	if v, ok := telemetry.NumericPayload(m); ok {
		if !d.numeric {
			d.Min, d.Max = v, v
			d.numeric = true
		} else {
			if v < d.Min {
				d.Min = v
			}
			if v > d.Max {
				d.Max = v
			}
		}
		d.Sum += v
	}
	if d.Count == 1 || m.Timestamp >= d.Latest.Timestamp {
		d.Latest = m
	}
}

// DrainAll removes and returns every entry. The entry map is swapped out
// under the lock, so concurrent writers are never paused for longer than
// the swap itself. Returns nil when the buffer is empty.
func (b *Buffer) DrainAll() map[Key]*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}
	drained := b.entries
	b.entries = make(map[Key]*Entry)
	return drained
}

// Snapshot returns a copy of every entry without clearing the buffer.
// Sample slices are copied so callers can read them after further appends.
func (b *Buffer) Snapshot() map[Key]Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}
	snap := make(map[Key]Entry, len(b.entries))
	for k, e := range b.entries {
		copied := *e
		if e.Samples != nil {
			copied.Samples = append([]telemetry.Measurement(nil), e.Samples...)
		}
		snap[k] = copied
	}
	return snap
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
