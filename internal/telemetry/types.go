package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

// ImportanceTier identifies the bus shard a measurement was classified onto.
// Classification happens upstream; this core only uses the tier to build
// subscription topics.
type ImportanceTier string

const (
	TierHigh   ImportanceTier = "high"
	TierMedium ImportanceTier = "medium"
	TierLow    ImportanceTier = "low"
)

// AllTiers returns every importance tier the router subscribes to while
// demand exists.
func AllTiers() []ImportanceTier {
	return []ImportanceTier{TierHigh, TierMedium, TierLow}
}

// Measurement is a single sample from one sensor attribute.
//
// Payload is opaque: it is whatever JSON value the source emitted (float64
// for numeric samples after decoding). Timestamp is milliseconds since the
// Unix epoch, assigned by the source.
type Measurement struct {
	SensorID    string `json:"sensor_id"`
	AttributeID string `json:"attribute_id"`
	Payload     any    `json:"payload"`
	Timestamp   int64  `json:"timestamp"`
}

// Time returns the measurement timestamp as a time.Time.
func (m Measurement) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Validate checks the structural invariants every measurement must satisfy
// before it is allowed past the router boundary.
func (m Measurement) Validate() error {
	if m.SensorID == "" {
		return fmt.Errorf("%w: missing sensor_id", ErrMalformed)
	}
	if m.AttributeID == "" {
		return fmt.Errorf("%w: missing attribute_id", ErrMalformed)
	}
	if m.Timestamp <= 0 {
		return fmt.Errorf("%w: non-positive timestamp", ErrMalformed)
	}
	return nil
}

// Batch is an ordered sequence of measurements for one sensor.
// When merged into a latest-value table, the most recent write per
// attribute wins by arrival order.
type Batch struct {
	SensorID     string        `json:"sensor_id"`
	Measurements []Measurement `json:"measurements"`
}

// Validate checks the batch envelope and every contained measurement.
// Measurements inherit the envelope sensor ID when they omit their own.
func (b *Batch) Validate() error {
	if b.SensorID == "" {
		return fmt.Errorf("%w: missing sensor_id", ErrMalformed)
	}
	if len(b.Measurements) == 0 {
		return fmt.Errorf("%w: empty batch", ErrMalformed)
	}
	for i := range b.Measurements {
		if b.Measurements[i].SensorID == "" {
			b.Measurements[i].SensorID = b.SensorID
		}
		if err := b.Measurements[i].Validate(); err != nil {
			return fmt.Errorf("measurement %d: %w", i, err)
		}
	}
	return nil
}

// DecodeMeasurement parses and validates a single measurement from its
// wire representation.
//
// Returns:
//   - Measurement: The decoded measurement
//   - error: ErrMalformed (wrapped) if the payload cannot be parsed or
//     fails validation
func DecodeMeasurement(data []byte) (Measurement, error) {
	var m Measurement
	if err := json.Unmarshal(data, &m); err != nil {
		return Measurement{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Measurement{}, err
	}
	return m, nil
}

// DecodeBatch parses and validates a measurement batch from its wire
// representation.
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := b.Validate(); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// NumericPayload extracts a numeric value from a measurement payload for
// digest accumulation. JSON numbers decode as float64; integer payloads
// from non-JSON sources are accepted too.
//
// Returns false for any non-numeric payload; such measurements still count
// toward digest totals but do not contribute to sum/min/max.
func NumericPayload(m Measurement) (float64, bool) {
	switch v := m.Payload.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
