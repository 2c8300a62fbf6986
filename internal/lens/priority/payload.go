package priority

import (
	"encoding/json"

	"github.com/vitalmesh/telemetry-core/internal/buffer"
	"github.com/vitalmesh/telemetry-core/internal/telemetry"
)

// digestMessage is the wire shape of one aggregated attribute.
type digestMessage struct {
	Count  int     `json:"count"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Latest any     `json:"latest"`
}

// buildPayload serialises drained entries for one flush. Raw mode yields
//
//	{sensor: {attribute: payload | [payloads...]}}
//
// and digest mode yields
//
//	{sensor: {attribute: {count, avg, min, max, latest}}}
//
// Entries whose stored mode disagrees with the delivery mode (the
// subscriber changed tier mid-window) are converted rather than dropped.
func buildPayload(mode DeliveryMode, entries map[buffer.Key]*buffer.Entry) ([]byte, error) {
	if mode == DeliverDigest {
		return buildDigestPayload(entries)
	}
	return buildRawPayload(entries)
}

func buildRawPayload(entries map[buffer.Key]*buffer.Entry) ([]byte, error) {
	grouped := make(map[string]map[string]any)
	for key, e := range entries {
		attrs := grouped[key.SensorID]
		if attrs == nil {
			attrs = make(map[string]any)
			grouped[key.SensorID] = attrs
		}
		switch e.Mode {
		case buffer.ModeSamples:
			payloads := make([]any, len(e.Samples))
			for i, m := range e.Samples {
				payloads[i] = m.Payload
			}
			attrs[key.AttributeID] = payloads
		case buffer.ModeDigest:
			attrs[key.AttributeID] = e.Digest.Latest.Payload
		default:
			attrs[key.AttributeID] = e.Latest.Payload
		}
	}
	return json.Marshal(grouped)
}

func buildDigestPayload(entries map[buffer.Key]*buffer.Entry) ([]byte, error) {
	grouped := make(map[string]map[string]digestMessage)
	for key, e := range entries {
		attrs := grouped[key.SensorID]
		if attrs == nil {
			attrs = make(map[string]digestMessage)
			grouped[key.SensorID] = attrs
		}
		attrs[key.AttributeID] = digestFromEntry(e)
	}
	return json.Marshal(grouped)
}

func digestFromEntry(e *buffer.Entry) digestMessage {
	switch e.Mode {
	case buffer.ModeDigest:
		return digestMessage{
			Count:  e.Digest.Count,
			Avg:    e.Digest.Avg(),
			Min:    e.Digest.Min,
			Max:    e.Digest.Max,
			Latest: e.Digest.Latest.Payload,
		}
	case buffer.ModeSamples:
		return digestFromMeasurements(e.Samples)
	default:
		return digestFromMeasurements([]telemetry.Measurement{e.Latest})
	}
}

// digestFromMeasurements summarises raw entries caught in a window where
// the tier switched to digest delivery.
func digestFromMeasurements(ms []telemetry.Measurement) digestMessage {
	var d buffer.Digest
	msg := digestMessage{Count: len(ms)}
	seeded := false
	for i, m := range ms {
		if v, ok := telemetry.NumericPayload(m); ok {
			if !seeded {
				d.Min, d.Max = v, v
				seeded = true
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
		if i == 0 || m.Timestamp >= d.Latest.Timestamp {
			d.Latest = m
		}
	}
	msg.Min, msg.Max = d.Min, d.Max
	if msg.Count > 0 {
		msg.Avg = d.Sum / float64(msg.Count)
	}
	msg.Latest = d.Latest.Payload
	return msg
}
