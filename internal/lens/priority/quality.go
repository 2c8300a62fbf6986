package priority

import (
	"fmt"
	"time"

	"github.com/vitalmesh/telemetry-core/internal/infrastructure/config"
)

// Quality is a subscriber's delivery tier. Tiers are ordered from most to
// least bandwidth: high, medium, low, minimal, paused.
type Quality string

const (
	QualityHigh    Quality = "high"
	QualityMedium  Quality = "medium"
	QualityLow     Quality = "low"
	QualityMinimal Quality = "minimal"
	QualityPaused  Quality = "paused"
)

// DeliveryMode selects what a flush publishes.
type DeliveryMode int

const (
	// DeliverRaw publishes buffered measurements grouped by sensor and
	// attribute (overwrite-latest, or sample lists for high-frequency
	// attributes).
	DeliverRaw DeliveryMode = iota

	// DeliverDigest publishes count/avg/min/max/latest aggregates instead
	// of raw samples.
	DeliverDigest

	// DeliverNothing drains and discards; used by the paused tier to keep
	// memory bounded without publishing.
	DeliverNothing
)

// TierSpec fixes the behaviour of one quality tier: flush cadence, the
// maximum number of interest-set sensors routed (0 = unlimited; the
// focused key is always exempt), and the delivery mode.
type TierSpec struct {
	Interval   time.Duration
	MaxSensors int
	Mode       DeliveryMode
}

// defaultTierSpecs returns the built-in tier table.
func defaultTierSpecs() map[Quality]TierSpec {
	return map[Quality]TierSpec{
		QualityHigh:    {Interval: 250 * time.Millisecond, MaxSensors: 0, Mode: DeliverRaw},
		QualityMedium:  {Interval: time.Second, MaxSensors: 16, Mode: DeliverRaw},
		QualityLow:     {Interval: 5 * time.Second, MaxSensors: 8, Mode: DeliverDigest},
		QualityMinimal: {Interval: 15 * time.Second, MaxSensors: 1, Mode: DeliverDigest},
		QualityPaused:  {Interval: 5 * time.Second, MaxSensors: 0, Mode: DeliverNothing},
	}
}

// tierSpecs merges config overrides onto the built-in table. Delivery
// modes are fixed semantics and cannot be reconfigured.
func tierSpecs(cfg config.PriorityLensConfig) map[Quality]TierSpec {
	specs := defaultTierSpecs()
	for name, override := range cfg.Tiers {
		q := Quality(name)
		spec, ok := specs[q]
		if !ok {
			continue
		}
		if override.IntervalMS > 0 {
			spec.Interval = time.Duration(override.IntervalMS) * time.Millisecond
		}
		if override.MaxSensors > 0 {
			spec.MaxSensors = override.MaxSensors
		}
		specs[q] = spec
	}
	return specs
}

// ParseQuality validates a tier name. The empty string maps to high, the
// default for new registrations.
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case "":
		return QualityHigh, nil
	case QualityHigh, QualityMedium, QualityLow, QualityMinimal, QualityPaused:
		return Quality(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownQuality, s)
	}
}

// Degraded reports whether the tier is below medium or paused. Any
// degraded subscriber flips the lens stats' Healthy flag.
func (q Quality) Degraded() bool {
	switch q {
	case QualityLow, QualityMinimal, QualityPaused:
		return true
	default:
		return false
	}
}
