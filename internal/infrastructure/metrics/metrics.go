package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors for the minimal counters this core needs. Everything heavier
// (per-subscriber series, latency histograms) is deliberately left to the
// platform's external health collection.
var (
	// MeasurementsReceivedTotal counts measurements accepted at the router
	// boundary, labelled by importance tier. Batches count each contained
	// measurement.
	MeasurementsReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitalmesh_measurements_received_total",
		Help: "Total measurements accepted at the router boundary",
	}, []string{"tier"})

	// MeasurementsDroppedTotal counts measurements dropped before routing,
	// labelled by reason (malformed, unknown_topic, no_buffer).
	MeasurementsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitalmesh_measurements_dropped_total",
		Help: "Total measurements dropped before delivery",
	}, []string{"reason"})

	// LensFlushesTotal counts flush cycles that published a message,
	// labelled by lens (priority, throttled).
	LensFlushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitalmesh_lens_flushes_total",
		Help: "Total lens flushes that published a delivery",
	}, []string{"lens"})

	// PublishFailuresTotal counts failed bus publishes, labelled by lens.
	PublishFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitalmesh_publish_failures_total",
		Help: "Total failed publishes to the measurement bus",
	}, []string{"lens"})

	// PrioritySubscribers tracks the current number of priority-lens
	// registrations.
	PrioritySubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vitalmesh_priority_subscribers",
		Help: "Current number of priority lens registrations",
	})
)

// registry is private so tests and repeated Handler calls never trip
// duplicate-registration panics on the global default registry.
var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		MeasurementsReceivedTotal,
		MeasurementsDroppedTotal,
		LensFlushesTotal,
		PublishFailuresTotal,
		PrioritySubscribers,
	)
}

// Handler returns the HTTP handler serving the /metrics exposition.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
