package throttled

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/vitalmesh/telemetry-core/internal/buffer"
	"github.com/vitalmesh/telemetry-core/internal/infrastructure/config"
	"github.com/vitalmesh/telemetry-core/internal/infrastructure/metrics"
	"github.com/vitalmesh/telemetry-core/internal/infrastructure/mqtt"
	"github.com/vitalmesh/telemetry-core/internal/telemetry"
)

// lensName labels this lens in router registration, logs and metrics.
const lensName = "throttled"

// Publisher is the downstream delivery surface. Satisfied by mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Logger defines the logging interface used by the lens.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Stats is a diagnostic snapshot of the lens.
type Stats struct {
	RatesHz     []int `json:"rates_hz"`
	ClearRateHz int   `json:"clear_rate_hz"`
	Buffered    int   `json:"buffered"`
}

// Lens is the fixed-rate broadcast engine. All methods are safe for
// concurrent use; the shared table carries its own lock and each rate
// tier flushes from its own goroutine.
type Lens struct {
	pub   Publisher
	buf   *buffer.Buffer
	rates []int
	clear int

	// logger may be swapped at runtime while the broadcast loops are
	// reading it, so access goes through getLogger.
	logger   Logger
	loggerMu sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a throttled lens and starts one flush loop per configured
// rate. Rates and the clearing rate are assumed validated by config;
// a zero clearing rate selects the fastest.
func New(pub Publisher, cfg config.ThrottledLensConfig) *Lens {
	rates := append([]int(nil), cfg.RatesHz...)
	sort.Sort(sort.Reverse(sort.IntSlice(rates)))

	clearRate := cfg.ClearRateHz
	if clearRate == 0 && len(rates) > 0 {
		clearRate = rates[0]
	}

	l := &Lens{
		pub:    pub,
		buf:    buffer.New(),
		rates:  rates,
		clear:  clearRate,
		logger: noopLogger{},
		done:   make(chan struct{}),
	}
	for _, hz := range rates {
		l.wg.Add(1)
		go l.broadcast(hz)
	}
	return l
}

// SetLogger sets the logger for the lens. Safe to call while the lens is
// running.
func (l *Lens) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

// getLogger returns the current logger.
func (l *Lens) getLogger() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

// Name identifies the lens to the router.
func (l *Lens) Name() string { return lensName }

// Done is closed when the lens shuts down; the router uses it as the
// liveness channel to auto-remove this consumer.
func (l *Lens) Done() <-chan struct{} { return l.done }

// Rates returns the configured broadcast rates, fastest first.
func (l *Lens) Rates() []int {
	return append([]int(nil), l.rates...)
}

// TopicFor returns the broadcast topic for one rate tier.
func (l *Lens) TopicFor(hz int) string {
	return mqtt.Topics{}.ThrottledRate(hz)
}

// Route records the newest value for a sensor attribute. Overwrite-latest
// always: between broadcasts only the final write per key survives.
func (l *Lens) Route(sensorID string, m telemetry.Measurement) {
	l.buf.PutLatest(buffer.Key{SensorID: m.SensorID, AttributeID: m.AttributeID}, m)
}

// RouteBatch records the newest value per attribute from a batch.
func (l *Lens) RouteBatch(sensorID string, ms []telemetry.Measurement) {
	for _, m := range ms {
		l.Route(sensorID, m)
	}
}

// GetStats returns current lens statistics.
func (l *Lens) GetStats() Stats {
	return Stats{
		RatesHz:     l.Rates(),
		ClearRateHz: l.clear,
		Buffered:    l.buf.Len(),
	}
}

// Close stops every broadcast loop and discards undelivered values.
func (l *Lens) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}

// broadcast is the flush loop for one rate tier.
func (l *Lens) broadcast(hz int) {
	defer l.wg.Done()

	topic := mqtt.Topics{}.ThrottledRate(hz)
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flush(hz, topic)
		case <-l.done:
			return
		}
	}
}

// flush publishes the current table on one rate's topic. Only the
// clearing rate drains; the others snapshot, so slower consumers see the
// accumulation since the last clearing tick rather than a near-empty
// window.
func (l *Lens) flush(hz int, topic string) {
	var entries map[buffer.Key]buffer.Entry
	if hz == l.clear {
		drained := l.buf.DrainAll()
		if drained != nil {
			entries = make(map[buffer.Key]buffer.Entry, len(drained))
			for k, e := range drained {
				entries[k] = *e
			}
		}
	} else {
		entries = l.buf.Snapshot()
	}
	if len(entries) == 0 {
		return
	}

	payload, err := buildBroadcastPayload(entries)
	if err != nil {
		l.getLogger().Error("building broadcast payload", "rate_hz", hz, "error", err)
		return
	}
	if err := l.pub.Publish(topic, payload, 0, false); err != nil {
		metrics.PublishFailuresTotal.WithLabelValues(lensName).Inc()
		l.getLogger().Warn("broadcast publish failed", "rate_hz", hz, "error", err)
		return
	}
	metrics.LensFlushesTotal.WithLabelValues(lensName).Inc()
}

// buildBroadcastPayload serialises the table as {sensor: {attribute: payload}}.
func buildBroadcastPayload(entries map[buffer.Key]buffer.Entry) ([]byte, error) {
	grouped := make(map[string]map[string]any)
	for key, e := range entries {
		attrs := grouped[key.SensorID]
		if attrs == nil {
			attrs = make(map[string]any)
			grouped[key.SensorID] = attrs
		}
		attrs[key.AttributeID] = e.Latest.Payload
	}
	return json.Marshal(grouped)
}
