package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vitalmesh/telemetry-core/internal/infrastructure/metrics"
	"github.com/vitalmesh/telemetry-core/internal/infrastructure/mqtt"
	"github.com/vitalmesh/telemetry-core/internal/telemetry"
)

// Consumer is a lens entry point the router fans measurements into.
// Route and RouteBatch are fire-and-forget: they buffer and return, and
// must never block the caller.
type Consumer interface {
	Name() string
	Route(sensorID string, m telemetry.Measurement)
	RouteBatch(sensorID string, ms []telemetry.Measurement)
}

// Bus is the upstream subscription surface the router gates on demand.
// Satisfied by mqtt.Client.
type Bus interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Logger defines the logging interface used by the Router.
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

// Router gates the upstream bus subscription on consumer demand and
// forwards every inbound measurement to each registered lens.
//
// Thread Safety: all methods are safe for concurrent use. Control-plane
// mutations run on the router's own goroutine; the inbound handler only
// reads a locked snapshot of the consumer set.
type Router struct {
	bus   Bus
	tiers []string

	// logger may be swapped at runtime while the actor and the inbound
	// handler are reading it, so access goes through getLogger.
	logger   Logger
	loggerMu sync.RWMutex

	// consumers is written only by the actor goroutine and read by the
	// inbound handler under the read lock.
	consumers   map[string]Consumer
	consumersMu sync.RWMutex

	// subscribed mirrors whether the ingest subscriptions are active.
	// Actor-owned; exposed to Stats via the mailbox.
	subscribed bool

	cmds      chan command
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

type command interface{}

type registerCmd struct {
	consumer Consumer
	done     <-chan struct{}
	reply    chan error
}

type unregisterCmd struct {
	name  string
	reply chan struct{}
}

type listCmd struct {
	reply chan []string
}

type statsCmd struct {
	reply chan Stats
}

// Stats is a diagnostic snapshot of the router.
type Stats struct {
	Consumers  []string `json:"consumers"`
	Subscribed bool     `json:"subscribed"`
	Forwarded  uint64   `json:"forwarded"`
	Dropped    uint64   `json:"dropped"`
}

// New creates a router gating the given importance tiers on demand.
// Call Close to release the actor goroutine and drop any subscriptions.
func New(bus Bus, tiers []string) *Router {
	r := &Router{
		bus:       bus,
		tiers:     tiers,
		logger:    noopLogger{},
		consumers: make(map[string]Consumer),
		cmds:      make(chan command),
		closed:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// SetLogger sets the logger for the router. Safe to call while the
// router is running.
func (r *Router) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// getLogger returns the current logger.
func (r *Router) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// Register adds a consumer, subscribing to the ingest topics if this is
// the first one. Registering an already-registered name is a no-op: no
// duplicate monitors or subscriptions result.
//
// Parameters:
//   - c: The lens entry point to fan measurements into
//   - done: Optional liveness channel; when closed, the consumer is
//     auto-removed as if Unregister had been called. May be nil.
//
// Returns:
//   - error: ErrClosed, ErrInvalidConsumer, or a subscribe failure
func (r *Router) Register(c Consumer, done <-chan struct{}) error {
	if c == nil || c.Name() == "" {
		return ErrInvalidConsumer
	}
	cmd := registerCmd{consumer: c, done: done, reply: make(chan error, 1)}
	select {
	case r.cmds <- cmd:
		return <-cmd.reply
	case <-r.closed:
		return ErrClosed
	}
}

// Unregister removes a consumer by name, unsubscribing from the ingest
// topics if the set becomes empty. Safe no-op for unknown names.
func (r *Router) Unregister(name string) {
	cmd := unregisterCmd{name: name, reply: make(chan struct{}, 1)}
	select {
	case r.cmds <- cmd:
		<-cmd.reply
	case <-r.closed:
	}
}

// ListRegistered returns the names of all registered consumers.
func (r *Router) ListRegistered() []string {
	cmd := listCmd{reply: make(chan []string, 1)}
	select {
	case r.cmds <- cmd:
		return <-cmd.reply
	case <-r.closed:
		return nil
	}
}

// Stats returns a diagnostic snapshot.
func (r *Router) Stats() Stats {
	cmd := statsCmd{reply: make(chan Stats, 1)}
	select {
	case r.cmds <- cmd:
		return <-cmd.reply
	case <-r.closed:
		return Stats{}
	}
}

// Close shuts the router down, dropping any active subscriptions.
// Registered consumers are not notified; they outlive the router.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	r.wg.Wait()
}

// run is the actor loop owning the consumer set and subscription state.
func (r *Router) run() {
	defer r.wg.Done()

	for {
		select {
		case cmd := <-r.cmds:
			r.handle(cmd)
		case <-r.closed:
			if r.subscribed {
				r.unsubscribeAll()
			}
			return
		}
	}
}

func (r *Router) handle(cmd command) {
	switch cmd := cmd.(type) {
	case registerCmd:
		cmd.reply <- r.register(cmd.consumer, cmd.done)
	case unregisterCmd:
		r.unregister(cmd.name)
		cmd.reply <- struct{}{}
	case listCmd:
		names := make([]string, 0, len(r.consumers))
		for name := range r.consumers {
			names = append(names, name)
		}
		cmd.reply <- names
	case statsCmd:
		stats := Stats{
			Subscribed: r.subscribed,
			Forwarded:  r.forwarded.Load(),
			Dropped:    r.dropped.Load(),
		}
		for name := range r.consumers {
			stats.Consumers = append(stats.Consumers, name)
		}
		cmd.reply <- stats
	}
}

// register runs on the actor goroutine.
func (r *Router) register(c Consumer, done <-chan struct{}) error {
	name := c.Name()
	if _, exists := r.consumers[name]; exists {
		r.getLogger().Debug("consumer already registered", "consumer", name)
		return nil
	}

	wasEmpty := len(r.consumers) == 0

	r.consumersMu.Lock()
	r.consumers[name] = c
	r.consumersMu.Unlock()

	if wasEmpty && !r.subscribed {
		if err := r.subscribeAll(); err != nil {
			r.consumersMu.Lock()
			delete(r.consumers, name)
			r.consumersMu.Unlock()
			return err
		}
		r.subscribed = true
	}

	if done != nil {
		go r.monitor(name, done)
	}

	r.getLogger().Info("consumer registered", "consumer", name, "total", len(r.consumers))
	return nil
}

// unregister runs on the actor goroutine.
func (r *Router) unregister(name string) {
	if _, exists := r.consumers[name]; !exists {
		return
	}

	r.consumersMu.Lock()
	delete(r.consumers, name)
	r.consumersMu.Unlock()

	if len(r.consumers) == 0 && r.subscribed {
		r.unsubscribeAll()
		r.subscribed = false
	}

	r.getLogger().Info("consumer unregistered", "consumer", name, "remaining", len(r.consumers))
}

// monitor auto-removes a consumer when its liveness channel closes.
// Racing against an explicit Unregister is safe: removal is idempotent.
func (r *Router) monitor(name string, done <-chan struct{}) {
	select {
	case <-done:
		r.getLogger().Debug("consumer terminated, removing", "consumer", name)
		r.Unregister(name)
	case <-r.closed:
	}
}

// subscribeAll subscribes the inbound handler to every importance tier.
func (r *Router) subscribeAll() error {
	topics := mqtt.Topics{}
	for i, tier := range r.tiers {
		if err := r.bus.Subscribe(topics.AllIngest(tier), 0, r.handleMessage); err != nil {
			// Roll back the tiers already subscribed so demand gating
			// stays all-or-nothing.
			for _, prev := range r.tiers[:i] {
				r.bus.Unsubscribe(topics.AllIngest(prev))
			}
			return fmt.Errorf("subscribing tier %s: %w", tier, err)
		}
	}
	r.getLogger().Info("subscribed to ingest topics", "tiers", r.tiers)
	return nil
}

// unsubscribeAll drops every ingest subscription.
func (r *Router) unsubscribeAll() {
	topics := mqtt.Topics{}
	for _, tier := range r.tiers {
		if err := r.bus.Unsubscribe(topics.AllIngest(tier)); err != nil {
			r.getLogger().Warn("unsubscribe failed", "tier", tier, "error", err)
		}
	}
	r.getLogger().Info("unsubscribed from ingest topics")
}

// handleMessage is the bus callback: decode, validate, fan out.
// It runs on paho's goroutines and never touches actor-owned state.
func (r *Router) handleMessage(topic string, payload []byte) error {
	parsed, err := mqtt.ParseIngestTopic(topic)
	if err != nil {
		r.dropped.Add(1)
		metrics.MeasurementsDroppedTotal.WithLabelValues("unknown_topic").Inc()
		r.getLogger().Debug("dropping message on unrecognised topic", "topic", topic)
		return nil
	}

	if parsed.Batch {
		batch, err := telemetry.DecodeBatch(payload)
		if err != nil {
			r.dropped.Add(1)
			metrics.MeasurementsDroppedTotal.WithLabelValues("malformed").Inc()
			r.getLogger().Debug("dropping malformed batch", "sensor_id", parsed.SensorID, "error", err)
			return nil
		}
		metrics.MeasurementsReceivedTotal.WithLabelValues(parsed.Tier).Add(float64(len(batch.Measurements)))
		r.forward(func(c Consumer) { c.RouteBatch(batch.SensorID, batch.Measurements) })
		return nil
	}

	m, err := telemetry.DecodeMeasurement(payload)
	if err != nil {
		r.dropped.Add(1)
		metrics.MeasurementsDroppedTotal.WithLabelValues("malformed").Inc()
		r.getLogger().Debug("dropping malformed measurement", "sensor_id", parsed.SensorID, "error", err)
		return nil
	}
	metrics.MeasurementsReceivedTotal.WithLabelValues(parsed.Tier).Inc()
	r.forward(func(c Consumer) { c.Route(m.SensorID, m) })
	return nil
}

// forward fans one inbound message into every registered consumer,
// isolating failures per forward: a panicking lens is logged and skipped,
// never allowed to stop delivery to the others.
func (r *Router) forward(deliver func(Consumer)) {
	r.consumersMu.RLock()
	consumers := make([]Consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		consumers = append(consumers, c)
	}
	r.consumersMu.RUnlock()

	for _, c := range consumers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.getLogger().Error("lens entry point panicked",
						"consumer", c.Name(),
						"panic", rec,
					)
				}
			}()
			deliver(c)
		}()
	}
	r.forwarded.Add(1)
}
