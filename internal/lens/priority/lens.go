package priority

import (
	"context"
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
const lensName = "priority"

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

// registration is the actor-owned state for one subscriber.
//
// gen identifies the registration instance (owner watches compare it);
// timerGen identifies the current flush timer chain and is bumped on every
// re-arm-with-invalidate (registration replacement, quality change) so a
// flush command already queued for the old timer fails its check instead
// of re-arming a second chain.
type registration struct {
	id       string
	gen      uint64
	timerGen uint64
	owner    context.Context
	quality  Quality
	focused  string
	topic    string
	timer    *time.Timer

	// interest is the full requested set; indexed is the subset currently
	// present in the reverse index (capped by the tier's MaxSensors, plus
	// the focused key).
	interest map[string]struct{}
	indexed  map[string]struct{}
}

// Registration is a diagnostic snapshot of one subscriber's state.
type Registration struct {
	ID           string   `json:"id"`
	InterestSet  []string `json:"interest_set"`
	Quality      Quality  `json:"quality"`
	FocusedKey   string   `json:"focused_key,omitempty"`
	PrivateTopic string   `json:"private_topic"`
}

// Stats is a diagnostic snapshot of the lens.
type Stats struct {
	Subscribers int             `json:"subscribers"`
	ByQuality   map[Quality]int `json:"by_quality"`

	// Healthy is false while any subscriber sits below medium or paused —
	// a cheap aggregate signal that the platform is shedding load.
	Healthy bool `json:"healthy"`
}

// Lens is the per-subscriber adaptive delivery engine.
//
// Thread Safety: all methods are safe for concurrent use. Registration
// state, the reverse index and timer handles are owned by one actor
// goroutine; Route/RouteBatch only read the index under a read lock and
// write into the buffer store.
type Lens struct {
	pub        Publisher
	store      *buffer.Store
	specs      map[Quality]TierSpec
	highFreq   map[string]struct{}
	sweepEvery time.Duration

	// logger may be swapped at runtime while the actor and the routing
	// path are reading it, so access goes through getLogger.
	logger   Logger
	loggerMu sync.RWMutex

	// regs is touched only by the actor goroutine.
	regs map[string]*registration

	// gen is bumped per registration so stale timers and owner watches
	// can be recognised and ignored. Actor-owned.
	gen uint64

	// index maps sensor → subscriber → delivery mode. Written only by the
	// actor under the write lock; read by the routing path.
	index   map[string]map[string]DeliveryMode
	indexMu sync.RWMutex

	cmds      chan command
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type command interface{}

type registerCmd struct {
	owner    context.Context
	id       string
	interest []string
	quality  Quality
	focused  string
	reply    chan string
}

type unregisterCmd struct {
	id    string
	reply chan struct{}
}

type setQualityCmd struct {
	id      string
	quality Quality
	reply   chan struct{}
}

type setInterestCmd struct {
	id      string
	sensors []string
	reply   chan struct{}
}

type setFocusedCmd struct {
	id    string
	key   string
	reply chan struct{}
}

type flushCmd struct {
	id  string
	gen uint64
}

type ownerDoneCmd struct {
	id  string
	gen uint64
}

type getRegCmd struct {
	id    string
	reply chan *Registration
}

type statsCmd struct {
	reply chan Stats
}

// New creates a priority lens publishing through pub. Call Close to stop
// the actor, cancel all timers and discard buffered data.
func New(pub Publisher, cfg config.PriorityLensConfig) *Lens {
	hf := make(map[string]struct{}, len(cfg.HighFrequencyAttributes))
	for _, attr := range cfg.HighFrequencyAttributes {
		hf[attr] = struct{}{}
	}
	sweep := time.Duration(cfg.IdleSweepIntervalMS) * time.Millisecond
	if sweep <= 0 {
		sweep = 30 * time.Second
	}

	l := &Lens{
		pub:        pub,
		store:      buffer.NewStore(),
		specs:      tierSpecs(cfg),
		highFreq:   hf,
		sweepEvery: sweep,
		logger:     noopLogger{},
		regs:       make(map[string]*registration),
		index:      make(map[string]map[string]DeliveryMode),
		cmds:       make(chan command),
		done:       make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
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

// Register creates (or replaces) a subscriber registration and returns its
// deterministic private delivery topic.
//
// The owner context is the registration's lifecycle: cancelling it removes
// every registration that shares it, without an explicit Unregister call.
// Re-registering an existing subscriber ID replaces the prior state and
// cancels its timer first, so no duplicate timers or index entries result.
//
// Parameters:
//   - owner: Lifecycle context of the owning connection (may be
//     context.Background() for registrations managed explicitly)
//   - id: Subscriber identifier, unique per registration
//   - interest: Sensor IDs the subscriber wants to follow
//   - quality: Tier name; empty string selects high
//   - focused: Optional sensor ID exempt from tier interest limits
//
// Returns:
//   - string: The private topic deliveries will be published on
//   - error: ErrInvalidSubscriber, ErrUnknownQuality, or ErrClosed
func (l *Lens) Register(owner context.Context, id string, interest []string, quality, focused string) (string, error) {
	if id == "" {
		return "", ErrInvalidSubscriber
	}
	q, err := ParseQuality(quality)
	if err != nil {
		return "", err
	}

	cmd := registerCmd{
		owner:    owner,
		id:       id,
		interest: interest,
		quality:  q,
		focused:  focused,
		reply:    make(chan string, 1),
	}
	select {
	case l.cmds <- cmd:
		return <-cmd.reply, nil
	case <-l.done:
		return "", ErrClosed
	}
}

// Unregister removes a subscriber: its timer is cancelled, buffered data
// discarded, and reverse-index membership cleared. No-op if absent.
func (l *Lens) Unregister(id string) {
	cmd := unregisterCmd{id: id, reply: make(chan struct{}, 1)}
	select {
	case l.cmds <- cmd:
		<-cmd.reply
	case <-l.done:
	}
}

// SetQuality moves a subscriber to a new tier, re-arming its flush timer
// at the tier's cadence. Nothing is flushed immediately. Unknown
// subscriber IDs are a no-op; only an unknown tier name is an error.
func (l *Lens) SetQuality(id, quality string) error {
	q, err := ParseQuality(quality)
	if err != nil {
		return err
	}
	cmd := setQualityCmd{id: id, quality: q, reply: make(chan struct{}, 1)}
	select {
	case l.cmds <- cmd:
		<-cmd.reply
	case <-l.done:
	}
	return nil
}

// SetInterest replaces a subscriber's interest set, applying the minimal
// add/remove delta to the reverse index. The focused key's membership is
// untouched. No-op for unknown subscribers.
func (l *Lens) SetInterest(id string, sensors []string) {
	cmd := setInterestCmd{id: id, sensors: sensors, reply: make(chan struct{}, 1)}
	select {
	case l.cmds <- cmd:
		<-cmd.reply
	case <-l.done:
	}
}

// SetFocused updates a subscriber's focused sensor. The focused key is
// always treated as interesting and is exempt from the tier's MaxSensors
// limit. An empty key clears the focus. No-op for unknown subscribers.
func (l *Lens) SetFocused(id, key string) {
	cmd := setFocusedCmd{id: id, key: key, reply: make(chan struct{}, 1)}
	select {
	case l.cmds <- cmd:
		<-cmd.reply
	case <-l.done:
	}
}

// Route buffers one measurement for every subscriber interested in its
// sensor. Fire-and-forget: it never blocks on the actor.
func (l *Lens) Route(sensorID string, m telemetry.Measurement) {
	l.routeMany(sensorID, []telemetry.Measurement{m})
}

// RouteBatch buffers a measurement batch for every interested subscriber.
func (l *Lens) RouteBatch(sensorID string, ms []telemetry.Measurement) {
	l.routeMany(sensorID, ms)
}

type target struct {
	id   string
	mode DeliveryMode
}

func (l *Lens) routeMany(sensorID string, ms []telemetry.Measurement) {
	l.indexMu.RLock()
	subs := l.index[sensorID]
	targets := make([]target, 0, len(subs))
	for id, mode := range subs {
		targets = append(targets, target{id: id, mode: mode})
	}
	l.indexMu.RUnlock()

	if len(targets) == 0 {
		return
	}

	for _, t := range targets {
		buf, ok := l.store.Get(t.id)
		if !ok {
			// Legitimate race with unregistration: drop and count.
			metrics.MeasurementsDroppedTotal.WithLabelValues("no_buffer").Inc()
			l.getLogger().Debug("dropping write for missing buffer", "subscriber_id", t.id, "sensor_id", sensorID)
			continue
		}
		for _, m := range ms {
			key := buffer.Key{SensorID: m.SensorID, AttributeID: m.AttributeID}
			switch {
			case t.mode == DeliverDigest:
				buf.Accumulate(key, m)
			case t.mode == DeliverRaw && l.isHighFrequency(m.AttributeID):
				buf.Append(key, m)
			default:
				// Raw scalar attributes, and everything for paused
				// subscribers: overwrite-latest keeps memory bounded.
				buf.PutLatest(key, m)
			}
		}
	}
}

func (l *Lens) isHighFrequency(attributeID string) bool {
	_, ok := l.highFreq[attributeID]
	return ok
}

// GetRegistration returns a snapshot of one subscriber's state.
func (l *Lens) GetRegistration(id string) (Registration, bool) {
	cmd := getRegCmd{id: id, reply: make(chan *Registration, 1)}
	select {
	case l.cmds <- cmd:
		if reg := <-cmd.reply; reg != nil {
			return *reg, true
		}
		return Registration{}, false
	case <-l.done:
		return Registration{}, false
	}
}

// GetSubscribersFor returns the IDs of all subscribers the reverse index
// holds for a sensor, sorted for stable output.
func (l *Lens) GetSubscribersFor(sensorID string) []string {
	l.indexMu.RLock()
	subs := l.index[sensorID]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	l.indexMu.RUnlock()

	sort.Strings(ids)
	return ids
}

// GetStats returns current lens statistics.
func (l *Lens) GetStats() Stats {
	cmd := statsCmd{reply: make(chan Stats, 1)}
	select {
	case l.cmds <- cmd:
		return <-cmd.reply
	case <-l.done:
		return Stats{ByQuality: map[Quality]int{}}
	}
}

// Close shuts the lens down: all timers are cancelled and undelivered
// buffered data is discarded.
func (l *Lens) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}

// run is the actor loop owning registrations, the reverse index and timers.
func (l *Lens) run() {
	defer l.wg.Done()

	sweep := time.NewTicker(l.sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case cmd := <-l.cmds:
			l.handle(cmd)
		case <-sweep.C:
			l.sweepDeadOwners()
		case <-l.done:
			for _, reg := range l.regs {
				reg.timer.Stop()
			}
			return
		}
	}
}

func (l *Lens) handle(cmd command) {
	switch cmd := cmd.(type) {
	case registerCmd:
		cmd.reply <- l.register(cmd)
	case unregisterCmd:
		l.unregister(cmd.id)
		cmd.reply <- struct{}{}
	case setQualityCmd:
		l.setQuality(cmd.id, cmd.quality)
		cmd.reply <- struct{}{}
	case setInterestCmd:
		l.setInterest(cmd.id, cmd.sensors)
		cmd.reply <- struct{}{}
	case setFocusedCmd:
		l.setFocused(cmd.id, cmd.key)
		cmd.reply <- struct{}{}
	case flushCmd:
		l.flush(cmd.id, cmd.gen)
	case ownerDoneCmd:
		if reg, ok := l.regs[cmd.id]; ok && reg.gen == cmd.gen {
			l.getLogger().Info("owner terminated, cleaning up", "subscriber_id", cmd.id)
			l.unregister(cmd.id)
		}
	case getRegCmd:
		cmd.reply <- l.snapshot(cmd.id)
	case statsCmd:
		cmd.reply <- l.stats()
	}
}

// register runs on the actor goroutine.
func (l *Lens) register(cmd registerCmd) string {
	if old, ok := l.regs[cmd.id]; ok {
		// Replacement: cancel the old timer and discard prior state first.
		old.timer.Stop()
		l.removeFromIndex(old, nil)
		l.store.Drop(old.id)
	}

	l.gen++
	reg := &registration{
		id:       cmd.id,
		gen:      l.gen,
		timerGen: l.gen,
		owner:    cmd.owner,
		quality:  cmd.quality,
		focused:  cmd.focused,
		topic:    mqtt.Topics{}.PrioritySubscriber(cmd.id),
		interest: make(map[string]struct{}, len(cmd.interest)),
		indexed:  make(map[string]struct{}),
	}
	for _, sensor := range cmd.interest {
		reg.interest[sensor] = struct{}{}
	}

	l.regs[cmd.id] = reg
	l.store.Create(cmd.id)
	l.reindex(reg)
	l.armTimer(reg)
	l.watchOwner(reg)

	metrics.PrioritySubscribers.Set(float64(len(l.regs)))
	l.getLogger().Info("subscriber registered",
		"subscriber_id", cmd.id,
		"quality", cmd.quality,
		"interest", len(reg.interest),
		"topic", reg.topic,
	)
	return reg.topic
}

// unregister runs on the actor goroutine. Safe no-op for unknown IDs.
func (l *Lens) unregister(id string) {
	reg, ok := l.regs[id]
	if !ok {
		return
	}
	reg.timer.Stop()
	l.removeFromIndex(reg, nil)
	l.store.Drop(id)
	delete(l.regs, id)

	metrics.PrioritySubscribers.Set(float64(len(l.regs)))
	l.getLogger().Info("subscriber unregistered", "subscriber_id", id)
}

// setQuality runs on the actor goroutine.
func (l *Lens) setQuality(id string, q Quality) {
	reg, ok := l.regs[id]
	if !ok {
		return
	}
	reg.quality = q
	reg.timer.Stop()
	// Stop cannot retract a flush command the old timer already queued;
	// a fresh timer generation makes that command a no-op so only one
	// flush chain survives the change.
	l.gen++
	reg.timerGen = l.gen
	l.reindex(reg)
	l.armTimer(reg)
	l.getLogger().Debug("quality changed", "subscriber_id", id, "quality", q)
}

// setInterest runs on the actor goroutine.
func (l *Lens) setInterest(id string, sensors []string) {
	reg, ok := l.regs[id]
	if !ok {
		return
	}
	reg.interest = make(map[string]struct{}, len(sensors))
	for _, sensor := range sensors {
		reg.interest[sensor] = struct{}{}
	}
	l.reindex(reg)
	l.getLogger().Debug("interest replaced", "subscriber_id", id, "sensors", len(sensors))
}

// setFocused runs on the actor goroutine.
func (l *Lens) setFocused(id, key string) {
	reg, ok := l.regs[id]
	if !ok {
		return
	}
	reg.focused = key
	l.reindex(reg)
	l.getLogger().Debug("focus changed", "subscriber_id", id, "focused_key", key)
}

// effectiveSensors computes which sensors a registration should occupy in
// the reverse index: the interest set capped at the tier's MaxSensors
// (lexicographically first, for determinism), plus the focused key, which
// is exempt from the cap.
func (l *Lens) effectiveSensors(reg *registration) map[string]struct{} {
	spec := l.specs[reg.quality]

	var kept []string
	if spec.MaxSensors == 0 || len(reg.interest) <= spec.MaxSensors {
		kept = make([]string, 0, len(reg.interest))
		for sensor := range reg.interest {
			kept = append(kept, sensor)
		}
	} else {
		all := make([]string, 0, len(reg.interest))
		for sensor := range reg.interest {
			all = append(all, sensor)
		}
		sort.Strings(all)
		kept = all[:spec.MaxSensors]
	}

	effective := make(map[string]struct{}, len(kept)+1)
	for _, sensor := range kept {
		effective[sensor] = struct{}{}
	}
	if reg.focused != "" {
		effective[reg.focused] = struct{}{}
	}
	return effective
}

// reindex recomputes a registration's reverse-index membership and applies
// the minimal add/remove delta. Runs on the actor goroutine.
func (l *Lens) reindex(reg *registration) {
	effective := l.effectiveSensors(reg)
	mode := l.specs[reg.quality].Mode

	l.indexMu.Lock()
	defer l.indexMu.Unlock()

	for sensor := range reg.indexed {
		if _, keep := effective[sensor]; !keep {
			if subs := l.index[sensor]; subs != nil {
				delete(subs, reg.id)
				if len(subs) == 0 {
					delete(l.index, sensor)
				}
			}
		}
	}
	for sensor := range effective {
		subs := l.index[sensor]
		if subs == nil {
			subs = make(map[string]DeliveryMode)
			l.index[sensor] = subs
		}
		subs[reg.id] = mode
	}
	reg.indexed = effective
}

// removeFromIndex removes a registration from the reverse index entirely
// (keep == nil) and runs on the actor goroutine.
func (l *Lens) removeFromIndex(reg *registration, keep map[string]struct{}) {
	l.indexMu.Lock()
	defer l.indexMu.Unlock()

	for sensor := range reg.indexed {
		if keep != nil {
			if _, ok := keep[sensor]; ok {
				continue
			}
		}
		if subs := l.index[sensor]; subs != nil {
			delete(subs, reg.id)
			if len(subs) == 0 {
				delete(l.index, sensor)
			}
		}
	}
	reg.indexed = make(map[string]struct{})
}

// armTimer schedules the next flush for a registration. The timer
// generation check in flush() makes a timer that fires after replacement
// or a quality change a no-op.
func (l *Lens) armTimer(reg *registration) {
	id, gen := reg.id, reg.timerGen
	interval := l.specs[reg.quality].Interval
	reg.timer = time.AfterFunc(interval, func() {
		select {
		case l.cmds <- flushCmd{id: id, gen: gen}:
		case <-l.done:
		}
	})
}

// watchOwner arms the liveness monitor for a registration's owning
// context. All registrations sharing an owner context are removed when it
// is cancelled; the generation check tolerates the watch racing a
// replacement or explicit unregister.
func (l *Lens) watchOwner(reg *registration) {
	if reg.owner == nil || reg.owner.Done() == nil {
		return
	}
	id, gen, ownerDone := reg.id, reg.gen, reg.owner.Done()
	go func() {
		select {
		case <-ownerDone:
			select {
			case l.cmds <- ownerDoneCmd{id: id, gen: gen}:
			case <-l.done:
			}
		case <-l.done:
		}
	}()
}

// sweepDeadOwners is the safety net behind watchOwner: any registration
// whose owner context is already done gets cleaned up even if its watch
// goroutine was lost. Runs on the actor goroutine.
func (l *Lens) sweepDeadOwners() {
	var dead []string
	for id, reg := range l.regs {
		if reg.owner != nil && reg.owner.Err() != nil {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		l.getLogger().Info("sweep removing registration with dead owner", "subscriber_id", id)
		l.unregister(id)
	}
}

// flush drains and delivers one subscriber's buffer, then re-arms the
// timer. Runs on the actor goroutine; a stale timer generation is a
// no-op, so an invalidated timer chain ends here instead of re-arming.
func (l *Lens) flush(id string, gen uint64) {
	reg, ok := l.regs[id]
	if !ok || reg.timerGen != gen {
		return
	}

	entries, _ := l.store.Drain(id)
	spec := l.specs[reg.quality]

	// Empty buffers produce silence, not an empty message. Paused
	// subscribers drain and discard so memory stays bounded.
	if len(entries) > 0 && spec.Mode != DeliverNothing {
		payload, err := buildPayload(spec.Mode, entries)
		if err != nil {
			l.getLogger().Error("building flush payload", "subscriber_id", id, "error", err)
		} else if err := l.pub.Publish(reg.topic, payload, 0, false); err != nil {
			metrics.PublishFailuresTotal.WithLabelValues(lensName).Inc()
			l.getLogger().Warn("flush publish failed", "subscriber_id", id, "error", err)
		} else {
			metrics.LensFlushesTotal.WithLabelValues(lensName).Inc()
		}
	}

	l.armTimer(reg)
}

// snapshot runs on the actor goroutine.
func (l *Lens) snapshot(id string) *Registration {
	reg, ok := l.regs[id]
	if !ok {
		return nil
	}
	interest := make([]string, 0, len(reg.interest))
	for sensor := range reg.interest {
		interest = append(interest, sensor)
	}
	sort.Strings(interest)
	return &Registration{
		ID:           reg.id,
		InterestSet:  interest,
		Quality:      reg.quality,
		FocusedKey:   reg.focused,
		PrivateTopic: reg.topic,
	}
}

// stats runs on the actor goroutine.
func (l *Lens) stats() Stats {
	s := Stats{
		Subscribers: len(l.regs),
		ByQuality:   make(map[Quality]int),
		Healthy:     true,
	}
	for _, reg := range l.regs {
		s.ByQuality[reg.quality]++
		if reg.quality.Degraded() {
			s.Healthy = false
		}
	}
	return s
}
