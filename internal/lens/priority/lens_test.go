package priority

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vitalmesh/telemetry-core/internal/infrastructure/config"
	"github.com/vitalmesh/telemetry-core/internal/telemetry"
)

// mockPublisher records published messages.
type mockPublisher struct {
	mu   sync.Mutex
	msgs []publishedMsg
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func (p *mockPublisher) Publish(topic string, payload []byte, _ byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, publishedMsg{topic: topic, payload: payload})
	return nil
}

func (p *mockPublisher) published() []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMsg(nil), p.msgs...)
}

func (p *mockPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

// fastConfig shrinks every tier interval so tests complete quickly.
func fastConfig() config.PriorityLensConfig {
	return config.PriorityLensConfig{
		Tiers: map[string]config.QualityTierConfig{
			"high":    {IntervalMS: 20},
			"medium":  {IntervalMS: 25},
			"low":     {IntervalMS: 25},
			"minimal": {IntervalMS: 25},
			"paused":  {IntervalMS: 20},
		},
		HighFrequencyAttributes: []string{"ecg", "ppg"},
		IdleSweepIntervalMS:     50,
	}
}

func sample(sensor, attr string, payload any, ts int64) telemetry.Measurement {
	return telemetry.Measurement{
		SensorID:    sensor,
		AttributeID: attr,
		Payload:     payload,
		Timestamp:   ts,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRegister_ReturnsDeterministicTopic(t *testing.T) {
	l := New(&mockPublisher{}, fastConfig())
	defer l.Close()

	topic, err := l.Register(context.Background(), "chart-1", []string{"s1"}, "high", "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if topic != "vitalmesh/lens/priority/chart-1" {
		t.Errorf("topic = %q, want vitalmesh/lens/priority/chart-1", topic)
	}
}

func TestRegister_Validation(t *testing.T) {
	l := New(&mockPublisher{}, fastConfig())
	defer l.Close()

	if _, err := l.Register(context.Background(), "", nil, "high", ""); !errors.Is(err, ErrInvalidSubscriber) {
		t.Errorf("empty id error = %v, want ErrInvalidSubscriber", err)
	}
	if _, err := l.Register(context.Background(), "sub", nil, "turbo", ""); !errors.Is(err, ErrUnknownQuality) {
		t.Errorf("unknown quality error = %v, want ErrUnknownQuality", err)
	}
	// Empty quality defaults to high.
	if _, err := l.Register(context.Background(), "sub", nil, "", ""); err != nil {
		t.Errorf("default quality error = %v", err)
	}
}

func TestRegister_AfterClose(t *testing.T) {
	l := New(&mockPublisher{}, fastConfig())
	l.Close()

	if _, err := l.Register(context.Background(), "sub", nil, "high", ""); !errors.Is(err, ErrClosed) {
		t.Errorf("Register() after Close error = %v, want ErrClosed", err)
	}
}

func TestFlush_RawDelivery(t *testing.T) {
	pub := &mockPublisher{}
	l := New(pub, fastConfig())
	defer l.Close()

	topic, _ := l.Register(context.Background(), "sub-1", []string{"s1"}, "high", "")

	l.Route("s1", sample("s1", "hr", 72.0, 1000))
	l.Route("s1", sample("s1", "hr", 74.0, 2000))

	waitFor(t, time.Second, func() bool { return pub.count() >= 1 })

	msg := pub.published()[0]
	if msg.topic != topic {
		t.Errorf("published on %q, want %q", msg.topic, topic)
	}

	var body map[string]map[string]any
	if err := json.Unmarshal(msg.payload, &body); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	// Overwrite-latest: only the final hr value survives the window.
	if got := body["s1"]["hr"]; got != 74.0 {
		t.Errorf("hr = %v, want 74 (latest by arrival)", got)
	}
}

func TestFlush_HighFrequencySamples(t *testing.T) {
	pub := &mockPublisher{}
	l := New(pub, fastConfig())
	defer l.Close()

	l.Register(context.Background(), "sub-1", []string{"s1"}, "high", "")

	for i := int64(1); i <= 3; i++ {
		l.Route("s1", sample("s1", "ecg", float64(i)/10, i))
	}

	waitFor(t, time.Second, func() bool { return pub.count() >= 1 })

	var body map[string]map[string]any
	if err := json.Unmarshal(pub.published()[0].payload, &body); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	samples, ok := body["s1"]["ecg"].([]any)
	if !ok {
		t.Fatalf("ecg = %T, want sample list", body["s1"]["ecg"])
	}
	if len(samples) != 3 {
		t.Errorf("ecg samples = %d, want all 3 preserved", len(samples))
	}
}

func TestFlush_EmptyWindowIsSilent(t *testing.T) {
	pub := &mockPublisher{}
	l := New(pub, fastConfig())
	defer l.Close()

	l.Register(context.Background(), "sub-1", []string{"s1"}, "high", "")

	// Several flush intervals with no traffic: no messages at all.
	time.Sleep(100 * time.Millisecond)
	if got := pub.count(); got != 0 {
		t.Errorf("published %d messages for empty windows, want 0", got)
	}
}

func TestFlush_DigestDelivery(t *testing.T) {
	pub := &mockPublisher{}
	l := New(pub, fastConfig())
	defer l.Close()

	l.Register(context.Background(), "sub-1", []string{"s1"}, "low", "")

	l.Route("s1", sample("s1", "hr", 60.0, 1000))
	l.Route("s1", sample("s1", "hr", 80.0, 3000))
	l.Route("s1", sample("s1", "hr", 70.0, 2000))

	waitFor(t, time.Second, func() bool { return pub.count() >= 1 })

	var body map[string]map[string]digestMessage
	if err := json.Unmarshal(pub.published()[0].payload, &body); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	d := body["s1"]["hr"]
	if d.Count != 3 {
		t.Errorf("count = %d, want 3", d.Count)
	}
	if d.Avg != 70 || d.Min != 60 || d.Max != 80 {
		t.Errorf("avg/min/max = %v/%v/%v, want 70/60/80", d.Avg, d.Min, d.Max)
	}
	// Latest follows the maximum timestamp, not arrival order.
	if d.Latest != 80.0 {
		t.Errorf("latest = %v, want 80", d.Latest)
	}
}

func TestPaused_DrainsWithoutPublishing(t *testing.T) {
	pub := &mockPublisher{}
	l := New(pub, fastConfig())
	defer l.Close()

	l.Register(context.Background(), "sub-1", []string{"s1"}, "paused", "")
	l.Route("s1", sample("s1", "hr", 72.0, 1000))

	time.Sleep(100 * time.Millisecond)
	if got := pub.count(); got != 0 {
		t.Errorf("paused subscriber received %d messages, want 0", got)
	}

	stats := l.GetStats()
	if stats.Healthy {
		t.Error("Healthy = true with a paused subscriber, want false")
	}
}

func TestMaxSensors_FocusedExempt(t *testing.T) {
	l := New(&mockPublisher{}, fastConfig())
	defer l.Close()

	// Minimal allows one interest sensor; the focused key rides on top.
	l.Register(context.Background(), "sub-1", []string{"s-b", "s-c"}, "minimal", "s-z")

	if got := l.GetSubscribersFor("s-b"); len(got) != 1 {
		t.Errorf("s-b subscribers = %v, want [sub-1] (first by name)", got)
	}
	if got := l.GetSubscribersFor("s-c"); len(got) != 0 {
		t.Errorf("s-c subscribers = %v, want none (over tier limit)", got)
	}
	if got := l.GetSubscribersFor("s-z"); len(got) != 1 {
		t.Errorf("s-z subscribers = %v, want [sub-1] (focused exempt)", got)
	}
}

func TestSetQuality_RearmsTimer(t *testing.T) {
	pub := &mockPublisher{}
	cfg := fastConfig()
	// A slow starting tier shows the re-arm taking effect immediately.
	cfg.Tiers["medium"] = config.QualityTierConfig{IntervalMS: 60_000}
	l := New(pub, cfg)
	defer l.Close()

	l.Register(context.Background(), "sub-1", []string{"s1"}, "medium", "")

	if err := l.SetQuality("sub-1", "high"); err != nil {
		t.Fatalf("SetQuality() error = %v", err)
	}
	l.Route("s1", sample("s1", "hr", 72.0, 1000))

	waitFor(t, time.Second, func() bool { return pub.count() >= 1 })
}

func TestSetQuality_InvalidatesQueuedFlush(t *testing.T) {
	pub := &mockPublisher{}
	cfg := fastConfig()
	// Long intervals: timers armed here must never fire on their own.
	for name := range cfg.Tiers {
		cfg.Tiers[name] = config.QualityTierConfig{IntervalMS: 3_600_000}
	}
	l := New(pub, cfg)
	// Stop the actor so the state machine can be driven step by step,
	// reproducing the mailbox order: timer fires, quality change lands,
	// then the already-queued flush command for the old timer arrives.
	l.Close()

	l.register(registerCmd{
		owner:    context.Background(),
		id:       "sub-1",
		interest: []string{"s1"},
		quality:  QualityMedium,
	})
	reg := l.regs["sub-1"]
	staleGen := reg.timerGen

	l.setQuality("sub-1", QualityHigh)
	if reg.timerGen == staleGen {
		t.Fatal("quality change kept the old timer generation; queued flushes for the old timer stay valid")
	}

	// The stale flush must neither deliver nor re-arm: a re-arm here
	// would leave two live timer chains flushing the same subscriber.
	l.Route("s1", sample("s1", "hr", 72.0, 1000))
	timerAfterChange := reg.timer
	l.flush("sub-1", staleGen)

	if reg.timer != timerAfterChange {
		t.Error("stale flush re-armed a second timer chain")
	}
	if got := pub.count(); got != 0 {
		t.Errorf("stale flush published %d messages, want 0", got)
	}

	// The current generation still flushes normally.
	l.flush("sub-1", reg.timerGen)
	if got := pub.count(); got != 1 {
		t.Errorf("current-generation flush published %d messages, want 1", got)
	}
}

func TestSetQuality_UnknownTier(t *testing.T) {
	l := New(&mockPublisher{}, fastConfig())
	defer l.Close()

	l.Register(context.Background(), "sub-1", []string{"s1"}, "high", "")
	if err := l.SetQuality("sub-1", "turbo"); !errors.Is(err, ErrUnknownQuality) {
		t.Errorf("SetQuality() error = %v, want ErrUnknownQuality", err)
	}
	// Unknown subscriber is a silent no-op.
	if err := l.SetQuality("ghost", "high"); err != nil {
		t.Errorf("SetQuality(ghost) error = %v, want nil", err)
	}
}

func TestSetInterest_ReplacesSet(t *testing.T) {
	l := New(&mockPublisher{}, fastConfig())
	defer l.Close()

	l.Register(context.Background(), "sub-1", []string{"s1", "s2"}, "high", "")
	l.SetInterest("sub-1", []string{"s3"})

	if got := l.GetSubscribersFor("s1"); len(got) != 0 {
		t.Errorf("s1 subscribers = %v, want none after replacement", got)
	}
	if got := l.GetSubscribersFor("s3"); len(got) != 1 {
		t.Errorf("s3 subscribers = %v, want [sub-1]", got)
	}
}

func TestSetFocused_ClearAndMove(t *testing.T) {
	l := New(&mockPublisher{}, fastConfig())
	defer l.Close()

	l.Register(context.Background(), "sub-1", nil, "high", "s-focus")
	if got := l.GetSubscribersFor("s-focus"); len(got) != 1 {
		t.Fatalf("s-focus subscribers = %v, want [sub-1]", got)
	}

	l.SetFocused("sub-1", "s-next")
	if got := l.GetSubscribersFor("s-focus"); len(got) != 0 {
		t.Errorf("old focus still indexed: %v", got)
	}
	if got := l.GetSubscribersFor("s-next"); len(got) != 1 {
		t.Errorf("s-next subscribers = %v, want [sub-1]", got)
	}

	l.SetFocused("sub-1", "")
	if got := l.GetSubscribersFor("s-next"); len(got) != 0 {
		t.Errorf("cleared focus still indexed: %v", got)
	}
}

func TestUnregister_StopsDelivery(t *testing.T) {
	pub := &mockPublisher{}
	l := New(pub, fastConfig())
	defer l.Close()

	l.Register(context.Background(), "sub-1", []string{"s1"}, "high", "")
	l.Unregister("sub-1")

	if got := l.GetSubscribersFor("s1"); len(got) != 0 {
		t.Errorf("s1 subscribers = %v, want none after unregister", got)
	}
	if _, ok := l.GetRegistration("sub-1"); ok {
		t.Error("GetRegistration() ok = true after unregister")
	}

	// Routing after unregister must not panic or deliver.
	l.Route("s1", sample("s1", "hr", 72.0, 1000))
	time.Sleep(80 * time.Millisecond)
	if got := pub.count(); got != 0 {
		t.Errorf("published %d messages after unregister, want 0", got)
	}
}

func TestRegister_ReplacesExisting(t *testing.T) {
	l := New(&mockPublisher{}, fastConfig())
	defer l.Close()

	l.Register(context.Background(), "sub-1", []string{"s1"}, "low", "")
	l.Register(context.Background(), "sub-1", []string{"s2"}, "high", "")

	reg, ok := l.GetRegistration("sub-1")
	if !ok {
		t.Fatal("GetRegistration() ok = false")
	}
	if reg.Quality != QualityHigh {
		t.Errorf("Quality = %v, want high after re-register", reg.Quality)
	}
	if len(reg.InterestSet) != 1 || reg.InterestSet[0] != "s2" {
		t.Errorf("InterestSet = %v, want [s2]", reg.InterestSet)
	}
	if got := l.GetSubscribersFor("s1"); len(got) != 0 {
		t.Errorf("old interest still indexed: %v", got)
	}

	stats := l.GetStats()
	if stats.Subscribers != 1 {
		t.Errorf("Subscribers = %d, want 1", stats.Subscribers)
	}
}

func TestOwnerContext_CancellationCleansUp(t *testing.T) {
	l := New(&mockPublisher{}, fastConfig())
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	l.Register(ctx, "sub-a", []string{"s1"}, "high", "")
	l.Register(ctx, "sub-b", []string{"s1"}, "high", "")
	l.Register(context.Background(), "sub-c", []string{"s1"}, "high", "")

	cancel()

	// Both registrations sharing the cancelled owner disappear; the
	// independent one survives.
	waitFor(t, time.Second, func() bool {
		return l.GetStats().Subscribers == 1
	})
	if _, ok := l.GetRegistration("sub-c"); !ok {
		t.Error("independent registration was removed")
	}
}

// quietLogger discards everything; distinct from noopLogger so swapping
// between the two exercises the logger field.
type quietLogger struct{}

func (quietLogger) Debug(string, ...any) {}
func (quietLogger) Info(string, ...any)  {}
func (quietLogger) Warn(string, ...any)  {}
func (quietLogger) Error(string, ...any) {}

func TestSetLogger_ConcurrentWithActivity(t *testing.T) {
	l := New(&mockPublisher{}, fastConfig())
	defer l.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Register/unregister cycles log on the actor goroutine while
		// the main goroutine keeps swapping the logger.
		for i := 0; i < 100; i++ {
			l.Register(context.Background(), "sub-1", []string{"s1"}, "high", "")
			l.Unregister("sub-1")
		}
	}()
	for i := 0; i < 100; i++ {
		l.SetLogger(quietLogger{})
	}
	wg.Wait()
}

func TestGetStats_ByQuality(t *testing.T) {
	l := New(&mockPublisher{}, fastConfig())
	defer l.Close()

	l.Register(context.Background(), "sub-1", nil, "high", "")
	l.Register(context.Background(), "sub-2", nil, "high", "")
	l.Register(context.Background(), "sub-3", nil, "low", "")

	stats := l.GetStats()
	if stats.Subscribers != 3 {
		t.Errorf("Subscribers = %d, want 3", stats.Subscribers)
	}
	if stats.ByQuality[QualityHigh] != 2 || stats.ByQuality[QualityLow] != 1 {
		t.Errorf("ByQuality = %v, want high:2 low:1", stats.ByQuality)
	}
	if stats.Healthy {
		t.Error("Healthy = true with a low subscriber, want false")
	}
}
