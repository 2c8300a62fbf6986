package throttled

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vitalmesh/telemetry-core/internal/infrastructure/config"
	"github.com/vitalmesh/telemetry-core/internal/telemetry"
)

// mockPublisher records published messages. With fail set every publish
// errors, driving the flush loops through their logging path.
type mockPublisher struct {
	mu   sync.Mutex
	msgs []publishedMsg
	fail bool
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func (p *mockPublisher) Publish(topic string, payload []byte, _ byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.msgs = append(p.msgs, publishedMsg{topic: topic, payload: payload})
	return nil
}

func (p *mockPublisher) onTopic(topic string) []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedMsg
	for _, m := range p.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
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

func TestRates_SortedFastestFirst(t *testing.T) {
	l := New(&mockPublisher{}, config.ThrottledLensConfig{RatesHz: []int{5, 20, 10}})
	defer l.Close()

	rates := l.Rates()
	want := []int{20, 10, 5}
	if len(rates) != len(want) {
		t.Fatalf("Rates() = %v, want %v", rates, want)
	}
	for i := range want {
		if rates[i] != want[i] {
			t.Errorf("Rates()[%d] = %d, want %d", i, rates[i], want[i])
		}
	}
	if l.TopicFor(20) != "vitalmesh/lens/throttled/20hz" {
		t.Errorf("TopicFor(20) = %q", l.TopicFor(20))
	}
}

func TestBroadcast_LatestValueWins(t *testing.T) {
	pub := &mockPublisher{}
	l := New(pub, config.ThrottledLensConfig{RatesHz: []int{50}})
	defer l.Close()

	l.Route("s1", sample("s1", "hr", 70.0, 1000))
	l.Route("s1", sample("s1", "hr", 74.0, 2000))

	topic := l.TopicFor(50)
	waitFor(t, time.Second, func() bool { return len(pub.onTopic(topic)) >= 1 })

	var body map[string]map[string]any
	if err := json.Unmarshal(pub.onTopic(topic)[0].payload, &body); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if got := body["s1"]["hr"]; got != 74.0 {
		t.Errorf("hr = %v, want 74 (only latest survives)", got)
	}
}

func TestBroadcast_EmptyTableIsSilent(t *testing.T) {
	pub := &mockPublisher{}
	l := New(pub, config.ThrottledLensConfig{RatesHz: []int{50}})
	defer l.Close()

	time.Sleep(100 * time.Millisecond)

	pub.mu.Lock()
	n := len(pub.msgs)
	pub.mu.Unlock()
	if n != 0 {
		t.Errorf("published %d messages with empty table, want 0", n)
	}
}

func TestBroadcast_ClearingRateDrains(t *testing.T) {
	pub := &mockPublisher{}
	l := New(pub, config.ThrottledLensConfig{RatesHz: []int{50}})
	defer l.Close()

	l.Route("s1", sample("s1", "hr", 72.0, 1000))

	topic := l.TopicFor(50)
	waitFor(t, time.Second, func() bool { return len(pub.onTopic(topic)) >= 1 })

	// The clearing rate drained the table; with no new traffic the
	// following ticks stay silent.
	before := len(pub.onTopic(topic))
	time.Sleep(100 * time.Millisecond)
	if after := len(pub.onTopic(topic)); after != before {
		t.Errorf("published %d extra messages after drain, want 0", after-before)
	}
}

func TestBroadcast_SlowerRateSnapshots(t *testing.T) {
	pub := &mockPublisher{}
	// The slow tier clears; the fast tier snapshots without draining, so
	// its ticks keep rebroadcasting the accumulated table.
	l := New(pub, config.ThrottledLensConfig{RatesHz: []int{100, 10}, ClearRateHz: 10})
	defer l.Close()

	l.Route("s1", sample("s1", "hr", 72.0, 1000))

	fast := l.TopicFor(100)
	waitFor(t, time.Second, func() bool { return len(pub.onTopic(fast)) >= 2 })

	var body map[string]map[string]any
	if err := json.Unmarshal(pub.onTopic(fast)[1].payload, &body); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if got := body["s1"]["hr"]; got != 72.0 {
		t.Errorf("snapshot hr = %v, want 72", got)
	}
}

func TestRouteBatch_MergesPerAttribute(t *testing.T) {
	pub := &mockPublisher{}
	l := New(pub, config.ThrottledLensConfig{RatesHz: []int{50}})
	defer l.Close()

	l.RouteBatch("s1", []telemetry.Measurement{
		sample("s1", "hr", 70.0, 1000),
		sample("s1", "spo2", 98.0, 1000),
		sample("s1", "hr", 71.0, 2000),
	})

	topic := l.TopicFor(50)
	waitFor(t, time.Second, func() bool { return len(pub.onTopic(topic)) >= 1 })

	var body map[string]map[string]any
	if err := json.Unmarshal(pub.onTopic(topic)[0].payload, &body); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if got := body["s1"]["hr"]; got != 71.0 {
		t.Errorf("hr = %v, want 71", got)
	}
	if got := body["s1"]["spo2"]; got != 98.0 {
		t.Errorf("spo2 = %v, want 98", got)
	}
}

func TestGetStats(t *testing.T) {
	l := New(&mockPublisher{}, config.ThrottledLensConfig{RatesHz: []int{10, 5}, ClearRateHz: 5})
	defer l.Close()

	stats := l.GetStats()
	if stats.ClearRateHz != 5 {
		t.Errorf("ClearRateHz = %d, want 5", stats.ClearRateHz)
	}
	if len(stats.RatesHz) != 2 {
		t.Errorf("RatesHz = %v, want 2 rates", stats.RatesHz)
	}
}

// quietLogger discards everything; distinct from noopLogger so swapping
// between the two exercises the logger field.
type quietLogger struct{}

func (quietLogger) Debug(string, ...any) {}
func (quietLogger) Info(string, ...any)  {}
func (quietLogger) Warn(string, ...any)  {}
func (quietLogger) Error(string, ...any) {}

func TestSetLogger_ConcurrentWithBroadcasts(t *testing.T) {
	// Failing publishes make every tick read the logger on the
	// broadcast goroutine while the test keeps swapping it.
	pub := &mockPublisher{fail: true}
	l := New(pub, config.ThrottledLensConfig{RatesHz: []int{100}})
	defer l.Close()

	for i := 0; i < 100; i++ {
		// Keep the table non-empty so every tick reaches the publish.
		l.Route("s1", sample("s1", "hr", 72.0, int64(i+1)))
		l.SetLogger(quietLogger{})
		time.Sleep(time.Millisecond)
	}
}

func TestClose_Idempotent(t *testing.T) {
	l := New(&mockPublisher{}, config.ThrottledLensConfig{RatesHz: []int{50}})
	l.Close()
	l.Close()

	select {
	case <-l.Done():
	default:
		t.Error("Done() not closed after Close")
	}
}
