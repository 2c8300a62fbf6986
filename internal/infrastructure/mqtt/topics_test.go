package mqtt

import (
	"errors"
	"testing"
)

func TestTopics_Builders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"ingest measurement", topics.IngestMeasurement("high", "sensor-1"), "vitalmesh/ingest/high/sensor-1"},
		{"ingest batch", topics.IngestBatch("medium", "sensor-2"), "vitalmesh/ingest/medium/sensor-2/batch"},
		{"all ingest", topics.AllIngest("low"), "vitalmesh/ingest/low/#"},
		{"priority subscriber", topics.PrioritySubscriber("chart-4711"), "vitalmesh/lens/priority/chart-4711"},
		{"throttled rate", topics.ThrottledRate(20), "vitalmesh/lens/throttled/20hz"},
		{"system status", topics.SystemStatus(), "vitalmesh/system/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParseIngestTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		want    IngestTopic
		wantErr bool
	}{
		{
			name:  "single measurement",
			topic: "vitalmesh/ingest/high/sensor-1",
			want:  IngestTopic{Tier: "high", SensorID: "sensor-1"},
		},
		{
			name:  "batch",
			topic: "vitalmesh/ingest/medium/sensor-2/batch",
			want:  IngestTopic{Tier: "medium", SensorID: "sensor-2", Batch: true},
		},
		{
			name:    "wrong prefix",
			topic:   "vitalmesh/lens/priority/sub-1",
			wantErr: true,
		},
		{
			name:    "trailing segment not batch",
			topic:   "vitalmesh/ingest/high/sensor-1/extra",
			wantErr: true,
		},
		{
			name:    "too many segments",
			topic:   "vitalmesh/ingest/high/sensor-1/batch/extra",
			wantErr: true,
		},
		{
			name:    "too few segments",
			topic:   "vitalmesh/ingest/high",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIngestTopic(tt.topic)
			if tt.wantErr {
				if !errors.Is(err, ErrNotIngestTopic) {
					t.Errorf("ParseIngestTopic() error = %v, want ErrNotIngestTopic", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseIngestTopic() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseIngestTopic() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
