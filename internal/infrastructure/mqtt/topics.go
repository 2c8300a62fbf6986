package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the VitalMesh measurement bus.
//
// Ingest topics are sharded by the upstream importance classifier:
//
//	vitalmesh/ingest/{tier}/{sensor_id}          single measurement
//	vitalmesh/ingest/{tier}/{sensor_id}/batch    measurement batch
//
// Delivery topics are owned by the lenses:
//
//	vitalmesh/lens/priority/{subscriber_id}      per-subscriber private topic
//	vitalmesh/lens/throttled/{rate}hz            fixed-rate broadcast topic
const (
	// TopicPrefix is the base for all VitalMesh topics.
	TopicPrefix = "vitalmesh"

	// TopicPrefixIngest is the base for inbound measurement topics.
	TopicPrefixIngest = "vitalmesh/ingest"

	// TopicPrefixLens is the base for lens delivery topics.
	TopicPrefixLens = "vitalmesh/lens"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "vitalmesh/system"

	// batchSuffix marks an ingest topic carrying a measurement batch.
	batchSuffix = "batch"
)

// Topics provides builders for VitalMesh MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	private := topics.PrioritySubscriber("chart-4711")
//	// Returns: "vitalmesh/lens/priority/chart-4711"
type Topics struct{}

// IngestMeasurement returns the topic a source publishes a single
// measurement to, given its classified importance tier.
//
// Example: vitalmesh/ingest/high/sensor-ecg-01
func (Topics) IngestMeasurement(tier, sensorID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixIngest, tier, sensorID)
}

// IngestBatch returns the topic a source publishes a measurement batch to.
//
// Example: vitalmesh/ingest/high/sensor-ecg-01/batch
func (Topics) IngestBatch(tier, sensorID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixIngest, tier, sensorID, batchSuffix)
}

// AllIngest returns a pattern matching every ingest topic for one tier,
// single and batch alike.
//
// Pattern: vitalmesh/ingest/high/#
func (Topics) AllIngest(tier string) string {
	return fmt.Sprintf("%s/%s/#", TopicPrefixIngest, tier)
}

// PrioritySubscriber returns the private delivery topic for a priority-lens
// subscriber. The name is deterministic: registering the same subscriber ID
// always yields the same topic.
//
// Example: vitalmesh/lens/priority/chart-4711
func (Topics) PrioritySubscriber(subscriberID string) string {
	return fmt.Sprintf("%s/priority/%s", TopicPrefixLens, subscriberID)
}

// ThrottledRate returns the broadcast topic for one throttled-lens rate tier.
//
// Example: vitalmesh/lens/throttled/20hz
func (Topics) ThrottledRate(hz int) string {
	return fmt.Sprintf("%s/throttled/%dhz", TopicPrefixLens, hz)
}

// SystemStatus returns the system status topic carrying online/offline
// presence (including the LWT crash message).
//
// Example: vitalmesh/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// IngestTopic is the parsed form of an inbound ingest topic.
type IngestTopic struct {
	Tier     string
	SensorID string
	Batch    bool
}

// ParseIngestTopic splits an ingest topic into tier, sensor ID and batch
// flag. Topics outside the ingest prefix or with a malformed shape return
// an error so the router can drop them silently.
func ParseIngestTopic(topic string) (IngestTopic, error) {
	rest, ok := strings.CutPrefix(topic, TopicPrefixIngest+"/")
	if !ok {
		return IngestTopic{}, fmt.Errorf("%w: %q", ErrNotIngestTopic, topic)
	}

	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 2:
		return IngestTopic{Tier: parts[0], SensorID: parts[1]}, nil
	case 3:
		if parts[2] != batchSuffix {
			return IngestTopic{}, fmt.Errorf("%w: %q", ErrNotIngestTopic, topic)
		}
		return IngestTopic{Tier: parts[0], SensorID: parts[1], Batch: true}, nil
	default:
		return IngestTopic{}, fmt.Errorf("%w: %q", ErrNotIngestTopic, topic)
	}
}
