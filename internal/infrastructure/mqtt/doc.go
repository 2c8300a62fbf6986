// Package mqtt provides MQTT client connectivity for the VitalMesh
// telemetry core.
//
// This package manages:
//   - Connection to the measurement bus broker with auto-reconnect
//   - Message publishing for lens deliveries
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// MQTT is both the upstream and downstream transport: sources publish
// classified measurements onto ingest topics, and the lenses publish
// per-subscriber batches, digests and rate broadcasts back onto delivery
// topics. The broker decouples sources from the core and the core from
// its subscribers.
//
//	Sources → ingest topics → Router → Lenses → delivery topics → Subscribers
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to every high-importance measurement
//	err = client.Subscribe(mqtt.Topics{}.AllIngest("high"), 0,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
//
//	// Publish a flush to a subscriber's private topic
//	topic := mqtt.Topics{}.PrioritySubscriber("chart-4711")
//	client.Publish(topic, payload, 0, false)
package mqtt
