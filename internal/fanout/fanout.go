// Package fanout pushes freshly ingested telemetry to live subscribers.
// Delivery is best effort: nothing is persisted and a slow or absent
// subscriber never holds up ingestion.
package fanout

import (
	"context"
	"time"
)

// Message is the live event for one ingested MQTT message
type Message struct {
	DeviceID  string    `json:"deviceId"`
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers a message to everyone listening on deviceID.
// Implementations must return promptly.
type Publisher interface {
	Publish(deviceID string, msg Message)
}

// Sink is a blocking delivery target, made non-blocking by Async
type Sink interface {
	Send(ctx context.Context, deviceID string, msg Message) error
	Close() error
}

// Multi publishes to each of its members in order
type Multi []Publisher

func (m Multi) Publish(deviceID string, msg Message) {
	for _, p := range m {
		p.Publish(deviceID, msg)
	}
}
