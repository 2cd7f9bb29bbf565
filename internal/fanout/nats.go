package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes live messages to <prefix>.<deviceID>
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to the NATS server at url
func NewNATSPublisher(url, subjectPrefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("iot-telemetry-bridge"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: subjectPrefix}, nil
}

// Subject returns the subject a device's messages go to
func (p *NATSPublisher) Subject(deviceID string) string {
	return subjectFor(p.prefix, deviceID)
}

func (p *NATSPublisher) Send(_ context.Context, deviceID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.conn.Publish(p.Subject(deviceID), data)
}

func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	p.conn.Close()
	return err
}

func subjectFor(prefix, deviceID string) string {
	if prefix == "" {
		return deviceID
	}
	return prefix + "." + deviceID
}
