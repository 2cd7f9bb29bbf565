package db

import (
	"time"

	"github.com/google/uuid"
)

// TelemetryRecord represents one ingested MQTT message in the database
type TelemetryRecord struct {
	ID         uuid.UUID `json:"id"`
	DeviceID   string    `json:"device_id"`
	Topic      string    `json:"topic"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// DeviceConnectionConfig is an immutable snapshot of a device's broker binding
type DeviceConnectionConfig struct {
	DeviceID string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Broker   string `json:"mqtt_broker" yaml:"broker"`
	Port     int    `json:"mqtt_port" yaml:"port"`
	Topic    string `json:"mqtt_topic" yaml:"topic"`
	Username string `json:"-" yaml:"username"`
	Password string `json:"-" yaml:"password"`
}
