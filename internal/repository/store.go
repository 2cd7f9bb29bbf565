package repository

import (
	"context"
	"errors"
	"time"

	"github.com/septivank/iot-telemetry-bridge/internal/db"
)

// ErrNotFound is returned when a lookup by identifier matches nothing
var ErrNotFound = errors.New("not found")

// TelemetryStore is the durable append-only log of ingested messages.
// Implementations must be safe for concurrent use.
type TelemetryStore interface {
	// Append persists one record.
	Append(ctx context.Context, rec db.TelemetryRecord) error

	// QueryRange returns up to limit records for deviceID, newest first.
	// When since is non-nil only records with received_at >= *since are returned.
	// Records with equal timestamps come back in reverse insertion order.
	QueryRange(ctx context.Context, deviceID string, since *time.Time, limit int) ([]db.TelemetryRecord, error)

	// DeleteOlderThan removes every record received strictly before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// DeviceCatalog resolves device broker bindings
type DeviceCatalog interface {
	// GetDeviceConnectionConfig returns ErrNotFound when the device does not exist.
	GetDeviceConnectionConfig(ctx context.Context, deviceID string) (db.DeviceConnectionConfig, error)
	ListDevices(ctx context.Context) ([]db.DeviceConnectionConfig, error)
}
