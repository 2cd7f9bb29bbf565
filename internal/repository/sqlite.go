package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/iot-telemetry-bridge/internal/db"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS telemetry (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT    NOT NULL UNIQUE,
    device_id   TEXT    NOT NULL,
    topic       TEXT    NOT NULL,
    payload     TEXT    NOT NULL,
    received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_device_received
    ON telemetry (device_id, received_at DESC);
CREATE TABLE IF NOT EXISTS devices (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL DEFAULT '',
    mqtt_broker   TEXT NOT NULL DEFAULT '',
    mqtt_port     INTEGER NOT NULL DEFAULT 1883,
    mqtt_topic    TEXT NOT NULL DEFAULT '',
    mqtt_username TEXT,
    mqtt_password TEXT
);
`

// SQLiteStore is the embedded TelemetryStore backend.
// received_at is stored as Unix nanoseconds (UTC).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore migrates the schema and returns a ready store
func NewSQLiteStore(ctx context.Context, conn *sql.DB) (*SQLiteStore, error) {
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: conn}, nil
}

// DB exposes the underlying handle so the device catalog can share it
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Append(ctx context.Context, rec db.TelemetryRecord) error {
	query := `
		INSERT INTO telemetry (id, device_id, topic, payload, received_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID.String(),
		rec.DeviceID,
		rec.Topic,
		rec.Payload,
		rec.ReceivedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert telemetry record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryRange(ctx context.Context, deviceID string, since *time.Time, limit int) ([]db.TelemetryRecord, error) {
	query := `
		SELECT id, device_id, topic, payload, received_at
		FROM telemetry
		WHERE device_id = ? AND received_at >= ?
		ORDER BY received_at DESC, seq DESC
		LIMIT ?
	`
	var lower int64 = -1 << 63
	if since != nil {
		lower = since.UTC().UnixNano()
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, deviceID, lower, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}
	defer rows.Close()

	records := make([]db.TelemetryRecord, 0)
	for rows.Next() {
		var (
			rec        db.TelemetryRecord
			id         string
			receivedAt int64
		)
		if err := rows.Scan(&id, &rec.DeviceID, &rec.Topic, &rec.Payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry record: %w", err)
		}
		rec.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("failed to parse telemetry id %q: %w", id, err)
		}
		rec.ReceivedAt = time.Unix(0, receivedAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM telemetry WHERE received_at < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old telemetry: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SQLiteDevices reads device bindings from the devices table
type SQLiteDevices struct {
	db *sql.DB
}

// NewSQLiteDevices creates a catalog over an already migrated database
func NewSQLiteDevices(conn *sql.DB) *SQLiteDevices {
	return &SQLiteDevices{db: conn}
}

func (d *SQLiteDevices) GetDeviceConnectionConfig(ctx context.Context, deviceID string) (db.DeviceConnectionConfig, error) {
	query := `
		SELECT id, name, mqtt_broker, mqtt_port, mqtt_topic, mqtt_username, mqtt_password
		FROM devices
		WHERE id = ?
	`
	cfg, err := scanSQLiteDevice(d.db.QueryRowContext(ctx, query, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return db.DeviceConnectionConfig{}, ErrNotFound
	}
	if err != nil {
		return db.DeviceConnectionConfig{}, fmt.Errorf("failed to query device: %w", err)
	}
	return cfg, nil
}

func (d *SQLiteDevices) ListDevices(ctx context.Context) ([]db.DeviceConnectionConfig, error) {
	query := `
		SELECT id, name, mqtt_broker, mqtt_port, mqtt_topic, mqtt_username, mqtt_password
		FROM devices
		ORDER BY id
	`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]db.DeviceConnectionConfig, 0)
	for rows.Next() {
		cfg, err := scanSQLiteDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return devices, nil
}

// UpsertDevice writes a device binding. The bridge itself never calls it;
// it exists for seeding and tests.
func (d *SQLiteDevices) UpsertDevice(ctx context.Context, cfg db.DeviceConnectionConfig) error {
	query := `
		INSERT INTO devices (id, name, mqtt_broker, mqtt_port, mqtt_topic, mqtt_username, mqtt_password)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			mqtt_broker = excluded.mqtt_broker,
			mqtt_port = excluded.mqtt_port,
			mqtt_topic = excluded.mqtt_topic,
			mqtt_username = excluded.mqtt_username,
			mqtt_password = excluded.mqtt_password
	`
	_, err := d.db.ExecContext(ctx, query,
		cfg.DeviceID, cfg.Name, cfg.Broker, cfg.Port, cfg.Topic,
		nullString(cfg.Username), nullString(cfg.Password),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDevice(row rowScanner) (db.DeviceConnectionConfig, error) {
	var (
		cfg                db.DeviceConnectionConfig
		username, password sql.NullString
	)
	if err := row.Scan(&cfg.DeviceID, &cfg.Name, &cfg.Broker, &cfg.Port, &cfg.Topic, &username, &password); err != nil {
		return db.DeviceConnectionConfig{}, err
	}
	cfg.Username = username.String
	cfg.Password = password.String
	return cfg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
