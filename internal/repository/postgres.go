package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/septivank/iot-telemetry-bridge/internal/db"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS telemetry (
    seq         BIGSERIAL PRIMARY KEY,
    id          UUID        NOT NULL UNIQUE,
    device_id   TEXT        NOT NULL,
    topic       TEXT        NOT NULL,
    payload     TEXT        NOT NULL,
    received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_device_received
    ON telemetry (device_id, received_at DESC);
CREATE TABLE IF NOT EXISTS devices (
    id            TEXT PRIMARY KEY,
    name          TEXT    NOT NULL DEFAULT '',
    mqtt_broker   TEXT    NOT NULL DEFAULT '',
    mqtt_port     INTEGER NOT NULL DEFAULT 1883,
    mqtt_topic    TEXT    NOT NULL DEFAULT '',
    mqtt_username TEXT,
    mqtt_password TEXT
);
`

// PostgresStore handles telemetry persistence in PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new store on an existing pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the telemetry and devices tables if they are missing
func (r *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

// Append inserts a telemetry record
func (r *PostgresStore) Append(ctx context.Context, rec db.TelemetryRecord) error {
	query := `
		INSERT INTO telemetry (id, device_id, topic, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.DeviceID,
		rec.Topic,
		rec.Payload,
		rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert telemetry record: %w", err)
	}

	return nil
}

// QueryRange gets the newest records for a device, optionally bounded below by since
func (r *PostgresStore) QueryRange(ctx context.Context, deviceID string, since *time.Time, limit int) ([]db.TelemetryRecord, error) {
	query := `
		SELECT id, device_id, topic, payload, received_at
		FROM telemetry
		WHERE device_id = $1 AND ($2::timestamptz IS NULL OR received_at >= $2)
		ORDER BY received_at DESC, seq DESC
		LIMIT $3
	`

	// LIMIT NULL means no limit in PostgreSQL
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}

	rows, err := r.pool.Query(ctx, query, deviceID, since, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}
	defer rows.Close()

	records := make([]db.TelemetryRecord, 0)
	for rows.Next() {
		var rec db.TelemetryRecord
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.Topic, &rec.Payload, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry record: %w", err)
		}
		rec.ReceivedAt = rec.ReceivedAt.UTC()
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}

// DeleteOlderThan removes records received before cutoff
func (r *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM telemetry WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old telemetry: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close is a no-op; the pool is owned by the fx lifecycle
func (r *PostgresStore) Close() error {
	return nil
}

// PostgresDevices resolves device bindings from the devices table
type PostgresDevices struct {
	pool *pgxpool.Pool
}

// NewPostgresDevices creates a new device catalog
func NewPostgresDevices(pool *pgxpool.Pool) *PostgresDevices {
	return &PostgresDevices{pool: pool}
}

// GetDeviceConnectionConfig retrieves a single device binding
func (d *PostgresDevices) GetDeviceConnectionConfig(ctx context.Context, deviceID string) (db.DeviceConnectionConfig, error) {
	query := `
		SELECT id, name, mqtt_broker, mqtt_port, mqtt_topic, mqtt_username, mqtt_password
		FROM devices
		WHERE id = $1
	`

	cfg, err := scanPostgresDevice(d.pool.QueryRow(ctx, query, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return db.DeviceConnectionConfig{}, ErrNotFound
	}
	if err != nil {
		return db.DeviceConnectionConfig{}, fmt.Errorf("failed to query device: %w", err)
	}

	return cfg, nil
}

// ListDevices returns every configured device ordered by id
func (d *PostgresDevices) ListDevices(ctx context.Context) ([]db.DeviceConnectionConfig, error) {
	query := `
		SELECT id, name, mqtt_broker, mqtt_port, mqtt_topic, mqtt_username, mqtt_password
		FROM devices
		ORDER BY id
	`

	rows, err := d.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]db.DeviceConnectionConfig, 0)
	for rows.Next() {
		cfg, err := scanPostgresDevice(rows)
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

// UpsertDevice inserts or replaces a device binding
func (d *PostgresDevices) UpsertDevice(ctx context.Context, cfg db.DeviceConnectionConfig) error {
	query := `
		INSERT INTO devices (id, name, mqtt_broker, mqtt_port, mqtt_topic, mqtt_username, mqtt_password)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			mqtt_broker = EXCLUDED.mqtt_broker,
			mqtt_port = EXCLUDED.mqtt_port,
			mqtt_topic = EXCLUDED.mqtt_topic,
			mqtt_username = EXCLUDED.mqtt_username,
			mqtt_password = EXCLUDED.mqtt_password
	`

	_, err := d.pool.Exec(ctx, query,
		cfg.DeviceID, cfg.Name, cfg.Broker, cfg.Port, cfg.Topic,
		optional(cfg.Username), optional(cfg.Password),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

func scanPostgresDevice(row pgx.Row) (db.DeviceConnectionConfig, error) {
	var (
		cfg                db.DeviceConnectionConfig
		username, password *string
	)
	if err := row.Scan(&cfg.DeviceID, &cfg.Name, &cfg.Broker, &cfg.Port, &cfg.Topic, &username, &password); err != nil {
		return db.DeviceConnectionConfig{}, err
	}
	if username != nil {
		cfg.Username = *username
	}
	if password != nil {
		cfg.Password = *password
	}
	return cfg, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
