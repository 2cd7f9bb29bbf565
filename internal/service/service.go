package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/iot-telemetry-bridge/internal/bridge"
	"github.com/septivank/iot-telemetry-bridge/internal/cache"
	"github.com/septivank/iot-telemetry-bridge/internal/db"
	"github.com/septivank/iot-telemetry-bridge/internal/exceedance"
	"github.com/septivank/iot-telemetry-bridge/internal/logging"
	"github.com/septivank/iot-telemetry-bridge/internal/metrics"
	"github.com/septivank/iot-telemetry-bridge/internal/repository"
	"github.com/septivank/iot-telemetry-bridge/internal/validator"
	"github.com/septivank/iot-telemetry-bridge/tools/timeparser"
)

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrInvalidDevice      = errors.New("invalid device configuration")
	ErrStoreNotConfigured = errors.New("telemetry store not configured")
)

const (
	DefaultHistoryLimit = 100
	dayHistoryLimit     = 1000
	weekHistoryLimit    = 10000
)

// Connector is the part of the connection registry the service drives
type Connector interface {
	Connect(cfg db.DeviceConnectionConfig) (*bridge.Handle, error)
	Disconnect(deviceID string)
	DisconnectAll()
	Status() map[string]bridge.ConnectionStatus
	IsConnected(deviceID string) bool
	Get(deviceID string) (*bridge.Handle, bool)
}

// Latest is the most recent message known for a device
type Latest struct {
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	FromCache bool      `json:"-"`
}

// HistoryOptions selects a window of stored records. A known Period
// replaces Limit and Since.
type HistoryOptions struct {
	Limit  int
	Since  *time.Time
	Period string
}

// ExceedanceOptions bounds the records scanned for exceedances
type ExceedanceOptions struct {
	Limit int
	Since *time.Time
}

// TelemetryService is what the HTTP layer talks to
type TelemetryService struct {
	connector Connector
	devices   repository.DeviceCatalog
	store     repository.TelemetryStore
	cache     *cache.Latest
	engine    *exceedance.Engine
	validator *validator.Validator
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// Params groups the service collaborators. Store may be nil; operations
// that need it then return ErrStoreNotConfigured.
type Params struct {
	Connector Connector
	Devices   repository.DeviceCatalog
	Store     repository.TelemetryStore
	Cache     *cache.Latest
	Validator *validator.Validator
	Retention time.Duration
	Logger    *zap.Logger
	Now       func() time.Time
}

// NewTelemetryService creates a new telemetry service
func NewTelemetryService(p Params) *TelemetryService {
	s := &TelemetryService{
		connector: p.Connector,
		devices:   p.Devices,
		store:     p.Store,
		cache:     p.Cache,
		validator: p.Validator,
		retention: p.Retention,
		logger:    p.Logger,
		now:       p.Now,
	}
	if s.store != nil {
		s.engine = exceedance.NewEngine(s.store)
	}
	if s.cache == nil {
		s.cache = cache.NewLatest()
	}
	if s.validator == nil {
		s.validator = validator.NewValidator(true)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Connect looks up the device and starts bridging it. Broker failures are
// not reported here; poll Status instead.
func (s *TelemetryService) Connect(ctx context.Context, deviceID string) error {
	cfg, err := s.lookup(ctx, deviceID)
	if err != nil {
		return err
	}

	if result := s.validator.ValidateDeviceConfig(cfg); !result.IsValid {
		return fmt.Errorf("%w: %s", ErrInvalidDevice, result.Reason)
	}

	if _, err := s.connector.Connect(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDevice, err)
	}

	logging.WithDevice(s.logger, deviceID).Info("device connect requested")
	return nil
}

func (s *TelemetryService) Disconnect(deviceID string) {
	s.connector.Disconnect(deviceID)
	logging.WithDevice(s.logger, deviceID).Info("device disconnected")
}

// ConnectAll bridges every catalog device that has a broker and topic.
// It returns how many connections were initiated.
func (s *TelemetryService) ConnectAll(ctx context.Context) (int, error) {
	devices, err := s.devices.ListDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}

	count := 0
	for _, cfg := range devices {
		deviceLogger := logging.WithDevice(s.logger, cfg.DeviceID)
		if cfg.Broker == "" || cfg.Topic == "" {
			deviceLogger.Debug("skipping device without broker binding")
			continue
		}
		if result := s.validator.ValidateDeviceConfig(cfg); !result.IsValid {
			deviceLogger.Warn("skipping device with invalid binding", zap.String("reason", result.Reason))
			continue
		}
		if _, err := s.connector.Connect(cfg); err != nil {
			deviceLogger.Warn("failed to start device connection", zap.Error(err))
			continue
		}
		count++
	}

	s.logger.Info("connect-all finished", zap.Int("initiated", count), zap.Int("devices", len(devices)))
	return count, nil
}

func (s *TelemetryService) Status() map[string]bridge.ConnectionStatus {
	return s.connector.Status()
}

func (s *TelemetryService) IsConnected(deviceID string) bool {
	return s.connector.IsConnected(deviceID)
}

// DisconnectAll closes every broker session
func (s *TelemetryService) DisconnectAll() {
	s.connector.DisconnectAll()
}

// Latest returns the newest message for a device: the cache entry for the
// device's topic when this device wrote it, then the device's own cache
// entry (wildcard subscriptions land here), otherwise the newest stored
// record. A device with no data yields nil.
func (s *TelemetryService) Latest(ctx context.Context, deviceID string) (*Latest, error) {
	if topic := s.topicFor(ctx, deviceID); topic != "" {
		if entry, ok := s.cache.Get(topic); ok && entry.DeviceID == deviceID {
			return &Latest{Payload: entry.Payload, Timestamp: entry.Timestamp, FromCache: true}, nil
		}
	}
	if entry, ok := s.cache.ForDevice(deviceID); ok {
		return &Latest{Payload: entry.Payload, Timestamp: entry.Timestamp, FromCache: true}, nil
	}

	if s.store == nil {
		return nil, ErrStoreNotConfigured
	}

	records, err := s.store.QueryRange(ctx, deviceID, nil, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest record: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &Latest{Payload: records[0].Payload, Timestamp: records[0].ReceivedAt}, nil
}

// History returns stored records newest first
func (s *TelemetryService) History(ctx context.Context, deviceID string, opts HistoryOptions) ([]db.TelemetryRecord, error) {
	if s.store == nil {
		return nil, ErrStoreNotConfigured
	}

	limit, since := s.historyWindow(opts)
	records, err := s.store.QueryRange(ctx, deviceID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return records, nil
}

func (s *TelemetryService) historyWindow(opts HistoryOptions) (int, *time.Time) {
	period := strings.ToLower(opts.Period)
	if start, ok := timeparser.WindowStart(period, s.now().UTC()); ok {
		limit := dayHistoryLimit
		if period != "day" {
			limit = weekHistoryLimit
		}
		return limit, &start
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return limit, opts.Since
}

// Exceedances returns the records in the window that cross any bound in spec
func (s *TelemetryService) Exceedances(ctx context.Context, deviceID string, spec exceedance.ThresholdSpec, opts ExceedanceOptions) ([]exceedance.Result, error) {
	metrics.ExceedanceQueries.Inc()

	if len(spec) == 0 {
		return []exceedance.Result{}, nil
	}
	if s.engine == nil {
		return nil, ErrStoreNotConfigured
	}

	return s.engine.Find(ctx, deviceID, spec, exceedance.Options{Limit: opts.Limit, Since: opts.Since})
}

// RetentionEnabled reports whether old telemetry is ever removed. A
// non-positive retention window keeps everything.
func (s *TelemetryService) RetentionEnabled() bool {
	return s.retention > 0
}

// CleanOldData deletes records older than the retention window
func (s *TelemetryService) CleanOldData(ctx context.Context) (int64, error) {
	if s.store == nil {
		return 0, ErrStoreNotConfigured
	}
	if !s.RetentionEnabled() {
		s.logger.Debug("retention disabled, nothing removed")
		return 0, nil
	}

	cutoff := s.now().UTC().Add(-s.retention)
	removed, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean old data: %w", err)
	}

	metrics.RetentionRemoved.Add(float64(removed))
	s.logger.Info("old telemetry removed",
		zap.Int64("removed", removed),
		zap.Time("cutoff", cutoff),
	)
	return removed, nil
}

// Ping checks the telemetry store
func (s *TelemetryService) Ping(ctx context.Context) error {
	if s.store == nil {
		return ErrStoreNotConfigured
	}
	return s.store.Ping(ctx)
}

func (s *TelemetryService) lookup(ctx context.Context, deviceID string) (db.DeviceConnectionConfig, error) {
	cfg, err := s.devices.GetDeviceConnectionConfig(ctx, deviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return db.DeviceConnectionConfig{}, ErrDeviceNotFound
	}
	if err != nil {
		return db.DeviceConnectionConfig{}, fmt.Errorf("failed to get device: %w", err)
	}
	return cfg, nil
}

// topicFor prefers the live handle's topic and falls back to the catalog
func (s *TelemetryService) topicFor(ctx context.Context, deviceID string) string {
	if h, ok := s.connector.Get(deviceID); ok {
		return h.Topic
	}
	cfg, err := s.lookup(ctx, deviceID)
	if err != nil {
		return ""
	}
	return cfg.Topic
}
