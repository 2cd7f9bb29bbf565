package main

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/iot-telemetry-bridge/internal/api"
	"github.com/septivank/iot-telemetry-bridge/internal/bridge"
	"github.com/septivank/iot-telemetry-bridge/internal/cache"
	"github.com/septivank/iot-telemetry-bridge/internal/config"
	"github.com/septivank/iot-telemetry-bridge/internal/db"
	"github.com/septivank/iot-telemetry-bridge/internal/fanout"
	"github.com/septivank/iot-telemetry-bridge/internal/ingest"
	"github.com/septivank/iot-telemetry-bridge/internal/mq"
	"github.com/septivank/iot-telemetry-bridge/internal/repository"
	"github.com/septivank/iot-telemetry-bridge/internal/service"
	"github.com/septivank/iot-telemetry-bridge/internal/validator"
)

const liveSendBuffer = 64

// Storage is the telemetry store and device catalog for the configured driver
type Storage struct {
	fx.Out

	Store   repository.TelemetryStore
	Devices repository.DeviceCatalog
}

// ProvideStorage opens the backend selected by DATABASE_DRIVER. A
// DEVICE_CATALOG_FILE replaces the backend's device table.
func ProvideStorage(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (Storage, error) {
	var out Storage

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := db.NewPool(lc, logger, cfg.Database.URL)
		if err != nil {
			return Storage{}, err
		}
		store := repository.NewPostgresStore(pool)
		// Runs after the pool's ping hook.
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := store.Migrate(ctx); err != nil {
					return fmt.Errorf("[DATABASE] %w", err)
				}
				logger.Info("postgres schema ready")
				return nil
			},
		})
		out.Store = store
		out.Devices = repository.NewPostgresDevices(pool)

	case config.DriverSQLite:
		conn, err := db.NewSQLite(lc, logger, cfg.Database.SQLitePath)
		if err != nil {
			return Storage{}, err
		}
		store, err := repository.NewSQLiteStore(context.Background(), conn)
		if err != nil {
			return Storage{}, err
		}
		out.Store = store
		out.Devices = repository.NewSQLiteDevices(conn)

	case config.DriverMemory:
		logger.Warn("using in-memory telemetry store, data is lost on restart")
		out.Store = repository.NewMemoryStore()
		out.Devices = repository.NewStaticCatalog()

	default:
		return Storage{}, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	if cfg.Devices.CatalogFile != "" {
		catalog, err := repository.LoadFileCatalog(cfg.Devices.CatalogFile)
		if err != nil {
			return Storage{}, err
		}
		devices, err := catalog.ListDevices(context.Background())
		if err != nil {
			logger.Warn("failed to count devices in catalog file", zap.String("path", catalog.Path), zap.Error(err))
		}
		logger.Info("device catalog loaded from file",
			zap.String("path", catalog.Path),
			zap.Int("devices", len(devices)),
		)
		out.Devices = catalog
	}

	return out, nil
}

// ProvideHub creates the websocket fan-out hub
func ProvideHub(lc fx.Lifecycle, logger *zap.Logger) *fanout.Hub {
	hub := fanout.NewHub(liveSendBuffer, logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return hub.Close()
		},
	})
	return hub
}

// ProvidePublisher combines the hub with the optional RabbitMQ and NATS sinks
func ProvidePublisher(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config, hub *fanout.Hub) (fanout.Publisher, error) {
	publishers := fanout.Multi{hub}
	var sinks []*fanout.Async

	if cfg.RabbitMQ.URL != "" {
		conn, err := mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
		if err != nil {
			return nil, err
		}
		publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fanout.NewAsync("amqp",
			fanout.NewAMQPPublisher(publisher, cfg.RabbitMQ.RoutingKeyPrefix),
			cfg.FanoutBuffer, logger))
		logger.Info("rabbitmq fan-out enabled", zap.String("exchange", cfg.RabbitMQ.Exchange))
	}

	if cfg.NATS.URL != "" {
		publisher, err := fanout.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fanout.NewAsync("nats", publisher, cfg.FanoutBuffer, logger))
		logger.Info("nats fan-out enabled", zap.String("subject_prefix", cfg.NATS.SubjectPrefix))
	}

	for _, sink := range sinks {
		publishers = append(publishers, sink)
	}

	// Appended after the RabbitMQ connection hook, so sinks drain before it closes.
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			for _, sink := range sinks {
				if err := sink.Close(); err != nil {
					logger.Warn("failed to close fan-out sink", zap.Error(err))
				}
			}
			return nil
		},
	})

	return publishers, nil
}

// ProvidePipeline creates the ingestion pipeline shared by all device streams
func ProvidePipeline(cfg *config.Config, store repository.TelemetryStore, latest *cache.Latest, publisher fanout.Publisher, logger *zap.Logger) *ingest.Pipeline {
	return ingest.NewPipeline(ingest.Config{
		QueueSize:    cfg.Ingest.QueueSize,
		WriteTimeout: cfg.Ingest.WriteTimeout,
		EnqueueWait:  cfg.Ingest.EnqueueWait,
	}, store, latest, publisher, logger)
}

// ProvideRegistry creates the MQTT connection registry
func ProvideRegistry(cfg *config.Config, pipeline *ingest.Pipeline, logger *zap.Logger) *bridge.Registry {
	streams := func(deviceID string) bridge.Stream {
		return pipeline.Attach(deviceID)
	}
	return bridge.NewRegistry(bridge.Options{
		ClientIDPrefix:    cfg.MQTT.ClientIDPrefix,
		ReconnectInterval: cfg.MQTT.ReconnectInterval,
		KeepAlive:         cfg.MQTT.KeepAlive,
		ConnectTimeout:    cfg.MQTT.ConnectTimeout,
		SubscribeTimeout:  cfg.MQTT.SubscribeTimeout,
		DisconnectQuiesce: cfg.MQTT.DisconnectQuiesce,
		DefaultPort:       cfg.MQTT.DefaultPort,
	}, streams, logger)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.MQTT.AllowWildcards)
}

// ProvideTelemetryService creates the service the HTTP layer talks to
func ProvideTelemetryService(
	registry *bridge.Registry,
	devices repository.DeviceCatalog,
	store repository.TelemetryStore,
	latest *cache.Latest,
	v *validator.Validator,
	cfg *config.Config,
	logger *zap.Logger,
) *service.TelemetryService {
	return service.NewTelemetryService(service.Params{
		Connector: registry,
		Devices:   devices,
		Store:     store,
		Cache:     latest,
		Validator: v,
		Retention: cfg.Retention.MaxAge,
		Logger:    logger,
	})
}

// ProvideRetentionSweeper creates the background cleanup loop
func ProvideRetentionSweeper(svc *service.TelemetryService, cfg *config.Config, logger *zap.Logger) *service.RetentionSweeper {
	return service.NewRetentionSweeper(svc, cfg.Retention.SweepInterval, logger)
}

// ProvideHTTPServer builds the API server
func ProvideHTTPServer(cfg *config.Config, svc *service.TelemetryService, hub *fanout.Hub, logger *zap.Logger) *http.Server {
	handler := &api.Handler{
		Service: svc,
		Hub:     hub,
		Logger:  logger,
		Timeout: cfg.HTTP.WriteTimeout,
	}
	return &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     api.NewRouter(handler),
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}
}
