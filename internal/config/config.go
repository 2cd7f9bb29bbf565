package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// minReconnectInterval keeps a refused broker from being retried in a tight loop
const minReconnectInterval = time.Second

// Supported values for DATABASE_DRIVER
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	ServiceName  string
	HTTP         HTTPConfig
	Metrics      MetricsConfig
	Database     DatabaseConfig
	MQTT         MQTTConfig
	Ingest       IngestConfig
	Retention    RetentionConfig
	Devices      DevicesConfig
	RabbitMQ     RabbitMQConfig
	NATS         NATSConfig
	FanoutBuffer int
}

// HTTPConfig holds the API server settings
type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Addr string
}

// DatabaseConfig holds telemetry store settings
type DatabaseConfig struct {
	Driver     string
	URL        string
	SQLitePath string
}

// MQTTConfig holds broker client settings shared by every device connection
type MQTTConfig struct {
	ClientIDPrefix    string
	ReconnectInterval time.Duration
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	SubscribeTimeout  time.Duration
	DisconnectQuiesce time.Duration
	DefaultPort       int
	AllowWildcards    bool
}

// IngestConfig holds per-device persistence queue settings
type IngestConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
	EnqueueWait  time.Duration
}

// RetentionConfig holds the cleanup sweep settings. A zero MaxAge or
// SweepInterval turns cleanup off.
type RetentionConfig struct {
	MaxAge        time.Duration
	SweepInterval time.Duration
}

// DevicesConfig holds device catalog settings
type DevicesConfig struct {
	CatalogFile    string
	ConnectOnStart bool
}

// RabbitMQConfig holds the optional AMQP fan-out settings. An empty URL disables it.
type RabbitMQConfig struct {
	URL              string
	Exchange         string
	RoutingKeyPrefix string
}

// NATSConfig holds the optional NATS fan-out settings. An empty URL disables it.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "iot-telemetry-bridge"),
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":3001"),
			ReadTimeout:     getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9092"),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(getEnv("DATABASE_DRIVER", DriverSQLite)),
			URL:        getEnv("DATABASE_URL", ""),
			SQLitePath: getEnv("SQLITE_PATH", "./data/telemetry.db"),
		},
		MQTT: MQTTConfig{
			ClientIDPrefix:    getEnv("MQTT_CLIENT_ID_PREFIX", "iot_dashboard"),
			ReconnectInterval: getEnvAsDuration("MQTT_RECONNECT_INTERVAL", 5*time.Second),
			KeepAlive:         getEnvAsDuration("MQTT_KEEPALIVE", 60*time.Second),
			ConnectTimeout:    getEnvAsDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second),
			SubscribeTimeout:  getEnvAsDuration("MQTT_SUBSCRIBE_TIMEOUT", 10*time.Second),
			DisconnectQuiesce: getEnvAsDuration("MQTT_DISCONNECT_QUIESCE", 250*time.Millisecond),
			DefaultPort:       getEnvAsInt("MQTT_DEFAULT_PORT", 1883),
			AllowWildcards:    getEnvAsBool("MQTT_ALLOW_WILDCARD_TOPICS", true),
		},
		Ingest: IngestConfig{
			QueueSize:    getEnvAsInt("INGEST_QUEUE_SIZE", 256),
			WriteTimeout: getEnvAsDuration("INGEST_WRITE_TIMEOUT", 5*time.Second),
			EnqueueWait:  getEnvAsDuration("INGEST_ENQUEUE_WAIT", 100*time.Millisecond),
		},
		Retention: RetentionConfig{
			MaxAge:        getEnvAsDuration("RETENTION_MAX_AGE", 7*24*time.Hour),
			SweepInterval: getEnvAsDuration("RETENTION_SWEEP_INTERVAL", time.Hour),
		},
		Devices: DevicesConfig{
			CatalogFile:    getEnv("DEVICE_CATALOG_FILE", ""),
			ConnectOnStart: getEnvAsBool("DEVICES_CONNECT_ON_START", true),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			Exchange:         getEnv("RABBITMQ_FANOUT_EXCHANGE", "iot-dashboard.telemetry.exchange"),
			RoutingKeyPrefix: getEnv("RABBITMQ_ROUTING_KEY_PREFIX", "device"),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "telemetry.device"),
		},
		FanoutBuffer: getEnvAsInt("FANOUT_BUFFER", 1024),
	}

	if cfg.MQTT.ReconnectInterval < minReconnectInterval {
		cfg.MQTT.ReconnectInterval = minReconnectInterval
	}

	switch cfg.Database.Driver {
	case DriverPostgres:
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER=%s", DriverPostgres)
		}
	case DriverSQLite:
		if cfg.Database.SQLitePath == "" {
			return nil, fmt.Errorf("SQLITE_PATH is required when DATABASE_DRIVER=%s", DriverSQLite)
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.Database.Driver)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value < 0 {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
