package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Pool is an alias for pgxpool.Pool
type Pool = pgxpool.Pool

const applicationName = "iot-telemetry-bridge"

// NewPool builds the Postgres pool behind the hosted telemetry store and
// pings it on fx start
func NewPool(lc fx.Lifecycle, logger *zap.Logger, databaseURL string) (*pgxpool.Pool, error) {
	masked := MaskPassword(databaseURL)
	logger.Info("initializing postgres pool", zap.String("url", masked))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to parse database URL: %w", err)
	}
	if _, ok := config.ConnConfig.RuntimeParams["application_name"]; !ok {
		config.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to create connection pool: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				pool.Close()
				logger.Error("postgres ping failed", zap.Error(err), zap.String("url", masked))
				return fmt.Errorf("[DATABASE CONNECTION FAILED] cannot reach postgres. Check that the database is running and DATABASE_URL is correct: %w", err)
			}
			logger.Info("postgres pool ready", zap.Int32("max_conns", config.MaxConns))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Close()
			logger.Info("postgres pool closed")
			return nil
		},
	})

	return pool, nil
}

// MaskPassword hides the password of a connection or broker URL for logging
func MaskPassword(url string) string {
	if url == "" {
		return "<empty>"
	}
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	scheme := strings.Index(url, "://")
	userinfo := url[:at]
	if scheme >= 0 {
		userinfo = url[scheme+3 : at]
	}
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return url
	}
	start := at - len(userinfo) + colon + 1
	return url[:start] + "***" + url[at:]
}
