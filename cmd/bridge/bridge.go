package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/iot-telemetry-bridge/internal/config"
	"github.com/septivank/iot-telemetry-bridge/internal/metrics"
	"github.com/septivank/iot-telemetry-bridge/internal/service"
)

func startBridge(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *zap.Logger,
	svc *service.TelemetryService,
	sweeper *service.RetentionSweeper,
	server *http.Server,
) {
	metricsServer := metrics.NewServer(cfg.Metrics.Addr)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := serve(server, logger, "api"); err != nil {
				return err
			}
			if err := serve(metricsServer, logger, "metrics"); err != nil {
				return err
			}

			sweeper.Start()

			if cfg.Devices.ConnectOnStart {
				count, err := svc.ConnectAll(ctx)
				if err != nil {
					// The API is up; devices can still be connected by hand.
					logger.Error("failed to connect devices on start", zap.Error(err))
				} else {
					logger.Info("devices connecting", zap.Int("count", count))
				}
			}

			logger.Info("telemetry bridge started",
				zap.String("http_addr", cfg.HTTP.Addr),
				zap.String("database_driver", cfg.Database.Driver),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("api server shutdown failed", zap.Error(err))
			}

			// Closes every stream, which drains its persistence queue.
			svc.DisconnectAll()

			if err := sweeper.Stop(shutdownCtx); err != nil {
				logger.Warn("retention sweeper did not stop in time", zap.Error(err))
			}
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", zap.Error(err))
			}

			logger.Info("telemetry bridge stopped gracefully")
			return nil
		},
	})
}

// serve binds synchronously so a busy port fails startup
func serve(server *http.Server, logger *zap.Logger, name string) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for %s on %s: %w", name, server.Addr, err)
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", zap.String("server", name), zap.Error(err))
		}
	}()
	logger.Info("server listening", zap.String("server", name), zap.String("addr", server.Addr))
	return nil
}
