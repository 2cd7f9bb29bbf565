package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/iot-telemetry-bridge/internal/cache"
	"github.com/septivank/iot-telemetry-bridge/internal/config"
)

func main() {
	loadEnv()

	app := fx.New(appOptions())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tempLogger, _ := newLogger(&config.Config{ServiceName: "iot-telemetry-bridge"})
	tempLogger.Info("starting application...", zap.String("timeout", "30s"))

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			tempLogger.Error("APPLICATION START TIMEOUT: Failed to start within 30 seconds. This usually means the database, RabbitMQ or NATS is not reachable. Check the error messages above for specific connection failures.")
		}
		tempLogger.Fatal("application failed to start", zap.Error(err))
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("error stopping app:", err)
	}
}

func appOptions() fx.Option {
	return fx.Options(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideStorage,
			cache.NewLatest,
			ProvideHub,
			ProvidePublisher,
			ProvidePipeline,
			ProvideRegistry,
			ProvideValidator,
			ProvideTelemetryService,
			ProvideRetentionSweeper,
			ProvideHTTPServer,
		),
		fx.Invoke(startBridge),
	)
}

// loadEnv looks for a .env file in the working directory and up to two
// parents. Missing files are fine; containers get their env directly.
func loadEnv() {
	envPaths := []string{".env", "../../.env"}
	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		envPaths = append(envPaths,
			filepath.Join(workDir, ".env"),
			filepath.Join(parentDir, ".env"),
			filepath.Join(filepath.Dir(parentDir), ".env"),
		)
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			absPath, _ := filepath.Abs(envPath)
			fmt.Printf("Loaded environment from: %s\n", absPath)
			return
		}
	}
	fmt.Println("No .env file found, using system environment variables (OK for pods/containers)")
}
