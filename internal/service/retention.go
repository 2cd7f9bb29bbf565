package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetentionSweeper periodically removes telemetry past the retention window
type RetentionSweeper struct {
	svc      *TelemetryService
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRetentionSweeper creates a sweeper. A non-positive interval, or a
// service without a retention window, disables it.
func NewRetentionSweeper(svc *TelemetryService, interval time.Duration, logger *zap.Logger) *RetentionSweeper {
	return &RetentionSweeper{
		svc:      svc,
		interval: interval,
		timeout:  time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop
func (r *RetentionSweeper) Start() {
	if r.interval <= 0 || !r.svc.RetentionEnabled() {
		r.logger.Info("retention sweeper disabled",
			zap.Duration("interval", r.interval),
			zap.Duration("max_age", r.svc.retention),
		)
		close(r.done)
		return
	}

	r.logger.Info("retention sweeper started", zap.Duration("interval", r.interval))
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.Sweep()
			case <-r.stop:
				return
			}
		}
	}()
}

// Sweep runs one cleanup pass
func (r *RetentionSweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if _, err := r.svc.CleanOldData(ctx); err != nil {
		if errors.Is(err, ErrStoreNotConfigured) {
			return
		}
		r.logger.Error("retention sweep failed", zap.Error(err))
	}
}

// Stop ends the loop and waits for an in-progress sweep
func (r *RetentionSweeper) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
