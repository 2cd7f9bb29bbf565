package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/iot-telemetry-bridge/internal/metrics"
)

const sendTimeout = 5 * time.Second

type queued struct {
	deviceID string
	msg      Message
}

// Async decouples a Sink from the caller with a bounded queue drained by one
// worker. When the queue is full the message is dropped.
type Async struct {
	name   string
	sink   Sink
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	done   chan struct{}

	dropLogAt atomic.Int64
}

// NewAsync starts the worker for sink
func NewAsync(name string, sink Sink, buffer int, logger *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 1
	}
	a := &Async{
		name:   name,
		sink:   sink,
		logger: logger.With(zap.String("sink", name)),
		queue:  make(chan queued, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Publish(deviceID string, msg Message) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	select {
	case a.queue <- queued{deviceID: deviceID, msg: msg}:
	default:
		metrics.FanoutDropped.WithLabelValues(a.name).Inc()
		a.logDropRateLimited()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for item := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := a.sink.Send(ctx, item.deviceID, item.msg)
		cancel()
		if err != nil {
			metrics.FanoutDropped.WithLabelValues(a.name).Inc()
			a.logger.Warn("fan-out send failed",
				zap.String("device_id", item.deviceID),
				zap.Error(err),
			)
			continue
		}
		metrics.FanoutPublished.WithLabelValues(a.name).Inc()
	}
}

// Close stops accepting messages, drains the queue, then closes the sink
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.sink.Close()
}

// at most one drop warning per second
func (a *Async) logDropRateLimited() {
	now := time.Now().UnixNano()
	last := a.dropLogAt.Load()
	if now-last >= int64(time.Second) && a.dropLogAt.CompareAndSwap(last, now) {
		a.logger.Warn("fan-out queue full, message dropped")
	}
}
