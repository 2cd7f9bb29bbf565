// Package ingest turns inbound MQTT messages into cache updates, stored
// telemetry records and live fan-out events.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/iot-telemetry-bridge/internal/cache"
	"github.com/septivank/iot-telemetry-bridge/internal/db"
	"github.com/septivank/iot-telemetry-bridge/internal/fanout"
	"github.com/septivank/iot-telemetry-bridge/internal/logging"
	"github.com/septivank/iot-telemetry-bridge/internal/metrics"
)

// Appender is the write side of the telemetry store
type Appender interface {
	Append(ctx context.Context, rec db.TelemetryRecord) error
}

// Config tunes the per-device persistence queue. With a full queue a
// message waits up to EnqueueWait for room before its write is dropped;
// zero drops immediately.
type Config struct {
	QueueSize    int
	WriteTimeout time.Duration
	EnqueueWait  time.Duration
}

// Pipeline holds what every device stream shares
type Pipeline struct {
	cfg       Config
	store     Appender
	cache     *cache.Latest
	publisher fanout.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option customises a Pipeline
type Option func(*Pipeline)

// WithClock overrides the ingestion timestamp source
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline. store and publisher may be nil, in which
// case persistence or fan-out is skipped.
func NewPipeline(cfg Config, store Appender, latest *cache.Latest, publisher fanout.Publisher, logger *zap.Logger, opts ...Option) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	p := &Pipeline{
		cfg:       cfg,
		store:     store,
		cache:     latest,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attach starts the persistence worker for one device subscription
func (p *Pipeline) Attach(deviceID string) *Stream {
	s := &Stream{
		deviceID: deviceID,
		p:        p,
		logger:   logging.WithDevice(p.logger, deviceID),
		queue:    make(chan db.TelemetryRecord, p.cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go s.persist()
	return s
}

// Stream is the message handler bound to one device's subscription.
// Records are written in arrival order by a single worker.
type Stream struct {
	deviceID string
	p        *Pipeline
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan db.TelemetryRecord
	done   chan struct{}

	dropLogAt atomic.Int64
}

// HandleMessage updates the cache, queues the record for persistence and
// publishes it live. It never waits on the store for longer than
// EnqueueWait.
func (s *Stream) HandleMessage(topic string, raw []byte) {
	metrics.MessagesReceived.Inc()

	payload := string(raw)
	receivedAt := s.p.now().UTC()

	if s.p.cache != nil {
		s.p.cache.Set(s.deviceID, topic, payload, receivedAt)
	}

	if s.p.store != nil {
		s.enqueue(db.TelemetryRecord{
			ID:         uuid.New(),
			DeviceID:   s.deviceID,
			Topic:      topic,
			Payload:    payload,
			ReceivedAt: receivedAt,
		})
	}

	if s.p.publisher != nil {
		s.p.publisher.Publish(s.deviceID, fanout.Message{
			DeviceID:  s.deviceID,
			Topic:     topic,
			Payload:   payload,
			Timestamp: receivedAt,
		})
	}
}

func (s *Stream) enqueue(rec db.TelemetryRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.queue <- rec:
		metrics.IngestQueueDepth.Inc()
		return
	default:
	}

	if wait := s.p.cfg.EnqueueWait; wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case s.queue <- rec:
			metrics.IngestQueueDepth.Inc()
			return
		case <-timer.C:
		}
	}

	metrics.IngestQueueDropped.Inc()
	s.logDropRateLimited()
}

func (s *Stream) persist() {
	defer close(s.done)
	for rec := range s.queue {
		metrics.IngestQueueDepth.Dec()
		s.write(rec)
	}
}

func (s *Stream) write(rec db.TelemetryRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.p.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := s.p.store.Append(ctx, rec)
	metrics.StoreWriteDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.StoreWrites.WithLabelValues("failed").Inc()
		s.logger.Error("failed to persist telemetry record, message dropped",
			zap.String("topic", rec.Topic),
			zap.String("record_id", rec.ID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.StoreWrites.WithLabelValues("ok").Inc()
}

// Close stops accepting records and waits until queued ones are written
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
}

func (s *Stream) logDropRateLimited() {
	now := time.Now().UnixNano()
	last := s.dropLogAt.Load()
	if now-last >= int64(time.Second) && s.dropLogAt.CompareAndSwap(last, now) {
		s.logger.Warn("persistence queue full, message not stored - consider increasing INGEST_QUEUE_SIZE")
	}
}
