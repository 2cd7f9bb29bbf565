package ingest_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/septivank/iot-telemetry-bridge/internal/cache"
	"github.com/septivank/iot-telemetry-bridge/internal/db"
	"github.com/septivank/iot-telemetry-bridge/internal/fanout"
	"github.com/septivank/iot-telemetry-bridge/internal/ingest"
	"github.com/septivank/iot-telemetry-bridge/internal/metrics"
	"github.com/septivank/iot-telemetry-bridge/internal/repository"
)

var fixedNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.FixedZone("WIB", 7*3600))

type capturePublisher struct {
	mu   sync.Mutex
	msgs []fanout.Message
}

func (c *capturePublisher) Publish(_ string, msg fanout.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

type flakyStore struct {
	mu       sync.Mutex
	fail     map[string]bool
	appended []string
}

func (s *flakyStore) Append(_ context.Context, rec db.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[rec.Payload] {
		return errors.New("disk full")
	}
	s.appended = append(s.appended, rec.Payload)
	return nil
}

type blockingStore struct {
	release chan struct{}
	mu      sync.Mutex
	count   int
}

func (s *blockingStore) Append(context.Context, db.TelemetryRecord) error {
	<-s.release
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return nil
}

func TestStream_HandleMessage(t *testing.T) {
	store := repository.NewMemoryStore()
	latest := cache.NewLatest()
	pub := &capturePublisher{}
	p := ingest.NewPipeline(ingest.Config{QueueSize: 8}, store, latest, pub, zap.NewNop(),
		ingest.WithClock(func() time.Time { return fixedNow }))

	s := p.Attach("dev-1")
	s.HandleMessage("sensors/dev-1", []byte(`{"temperature":21}`))
	s.Close()

	entry, ok := latest.Get("sensors/dev-1")
	if !ok {
		t.Fatal("Expected cache entry for topic")
	}
	if entry.Payload != `{"temperature":21}` {
		t.Errorf("Unexpected cached payload %s", entry.Payload)
	}
	if entry.Timestamp.Location() != time.UTC || !entry.Timestamp.Equal(fixedNow) {
		t.Errorf("Expected UTC timestamp equal to clock, got %v", entry.Timestamp)
	}
	if byDevice, ok := latest.ForDevice("dev-1"); !ok || byDevice != entry {
		t.Errorf("Expected device view to match topic view, got %+v", byDevice)
	}

	records, _ := store.QueryRange(context.Background(), "dev-1", nil, 10)
	if len(records) != 1 {
		t.Fatalf("Expected 1 stored record, got %d", len(records))
	}
	if records[0].Topic != "sensors/dev-1" || records[0].DeviceID != "dev-1" {
		t.Errorf("Unexpected record %+v", records[0])
	}

	if len(pub.msgs) != 1 || pub.msgs[0].DeviceID != "dev-1" || pub.msgs[0].Payload != `{"temperature":21}` {
		t.Errorf("Unexpected fan-out %+v", pub.msgs)
	}
}

func TestStream_PreservesOrder(t *testing.T) {
	store := &flakyStore{}
	p := ingest.NewPipeline(ingest.Config{QueueSize: 64}, store, cache.NewLatest(), nil, zap.NewNop())

	s := p.Attach("dev-1")
	want := []string{"1", "2", "3", "4", "5"}
	for _, payload := range want {
		s.HandleMessage("t", []byte(payload))
	}
	s.Close()

	if len(store.appended) != len(want) {
		t.Fatalf("Expected %d writes, got %d", len(want), len(store.appended))
	}
	for i := range want {
		if store.appended[i] != want[i] {
			t.Errorf("Write %d: expected %s, got %s", i, want[i], store.appended[i])
		}
	}
}

func TestStream_StoreFailureDoesNotStopIngestion(t *testing.T) {
	store := &flakyStore{fail: map[string]bool{"bad": true}}
	latest := cache.NewLatest()
	p := ingest.NewPipeline(ingest.Config{}, store, latest, nil, zap.NewNop())
	failedBefore := testutil.ToFloat64(metrics.StoreWrites.WithLabelValues("failed"))

	s := p.Attach("dev-1")
	s.HandleMessage("t", []byte("bad"))
	s.HandleMessage("t", []byte("good"))
	s.Close()

	if got := testutil.ToFloat64(metrics.StoreWrites.WithLabelValues("failed")) - failedBefore; got != 1 {
		t.Errorf("Expected 1 failed write counted, got %v", got)
	}

	if len(store.appended) != 1 || store.appended[0] != "good" {
		t.Errorf("Expected only the good record stored, got %v", store.appended)
	}
	if e, _ := latest.Get("t"); e.Payload != "good" {
		t.Errorf("Expected cache to hold the latest message, got %s", e.Payload)
	}
}

func TestStream_SlowStoreDoesNotBlockDelivery(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	latest := cache.NewLatest()
	p := ingest.NewPipeline(ingest.Config{QueueSize: 2}, store, latest, nil, zap.NewNop())
	s := p.Attach("dev-1")
	droppedBefore := testutil.ToFloat64(metrics.IngestQueueDropped)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			s.HandleMessage("t", []byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleMessage blocked on a slow store")
	}
	if _, ok := latest.Get("t"); !ok {
		t.Error("Expected cache to be updated while the store is stalled")
	}

	close(store.release)
	s.Close()

	// one in flight plus a full queue, the rest dropped
	if store.count == 0 || store.count > 3 {
		t.Errorf("Expected between 1 and 3 writes, got %d", store.count)
	}
	if dropped := testutil.ToFloat64(metrics.IngestQueueDropped) - droppedBefore; int(dropped) != 20-store.count {
		t.Errorf("Expected %d drops counted, got %v", 20-store.count, dropped)
	}
}

func TestStream_DevicesAreIndependent(t *testing.T) {
	slow := &blockingStore{release: make(chan struct{})}
	p := ingest.NewPipeline(ingest.Config{QueueSize: 4}, slow, cache.NewLatest(), nil, zap.NewNop())

	a := p.Attach("dev-a")
	b := p.Attach("dev-b")
	a.HandleMessage("a", []byte("1"))
	b.HandleMessage("b", []byte("1"))

	close(slow.release)
	a.Close()
	b.Close()

	if slow.count != 2 {
		t.Errorf("Expected 2 writes across devices, got %d", slow.count)
	}
}

func TestStream_NilStoreAndCloseIdempotent(t *testing.T) {
	pub := &capturePublisher{}
	p := ingest.NewPipeline(ingest.Config{}, nil, nil, pub, zap.NewNop())

	s := p.Attach("dev-1")
	s.HandleMessage("t", []byte("x"))
	s.Close()
	s.Close()
	s.HandleMessage("t", []byte("after close"))

	if len(pub.msgs) != 2 {
		t.Errorf("Expected fan-out to keep working without a store, got %d messages", len(pub.msgs))
	}
}

func TestStream_FullQueueWaitsForRoom(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	p := ingest.NewPipeline(ingest.Config{QueueSize: 1, EnqueueWait: 5 * time.Second}, store, cache.NewLatest(), nil, zap.NewNop())
	s := p.Attach("dev-1")
	droppedBefore := testutil.ToFloat64(metrics.IngestQueueDropped)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(store.release)
	}()
	for i := 0; i < 5; i++ {
		s.HandleMessage("t", []byte("x"))
	}
	s.Close()

	if store.count != 5 {
		t.Errorf("Expected every record written once the store caught up, got %d", store.count)
	}
	if dropped := testutil.ToFloat64(metrics.IngestQueueDropped) - droppedBefore; dropped != 0 {
		t.Errorf("Expected no drops, got %v", dropped)
	}
}

func TestStream_EnqueueWaitIsBounded(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	p := ingest.NewPipeline(ingest.Config{QueueSize: 1, EnqueueWait: 20 * time.Millisecond}, store, cache.NewLatest(), nil, zap.NewNop())
	s := p.Attach("dev-1")
	droppedBefore := testutil.ToFloat64(metrics.IngestQueueDropped)

	start := time.Now()
	for i := 0; i < 6; i++ {
		s.HandleMessage("t", []byte("x"))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Expected delivery to give up on a stalled store, took %v", elapsed)
	}

	close(store.release)
	s.Close()

	if dropped := testutil.ToFloat64(metrics.IngestQueueDropped) - droppedBefore; int(dropped) != 6-store.count {
		t.Errorf("Expected %d drops counted, got %v", 6-store.count, dropped)
	}
	if store.count == 0 || store.count > 2 {
		t.Errorf("Expected between 1 and 2 writes, got %d", store.count)
	}
}
