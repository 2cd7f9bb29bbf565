package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/septivank/iot-telemetry-bridge/internal/db"
)

// MemoryStore is a TelemetryStore kept entirely in process memory.
// Used with DATABASE_DRIVER=memory and in tests; lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records []db.TelemetryRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, rec db.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// QueryRange walks the log backwards, so among equal timestamps the latest
// insert wins. The result is then stably re-sorted by timestamp in case the
// log was not appended in time order.
func (s *MemoryStore) QueryRange(_ context.Context, deviceID string, since *time.Time, limit int) ([]db.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]db.TelemetryRecord, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.DeviceID != deviceID {
			continue
		}
		if since != nil && rec.ReceivedAt.Before(*since) {
			continue
		}
		matched = append(matched, rec)
	}

	sortNewestFirst(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var removed int64
	for _, rec := range s.records {
		if rec.ReceivedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return removed, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of records currently held
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func sortNewestFirst(records []db.TelemetryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ReceivedAt.After(records[j].ReceivedAt)
	})
}
