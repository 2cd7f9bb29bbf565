package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/iot-telemetry-bridge/internal/db"
	"github.com/septivank/iot-telemetry-bridge/internal/repository"
)

var suiteBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(deviceID string, offset time.Duration, payload string) db.TelemetryRecord {
	return db.TelemetryRecord{
		ID:         uuid.New(),
		DeviceID:   deviceID,
		Topic:      "sensors/" + deviceID,
		Payload:    payload,
		ReceivedAt: suiteBase.Add(offset),
	}
}

// runStoreSuite checks the TelemetryStore contract against any backend
func runStoreSuite(t *testing.T, newStore func(t *testing.T) repository.TelemetryStore) {
	t.Run("NewestFirstWithLimit", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i, p := range []string{"t1", "t2", "t3"} {
			if err := store.Append(ctx, record("dev-1", time.Duration(i)*time.Minute, p)); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}

		got, err := store.QueryRange(ctx, "dev-1", nil, 2)
		if err != nil {
			t.Fatalf("QueryRange failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("Expected 2 records, got %d", len(got))
		}
		if got[0].Payload != "t3" || got[1].Payload != "t2" {
			t.Errorf("Expected [t3 t2], got [%s %s]", got[0].Payload, got[1].Payload)
		}
	})

	t.Run("OutOfOrderAppends", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_ = store.Append(ctx, record("dev-1", 2*time.Minute, "late"))
		_ = store.Append(ctx, record("dev-1", 0, "early"))
		_ = store.Append(ctx, record("dev-1", time.Minute, "middle"))

		got, err := store.QueryRange(ctx, "dev-1", nil, 10)
		if err != nil {
			t.Fatalf("QueryRange failed: %v", err)
		}
		want := []string{"late", "middle", "early"}
		if len(got) != len(want) {
			t.Fatalf("Expected %d records, got %d", len(want), len(got))
		}
		for i := range want {
			if got[i].Payload != want[i] {
				t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i].Payload)
			}
		}
	})

	t.Run("EqualTimestampsNewestInsertFirst", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_ = store.Append(ctx, record("dev-1", 0, "first"))
		_ = store.Append(ctx, record("dev-1", 0, "second"))

		got, err := store.QueryRange(ctx, "dev-1", nil, 0)
		if err != nil {
			t.Fatalf("QueryRange failed: %v", err)
		}
		if len(got) != 2 || got[0].Payload != "second" {
			t.Errorf("Expected second insert first, got %+v", got)
		}
	})

	t.Run("SinceIsInclusive", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i, p := range []string{"t1", "t2", "t3"} {
			_ = store.Append(ctx, record("dev-1", time.Duration(i)*time.Minute, p))
		}

		since := suiteBase.Add(time.Minute)
		got, err := store.QueryRange(ctx, "dev-1", &since, 10)
		if err != nil {
			t.Fatalf("QueryRange failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("Expected 2 records at or after since, got %d", len(got))
		}
		if got[1].Payload != "t2" {
			t.Errorf("Expected record at exactly since to be included, got %s", got[1].Payload)
		}
	})

	t.Run("FiltersByDevice", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_ = store.Append(ctx, record("dev-1", 0, "mine"))
		_ = store.Append(ctx, record("dev-2", time.Minute, "theirs"))

		got, err := store.QueryRange(ctx, "dev-1", nil, 10)
		if err != nil {
			t.Fatalf("QueryRange failed: %v", err)
		}
		if len(got) != 1 || got[0].Payload != "mine" {
			t.Errorf("Expected only dev-1 record, got %+v", got)
		}

		none, err := store.QueryRange(ctx, "missing", nil, 10)
		if err != nil {
			t.Fatalf("QueryRange for unknown device failed: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("Expected empty result for unknown device, got %d", len(none))
		}
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_ = store.Append(ctx, record("dev-1", -48*time.Hour, "old"))
		_ = store.Append(ctx, record("dev-1", 0, "cutoff"))
		_ = store.Append(ctx, record("dev-2", time.Hour, "new"))

		removed, err := store.DeleteOlderThan(ctx, suiteBase)
		if err != nil {
			t.Fatalf("DeleteOlderThan failed: %v", err)
		}
		if removed != 1 {
			t.Errorf("Expected 1 record removed, got %d", removed)
		}

		got, _ := store.QueryRange(ctx, "dev-1", nil, 10)
		if len(got) != 1 || got[0].Payload != "cutoff" {
			t.Errorf("Expected record at cutoff to survive, got %+v", got)
		}
	})

	t.Run("RoundTripsFields", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		rec := record("dev-1", 1500*time.Millisecond, `{"temperature":21.5}`)
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		got, err := store.QueryRange(ctx, "dev-1", nil, 1)
		if err != nil || len(got) != 1 {
			t.Fatalf("QueryRange failed: %v (%d records)", err, len(got))
		}
		if got[0].ID != rec.ID {
			t.Errorf("Expected id %s, got %s", rec.ID, got[0].ID)
		}
		if got[0].Topic != rec.Topic || got[0].Payload != rec.Payload {
			t.Errorf("Expected %s/%s, got %s/%s", rec.Topic, rec.Payload, got[0].Topic, got[0].Payload)
		}
		if !got[0].ReceivedAt.Equal(rec.ReceivedAt) {
			t.Errorf("Expected timestamp %v, got %v", rec.ReceivedAt, got[0].ReceivedAt)
		}
	})
}
