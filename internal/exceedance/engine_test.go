package exceedance_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/iot-telemetry-bridge/internal/db"
	"github.com/septivank/iot-telemetry-bridge/internal/exceedance"
	"github.com/septivank/iot-telemetry-bridge/internal/repository"
)

var base = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

type countingSource struct {
	calls   int
	records []db.TelemetryRecord
	err     error
}

func (s *countingSource) QueryRange(_ context.Context, _ string, _ *time.Time, _ int) ([]db.TelemetryRecord, error) {
	s.calls++
	return s.records, s.err
}

func f(v float64) *float64 { return &v }

func rec(offset time.Duration, payload string) db.TelemetryRecord {
	return db.TelemetryRecord{
		ID:         uuid.New(),
		DeviceID:   "dev-1",
		Topic:      "sensors/dev-1",
		Payload:    payload,
		ReceivedAt: base.Add(offset),
	}
}

func TestFind_EmptySpecShortCircuits(t *testing.T) {
	src := &countingSource{records: []db.TelemetryRecord{rec(0, `{"temperature":99}`)}}
	engine := exceedance.NewEngine(src)

	for _, spec := range []exceedance.ThresholdSpec{nil, {}} {
		got, err := engine.Find(context.Background(), "dev-1", spec, exceedance.Options{})
		if err != nil {
			t.Fatalf("Find returned error: %v", err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("Expected empty non-nil result, got %v", got)
		}
	}
	if src.calls != 0 {
		t.Errorf("Expected no store queries, got %d", src.calls)
	}
}

func TestFind_SingleAlert(t *testing.T) {
	src := &countingSource{records: []db.TelemetryRecord{rec(0, `{"temperature":35,"humidity":50}`)}}
	engine := exceedance.NewEngine(src)

	got, err := engine.Find(context.Background(), "dev-1",
		exceedance.ThresholdSpec{"temperature": {Max: f(30)}}, exceedance.Options{})
	if err != nil {
		t.Fatalf("Find returned error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(got))
	}

	want := []exceedance.Alert{{Field: "temperature", Direction: exceedance.Above, Value: 35, Threshold: 30}}
	if !reflect.DeepEqual(got[0].Alerts, want) {
		t.Errorf("Expected %+v, got %+v", want, got[0].Alerts)
	}
}

func TestFind_StoreError(t *testing.T) {
	src := &countingSource{err: errors.New("boom")}
	engine := exceedance.NewEngine(src)

	_, err := engine.Find(context.Background(), "dev-1",
		exceedance.ThresholdSpec{"temperature": {Max: f(30)}}, exceedance.Options{})
	if err == nil {
		t.Fatal("Expected store error to propagate")
	}
}

func TestEvaluate_BoundsAreExclusive(t *testing.T) {
	spec := exceedance.ThresholdSpec{"temperature": {Min: f(10), Max: f(30)}}
	records := []db.TelemetryRecord{
		rec(0, `{"temperature":10}`),
		rec(time.Second, `{"temperature":30}`),
		rec(2*time.Second, `{"temperature":"30.0"}`),
	}

	if got := exceedance.Evaluate(records, spec); len(got) != 0 {
		t.Errorf("Expected no alerts at exact bounds, got %+v", got)
	}
}

func TestEvaluate_MultiFieldMultiAlert(t *testing.T) {
	spec := exceedance.ThresholdSpec{
		"temperature": {Min: f(10)},
		"humidity":    {Max: f(80)},
	}
	got := exceedance.Evaluate([]db.TelemetryRecord{rec(0, `{"temperature":5,"humidity":95}`)}, spec)

	if len(got) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(got))
	}
	want := []exceedance.Alert{
		{Field: "humidity", Direction: exceedance.Above, Value: 95, Threshold: 80},
		{Field: "temperature", Direction: exceedance.Below, Value: 5, Threshold: 10},
	}
	if !reflect.DeepEqual(got[0].Alerts, want) {
		t.Errorf("Expected %+v, got %+v", want, got[0].Alerts)
	}
}

func TestEvaluate_InvertedBoundsRaiseBoth(t *testing.T) {
	spec := exceedance.ThresholdSpec{"temperature": {Min: f(40), Max: f(20)}}
	got := exceedance.Evaluate([]db.TelemetryRecord{rec(0, `{"temperature":30}`)}, spec)

	if len(got) != 1 || len(got[0].Alerts) != 2 {
		t.Fatalf("Expected both directions to fire, got %+v", got)
	}
}

func TestEvaluate_SkipsUnusablePayloads(t *testing.T) {
	spec := exceedance.ThresholdSpec{"temperature": {Max: f(30)}}
	records := []db.TelemetryRecord{
		rec(0, `not json`),
		rec(time.Second, `[1,2,3]`),
		rec(2*time.Second, `{"temperature":true}`),
		rec(3*time.Second, `{"temperature":null}`),
		rec(4*time.Second, `{"temperature":{"value":99}}`),
		rec(5*time.Second, `{"temperature":"hot"}`),
		rec(6*time.Second, `{"humidity":99}`),
		rec(7*time.Second, `{"temperature":"31.5"}`),
	}

	got := exceedance.Evaluate(records, spec)
	if len(got) != 1 {
		t.Fatalf("Expected only the numeric-string record, got %d", len(got))
	}
	if got[0].Alerts[0].Value != 31.5 {
		t.Errorf("Expected coerced value 31.5, got %v", got[0].Alerts[0].Value)
	}
}

func TestEvaluate_PreservesOrder(t *testing.T) {
	spec := exceedance.ThresholdSpec{"v": {Max: f(0)}}
	records := []db.TelemetryRecord{
		rec(3*time.Second, `{"v":3}`),
		rec(2*time.Second, `{"v":-1}`),
		rec(time.Second, `{"v":1}`),
	}

	got := exceedance.Evaluate(records, spec)
	if len(got) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(got))
	}
	if got[0].Record.ID != records[0].ID || got[1].Record.ID != records[2].ID {
		t.Error("Expected input order to be preserved")
	}
}

func TestFind_SortsUnorderedSource(t *testing.T) {
	src := &countingSource{records: []db.TelemetryRecord{
		rec(time.Second, `{"v":1}`),
		rec(3*time.Second, `{"v":3}`),
		rec(2*time.Second, `{"v":2}`),
	}}
	engine := exceedance.NewEngine(src)

	got, err := engine.Find(context.Background(), "dev-1",
		exceedance.ThresholdSpec{"v": {Max: f(0)}}, exceedance.Options{Limit: 2})
	if err != nil {
		t.Fatalf("Find returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(got))
	}
	if got[0].Alerts[0].Value != 3 || got[1].Alerts[0].Value != 2 {
		t.Errorf("Expected newest first [3 2], got [%v %v]", got[0].Alerts[0].Value, got[1].Alerts[0].Value)
	}
}

// Every backend must yield the same exceedances for the same data.
func TestFind_IdenticalAcrossStores(t *testing.T) {
	ctx := context.Background()

	conn, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	sqliteStore, err := repository.NewSQLiteStore(ctx, conn)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer sqliteStore.Close()

	stores := map[string]repository.TelemetryStore{
		"memory": repository.NewMemoryStore(),
		"sqlite": sqliteStore,
	}

	payloads := []string{
		`{"temperature":12,"humidity":40}`,
		`{"temperature":31,"humidity":85}`,
		`{"temperature":"9","humidity":50}`,
		`garbage`,
		`{"temperature":25}`,
		`{"temperature":40,"humidity":"n/a"}`,
	}
	for _, s := range stores {
		for i, p := range payloads {
			r := rec(time.Duration(i)*time.Minute, p)
			r.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(p))
			if err := s.Append(ctx, r); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}
	}

	spec := exceedance.ThresholdSpec{
		"temperature": {Min: f(10), Max: f(30)},
		"humidity":    {Max: f(80)},
	}
	since := base.Add(time.Minute)
	opts := exceedance.Options{Limit: 4, Since: &since}

	var reference []exceedance.Result
	for name, s := range stores {
		got, err := exceedance.NewEngine(s).Find(ctx, "dev-1", spec, opts)
		if err != nil {
			t.Fatalf("%s: Find failed: %v", name, err)
		}
		if reference == nil {
			reference = got
			continue
		}
		if len(got) != len(reference) {
			t.Fatalf("%s: expected %d results, got %d", name, len(reference), len(got))
		}
		for i := range got {
			if got[i].Record.ID != reference[i].Record.ID || !reflect.DeepEqual(got[i].Alerts, reference[i].Alerts) {
				t.Errorf("%s: result %d differs", name, i)
			}
		}
	}

	// window is minutes 2..5: minutes 2 and 5 cross a bound
	if len(reference) != 2 {
		t.Errorf("Expected 2 exceedances in window, got %d", len(reference))
	}
}
