// Package exceedance evaluates stored telemetry against per-field min/max
// thresholds and reports every record that crosses at least one bound.
package exceedance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/septivank/iot-telemetry-bridge/internal/db"
)

// DefaultLimit is the candidate window when the caller gives none
const DefaultLimit = 100

// Direction tells which side of a bound was crossed
type Direction string

const (
	Below Direction = "below"
	Above Direction = "above"
)

// Alert describes one crossed bound on one field
type Alert struct {
	Field     string    `json:"field"`
	Direction Direction `json:"type"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
}

// Result is a stored record together with the alerts it raised
type Result struct {
	Record db.TelemetryRecord
	Alerts []Alert
}

// Options bounds the candidate window
type Options struct {
	Limit int
	// Since is inclusive.
	Since *time.Time
}

// Source is the read side of the telemetry store the engine scans
type Source interface {
	QueryRange(ctx context.Context, deviceID string, since *time.Time, limit int) ([]db.TelemetryRecord, error)
}

// Engine runs exceedance queries against a Source
type Engine struct {
	source Source
}

// NewEngine creates a new exceedance engine
func NewEngine(source Source) *Engine {
	return &Engine{source: source}
}

// Find fetches up to opts.Limit newest records for deviceID and returns
// those that violate spec, newest first. An empty spec returns an empty
// result without touching the store.
func (e *Engine) Find(ctx context.Context, deviceID string, spec ThresholdSpec, opts Options) ([]Result, error) {
	if len(spec) == 0 {
		return []Result{}, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	records, err := e.source.QueryRange(ctx, deviceID, opts.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidate records: %w", err)
	}

	// The store contract already orders and filters, but nothing here
	// relies on it.
	records = windowNewestFirst(records, opts.Since, limit)

	return Evaluate(records, spec), nil
}

// Evaluate checks each record against spec and keeps only records with at
// least one alert. Input order is preserved.
func Evaluate(records []db.TelemetryRecord, spec ThresholdSpec) []Result {
	results := make([]Result, 0)
	if len(spec) == 0 {
		return results
	}

	fields := sortedFields(spec)
	for _, rec := range records {
		values := DecodeFields(rec.Payload)
		if len(values) == 0 {
			continue
		}
		alerts := check(values, spec, fields)
		if len(alerts) > 0 {
			results = append(results, Result{Record: rec, Alerts: alerts})
		}
	}
	return results
}

// DecodeFields decodes a JSON object payload into its numeric fields.
// Non-object payloads and non-numeric values yield nothing.
func DecodeFields(payload string) map[string]float64 {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil
	}

	values := make(map[string]float64, len(raw))
	for k, v := range raw {
		if f, ok := toFloat(v); ok {
			values[k] = f
		}
	}
	return values
}

func check(values map[string]float64, spec ThresholdSpec, fields []string) []Alert {
	var alerts []Alert
	for _, field := range fields {
		value, ok := values[field]
		if !ok {
			continue
		}
		b := spec[field]
		if b.Min != nil && value < *b.Min {
			alerts = append(alerts, Alert{Field: field, Direction: Below, Value: value, Threshold: *b.Min})
		}
		if b.Max != nil && value > *b.Max {
			alerts = append(alerts, Alert{Field: field, Direction: Above, Value: value, Threshold: *b.Max})
		}
	}
	return alerts
}

// sortedFields gives alerts a stable field order
func sortedFields(spec ThresholdSpec) []string {
	fields := make([]string, 0, len(spec))
	for f := range spec {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func windowNewestFirst(records []db.TelemetryRecord, since *time.Time, limit int) []db.TelemetryRecord {
	out := make([]db.TelemetryRecord, 0, len(records))
	for _, r := range records {
		if since != nil && r.ReceivedAt.Before(*since) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
