package exceedance

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

const (
	minSuffix = "Min"
	maxSuffix = "Max"
)

// Bounds is the optional min/max pair for one payload field.
// A nil side is not checked.
type Bounds struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// ThresholdSpec maps a payload field name to its bounds
type ThresholdSpec map[string]Bounds

// UnmarshalJSON accepts each bound as a number or a numeric string.
// Anything else leaves that bound unset.
func (b *Bounds) UnmarshalJSON(data []byte) error {
	var raw struct {
		Min json.RawMessage `json:"min"`
		Max json.RawMessage `json:"max"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid threshold bounds: %w", err)
	}
	b.Min = boundFromJSON(raw.Min)
	b.Max = boundFromJSON(raw.Max)
	return nil
}

func boundFromJSON(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}

// ParseBound converts a string bound to a float. Empty, non-numeric
// and non-finite inputs yield nil.
func ParseBound(s string) *float64 {
	f, ok := parseNumericString(s)
	if !ok {
		return nil
	}
	return &f
}

// ParseThresholdQuery rebuilds a ThresholdSpec from flat `<field>Min` /
// `<field>Max` query keys. Other keys are ignored, as are bounds that do
// not parse. A field with no usable bound is left out entirely.
func ParseThresholdQuery(values url.Values) ThresholdSpec {
	spec := make(ThresholdSpec)
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		field, isMin, ok := splitBoundKey(key)
		if !ok {
			continue
		}
		bound := ParseBound(vals[0])
		if bound == nil {
			continue
		}
		b := spec[field]
		if isMin {
			b.Min = bound
		} else {
			b.Max = bound
		}
		spec[field] = b
	}
	return spec
}

func splitBoundKey(key string) (field string, isMin bool, ok bool) {
	switch {
	case len(key) > len(minSuffix) && strings.HasSuffix(key, minSuffix):
		return strings.TrimSuffix(key, minSuffix), true, true
	case len(key) > len(maxSuffix) && strings.HasSuffix(key, maxSuffix):
		return strings.TrimSuffix(key, maxSuffix), false, true
	}
	return "", false, false
}

// toFloat is the single numeric coercion rule used for both payload values
// and bounds: JSON numbers and strings holding a finite float count,
// everything else (bool, null, objects, arrays) does not.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, isFinite(n)
	case json.Number:
		return parseNumericString(n.String())
	case string:
		return parseNumericString(n)
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func parseNumericString(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !isFinite(f) {
		return 0, false
	}
	return f, true
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
