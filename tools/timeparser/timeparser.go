package timeparser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTimestamp attempts to parse a caller-supplied timestamp with multiple
// formats. Zone-less layouts are read as UTC. A bare integer is taken as
// Unix milliseconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("failed to parse timestamp: empty value")
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}

	formats := []string{
		time.RFC3339Nano,      // 2006-01-02T15:04:05.999999999Z07:00
		"2006-01-02T15:04:05", // ISO without zone
		"2006-01-02 15:04:05", // SQL style
		"2006-01-02",          // date only
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", s, lastErr)
}

// WindowStart returns the lower bound of a named look-back period ending at now
func WindowStart(period string, now time.Time) (time.Time, bool) {
	switch strings.ToLower(period) {
	case "day":
		return now.Add(-24 * time.Hour), true
	case "week":
		return now.Add(-7 * 24 * time.Hour), true
	}
	return time.Time{}, false
}
