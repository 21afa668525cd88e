package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 parses a timestamp from query parameters and rejects the
// empty string explicitly, since a zero time would silently match everything.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// DurationMinutes reports the minutes between two timestamps regardless of
// their order. Anomaly durations and engine uptime are both reported in
// minutes.
func DurationMinutes(start, end time.Time) float64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Minutes()
}
