package domain

import (
	"fmt"
	"strings"
	"time"
)

// Stored timestamps are naive: the wall clock of the market's local time,
// carried in a time.Time whose location is UTC.
const (
	TimestampLayout = "2006-01-02 15:04:05"
	DateLayout      = "2006-01-02"
)

// Naive strips the zone from t and keeps its wall clock.
func Naive(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

// InLocation converts an absolute instant to a naive timestamp in loc.
func InLocation(t time.Time, loc *time.Location) time.Time {
	return Naive(t.In(loc))
}

// DateOf truncates a naive timestamp to midnight.
func DateOf(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDate reports whether a and b fall on the same calendar date.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// FormatTimestamp renders a naive timestamp for storage.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimestampLayout)
}

// FormatDate renders the date part of t.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

var naiveLayouts = []string{
	TimestampLayout,
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	DateLayout,
	"20060102",
	"2006/01/02",
	"2006/01/02 15:04:05",
}

// ParseTimestamp parses the textual timestamp forms used by the store and by
// providers that publish market-local time. Zoned RFC 3339 input keeps its
// wall clock; callers convert zones before calling.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Naive(t), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
