// Package timeutil normalizes broker timestamps. Every persisted
// timestamp in the control plane is ISO-8601 UTC with a trailing Z; bare
// dates and local offsets never reach disk.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// acceptedLayouts covers the formats brokers actually send. Timezone-naive
// inputs are treated as UTC.
var acceptedLayouts = []struct {
	layout string
	naive  bool
}{
	{time.RFC3339Nano, false},
	{time.RFC3339, false},
	{"2006-01-02T15:04:05.999999999", true},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02 15:04:05.999999999", true},
	{"2006-01-02 15:04:05", true},
}

// Parse interprets a broker timestamp string and returns it in UTC.
func Parse(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, l := range acceptedLayouts {
		if l.naive {
			if t, err := time.ParseInLocation(l.layout, v, time.UTC); err == nil {
				return t.UTC(), nil
			}
			continue
		}
		if t, err := time.Parse(l.layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// FormatZ renders a time as ISO-8601 UTC with the Z suffix, preserving
// sub-second precision when present.
func FormatZ(t time.Time) string {
	u := t.UTC()
	if u.Nanosecond() == 0 {
		return u.Format("2006-01-02T15:04:05Z")
	}
	return u.Format("2006-01-02T15:04:05.999999999Z")
}

// DatePart returns the YYYY-MM-DD component of a UTC timestamp. Used only
// for comparisons; never for storage.
func DatePart(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
