package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAcceptsBrokerFormats(t *testing.T) {
	want := time.Date(2026, 2, 5, 20, 55, 55, 0, time.UTC)

	tests := []struct {
		name  string
		input string
	}{
		{"rfc3339 z", "2026-02-05T20:55:55Z"},
		{"rfc3339 offset", "2026-02-05T15:55:55-05:00"},
		{"naive iso", "2026-02-05T20:55:55"},
		{"naive space", "2026-02-05 20:55:55"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.True(t, got.Equal(want), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParsePreservesSubseconds(t *testing.T) {
	got, err := Parse("2026-02-05T20:55:55.123456Z")
	require.NoError(t, err)
	assert.Equal(t, 123456000, got.Nanosecond())
}

func TestParseRejectsGarbageAndBareDate(t *testing.T) {
	for _, input := range []string{"", "yesterday", "2026-02-05"} {
		_, err := Parse(input)
		assert.Error(t, err, input)
	}
}

func TestFormatZNeverShiftsDate(t *testing.T) {
	// 20:55 New York on Feb 5 is already Feb 6 in UTC; formatting must
	// reflect UTC, not truncate to the local date.
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	in := time.Date(2026, 2, 5, 20, 55, 55, 0, ny)

	got := FormatZ(in)
	assert.Equal(t, "2026-02-06T01:55:55Z", got)
}

func TestFormatZRoundTrip(t *testing.T) {
	in := time.Date(2026, 2, 5, 20, 55, 55, 500000000, time.UTC)
	out := FormatZ(in)
	assert.Equal(t, "2026-02-05T20:55:55.5Z", out)

	back, err := Parse(out)
	require.NoError(t, err)
	assert.True(t, back.Equal(in))
}

func TestDatePart(t *testing.T) {
	in := time.Date(2026, 2, 5, 20, 55, 55, 0, time.UTC)
	assert.Equal(t, "2026-02-05", DatePart(in))
}
