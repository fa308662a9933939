package marketdata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
)

func writeBarFile(t *testing.T, dir, symbol string, bars []Bar) {
	t.Helper()
	require.NoError(t, atomicio.WriteJSON(filepath.Join(dir, symbol+".json"), bars))
}

func TestFilesDailyBars(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeBarFile(t, dir, "PFE", []Bar{
		{Date: "2026-02-03", Close: 25.0, Volume: 1e6},
		{Date: "2026-02-04", Close: 25.4, Volume: 1.1e6},
		{Date: "2026-02-05", Close: 25.8, Volume: 0.9e6},
	})

	f := NewFiles(dir)

	bars, err := f.DailyBars(ctx, "PFE", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "2026-02-04", bars[0].Date, "window keeps the most recent bars")

	all, err := f.DailyBars(ctx, "PFE", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFilesSymbolLookupIsCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	writeBarFile(t, dir, "KO", []Bar{{Date: "2026-02-05", Close: 60}})

	bars, err := NewFiles(dir).DailyBars(context.Background(), "ko", 1)
	require.NoError(t, err)
	assert.Equal(t, 60.0, bars[0].Close)
}

func TestFilesMissingSymbol(t *testing.T) {
	f := NewFiles(t.TempDir())

	_, err := f.DailyBars(context.Background(), "MRK", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no bar history")
}

func TestFilesRejectsPathSeparators(t *testing.T) {
	f := NewFiles(t.TempDir())

	_, err := f.DailyBars(context.Background(), "../etc/passwd", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid symbol")
}

func TestFilesAvgDailyDollarVolume(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeBarFile(t, dir, "PFE", []Bar{
		{Date: "2026-02-03", Close: 10, Volume: 1000},
		{Date: "2026-02-04", Close: 20, Volume: 1000},
		{Date: "2026-02-05", Close: 30, Volume: 1000},
	})

	f := NewFiles(dir)

	// Trailing two bars: (20k + 30k) / 2.
	adv, err := f.AvgDailyDollarVolume(ctx, "PFE", 2)
	require.NoError(t, err)
	assert.InDelta(t, 25_000, adv, 0.001)

	// Window wider than history averages what exists.
	adv, err = f.AvgDailyDollarVolume(ctx, "PFE", 50)
	require.NoError(t, err)
	assert.InDelta(t, 20_000, adv, 0.001)
}
