package marketdata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
)

// Files serves daily history from per-symbol JSON files under a single
// directory, one `<SYMBOL>.json` array of bars per symbol, oldest first.
// It is the on-disk companion to the file-backed broker simulator:
// external loaders refresh the files, the control plane only reads them.
// Dollar volume is averaged from the same bars, so a directory of daily
// history is enough to drive entry pricing and liquidity caps.
type Files struct {
	dir string
}

// NewFiles creates a provider rooted at dir. The directory does not have
// to exist yet; lookups fail per symbol until files appear.
func NewFiles(dir string) *Files {
	return &Files{dir: dir}
}

// Dir returns the directory the provider reads from.
func (f *Files) Dir() string { return f.dir }

func (f *Files) path(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" || strings.ContainsAny(s, `/\`+"\x00") {
		return "", fmt.Errorf("invalid symbol %q", symbol)
	}
	return filepath.Join(f.dir, s+".json"), nil
}

func (f *Files) DailyBars(_ context.Context, symbol string, n int) ([]Bar, error) {
	path, err := f.path(symbol)
	if err != nil {
		return nil, err
	}
	var bars []Bar
	if err := atomicio.ReadJSON(path, &bars); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no bar history for %s", symbol)
		}
		return nil, fmt.Errorf("failed to read bar history for %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("empty bar history for %s", symbol)
	}
	if n > 0 && len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

func (f *Files) AvgDailyDollarVolume(ctx context.Context, symbol string, days int) (float64, error) {
	if days <= 0 {
		days = 20
	}
	bars, err := f.DailyBars(ctx, symbol, days)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, b := range bars {
		sum += b.Close * b.Volume
	}
	return sum / float64(len(bars)), nil
}
