package marketdata

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Derived computes volatility measures from any BarProvider, for scopes
// whose data feed ships bars but no precomputed indicators. ATR uses a
// Wilder-style simple average of true range; the rolling median covers
// the trailing medianWindow ATR values.
type Derived struct {
	bars         BarProvider
	atrPeriod    int
	medianWindow int
}

// NewDerived wraps bars with indicator math. Zero periods fall back to
// ATR(14) with a 50-sample median window.
func NewDerived(bars BarProvider, atrPeriod, medianWindow int) *Derived {
	if atrPeriod <= 0 {
		atrPeriod = 14
	}
	if medianWindow <= 0 {
		medianWindow = 50
	}
	return &Derived{bars: bars, atrPeriod: atrPeriod, medianWindow: medianWindow}
}

// ATR returns the current ATR and its rolling median. It needs
// atrPeriod+medianWindow bars of history; fewer bars shrink the median
// window rather than failing, but fewer than atrPeriod+1 bars is an
// error.
func (d *Derived) ATR(ctx context.Context, symbol string) (float64, float64, error) {
	need := d.atrPeriod + d.medianWindow
	bars, err := d.bars.DailyBars(ctx, symbol, need+1)
	if err != nil {
		return 0, 0, err
	}
	if len(bars) < d.atrPeriod+1 {
		return 0, 0, fmt.Errorf("need %d bars for ATR(%d) on %s, have %d", d.atrPeriod+1, d.atrPeriod, symbol, len(bars))
	}

	trs := trueRanges(bars)
	series := make([]float64, 0, len(trs)-d.atrPeriod+1)
	for i := d.atrPeriod; i <= len(trs); i++ {
		sum := 0.0
		for _, tr := range trs[i-d.atrPeriod : i] {
			sum += tr
		}
		series = append(series, sum/float64(d.atrPeriod))
	}

	current := series[len(series)-1]
	window := series
	if len(window) > d.medianWindow {
		window = window[len(window)-d.medianWindow:]
	}
	return current, median(window), nil
}

// AnnualizedVol returns the close-to-close volatility over the trailing
// year, annualized with a 252-day factor.
func (d *Derived) AnnualizedVol(ctx context.Context, symbol string) (float64, error) {
	bars, err := d.bars.DailyBars(ctx, symbol, 252)
	if err != nil {
		return 0, err
	}
	if len(bars) < 2 {
		return 0, fmt.Errorf("need at least 2 bars for volatility on %s, have %d", symbol, len(bars))
	}
	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close <= 0 {
			continue
		}
		returns = append(returns, bars[i].Close/bars[i-1].Close-1)
	}
	if len(returns) == 0 {
		return 0, fmt.Errorf("no usable returns for %s", symbol)
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		dev := r - mean
		variance += dev * dev
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance) * math.Sqrt(252), nil
}

// trueRanges returns the true range per bar, starting at the second bar.
func trueRanges(bars []Bar) []float64 {
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		out = append(out, math.Max(hl, math.Max(hc, lc)))
	}
	return out
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
