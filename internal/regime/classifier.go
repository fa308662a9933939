package regime

import (
	"context"
	"fmt"
	"math"

	"github.com/quarterdeck-io/quarterdeck/internal/marketdata"
)

// Observation is one fresh read of market state for a scope's benchmark
// symbol.
type Observation struct {
	Regime        Regime  `json:"regime"`
	Confidence    float64 `json:"confidence"`
	AnnualizedVol float64 `json:"annualized_vol"`
	Drawdown      float64 `json:"drawdown"`
	TrendStrength float64 `json:"trend_strength"`
}

// Classifier produces an Observation for a benchmark symbol.
type Classifier interface {
	Classify(ctx context.Context, symbol string) (Observation, error)
}

const (
	classifierMinBars = 20
	shortMAWindow     = 10
	longMAWindow      = 20
	panicVolFloor     = 0.80
	panicDrawdown     = -0.20
	riskOffDrawdown   = -0.10
	trendThreshold    = 0.02
)

// BarClassifier derives the regime from daily bars: 10/20-day moving
// average trend, realized annualized volatility, and drawdown from the
// recent peak.
type BarClassifier struct {
	bars     marketdata.BarProvider
	lookback int
}

// NewBarClassifier builds a classifier over the given bar source.
// Lookback is the number of daily bars requested per classification;
// values below the 20-bar minimum are raised to 60.
func NewBarClassifier(bars marketdata.BarProvider, lookback int) *BarClassifier {
	if lookback < classifierMinBars {
		lookback = 60
	}
	return &BarClassifier{bars: bars, lookback: lookback}
}

func (c *BarClassifier) Classify(ctx context.Context, symbol string) (Observation, error) {
	bars, err := c.bars.DailyBars(ctx, symbol, c.lookback)
	if err != nil {
		return Observation{}, fmt.Errorf("failed to load bars for %s: %w", symbol, err)
	}
	if len(bars) < classifierMinBars {
		return Observation{}, fmt.Errorf("insufficient bars for %s (need %d+, got %d)", symbol, classifierMinBars, len(bars))
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	shortMA := movingAverage(closes, shortMAWindow)
	longMA := movingAverage(closes, longMAWindow)
	maTrend := 0.0
	if longMA > 0 {
		maTrend = (shortMA - longMA) / longMA
	}

	current := closes[len(closes)-1]
	start := closes[0]
	priceTrend := 0.0
	if start > 0 {
		priceTrend = (current - start) / start
	}
	trendStrength := (priceTrend + maTrend) / 2.0

	vol := annualizedVol(closes)
	dd := drawdownFromPeak(closes)

	obs := Observation{
		AnnualizedVol: vol,
		Drawdown:      dd,
		TrendStrength: trendStrength,
	}

	switch {
	case vol >= panicVolFloor || dd < panicDrawdown:
		obs.Regime = Panic
	case dd < riskOffDrawdown || (maTrend < -trendThreshold && priceTrend < 0):
		obs.Regime = RiskOff
	case maTrend > trendThreshold && priceTrend > 0 && BandOf(vol) != VolExtreme:
		obs.Regime = RiskOn
	default:
		obs.Regime = Neutral
	}

	// Confidence grows with trend agreement and shrinks near the band
	// boundaries. Bounded to [0.5, 0.95] so a single read never claims
	// certainty.
	conf := 0.5 + math.Min(0.45, math.Abs(trendStrength)*5)
	if obs.Regime == Panic {
		conf = 0.5 + math.Min(0.45, math.Abs(dd))
	}
	obs.Confidence = conf
	return obs, nil
}

// StaticClassifier returns a fixed observation, for tests and dry runs.
type StaticClassifier struct {
	Obs Observation
	Err error
}

func (s StaticClassifier) Classify(context.Context, string) (Observation, error) {
	if s.Err != nil {
		return Observation{}, s.Err
	}
	return s.Obs, nil
}

func movingAverage(values []float64, window int) float64 {
	if window <= 0 || len(values) == 0 {
		return 0
	}
	if window > len(values) {
		window = len(values)
	}
	sum := 0.0
	for _, v := range values[len(values)-window:] {
		sum += v
	}
	return sum / float64(window)
}

func annualizedVol(closes []float64) float64 {
	if len(closes) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance) * math.Sqrt(252)
}

func drawdownFromPeak(closes []float64) float64 {
	if len(closes) == 0 {
		return 0
	}
	peak := closes[0]
	for _, c := range closes {
		if c > peak {
			peak = c
		}
	}
	if peak <= 0 {
		return 0
	}
	return closes[len(closes)-1]/peak - 1
}
