package regime

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterdeck-io/quarterdeck/internal/marketdata"
)

// syntheticBars generates n daily bars whose closes follow next(i). The
// open tracks the previous close so the series looks like a real tape.
func syntheticBars(n int, next func(i int) float64) []marketdata.Bar {
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	bars := make([]marketdata.Bar, n)
	prev := next(0)
	for i := 0; i < n; i++ {
		c := next(i)
		bars[i] = marketdata.Bar{
			Date:   start.AddDate(0, 0, i).Format("2006-01-02"),
			Open:   prev,
			High:   math.Max(prev, c) * 1.002,
			Low:    math.Min(prev, c) * 0.998,
			Close:  c,
			Volume: 1_000_000,
		}
		prev = c
	}
	return bars
}

func classify(t *testing.T, bars []marketdata.Bar) Observation {
	t.Helper()
	static := marketdata.NewStatic().SetBars("BTC-USD", bars)
	obs, err := NewBarClassifier(static, 60).Classify(context.Background(), "BTC-USD")
	require.NoError(t, err)
	return obs
}

func TestBarClassifierSteadyUptrendIsRiskOn(t *testing.T) {
	obs := classify(t, syntheticBars(60, func(i int) float64 {
		return 100 * math.Pow(1.005, float64(i))
	}))

	assert.Equal(t, RiskOn, obs.Regime)
	assert.Positive(t, obs.TrendStrength)
	assert.Less(t, obs.AnnualizedVol, 0.20)
	assert.GreaterOrEqual(t, obs.Confidence, 0.5)
	assert.LessOrEqual(t, obs.Confidence, 0.95)
}

func TestBarClassifierFlatChopIsNeutral(t *testing.T) {
	obs := classify(t, syntheticBars(60, func(i int) float64 {
		if i%2 == 0 {
			return 100
		}
		return 100.5
	}))

	assert.Equal(t, Neutral, obs.Regime)
}

func TestBarClassifierMildDowntrendIsRiskOff(t *testing.T) {
	obs := classify(t, syntheticBars(60, func(i int) float64 {
		return 100 * math.Pow(0.997, float64(i))
	}))

	assert.Equal(t, RiskOff, obs.Regime)
	assert.Less(t, obs.Drawdown, -0.10)
	assert.Greater(t, obs.Drawdown, -0.20)
}

func TestBarClassifierCrashIsPanic(t *testing.T) {
	// Stable then a sharp leg down past the 20% drawdown floor.
	obs := classify(t, syntheticBars(60, func(i int) float64 {
		if i < 50 {
			return 100
		}
		return 100 - 2.5*float64(i-49)
	}))

	assert.Equal(t, Panic, obs.Regime)
	assert.Less(t, obs.Drawdown, -0.20)
}

func TestBarClassifierExtremeVolIsPanic(t *testing.T) {
	// Alternating +-6% days annualize far beyond the extreme band floor
	// without a deep drawdown.
	obs := classify(t, syntheticBars(60, func(i int) float64 {
		if i%2 == 0 {
			return 100
		}
		return 106
	}))

	assert.Equal(t, Panic, obs.Regime)
	assert.GreaterOrEqual(t, obs.AnnualizedVol, 0.80)
}

func TestBarClassifierInsufficientBars(t *testing.T) {
	static := marketdata.NewStatic().SetBars("BTC-USD", syntheticBars(10, func(i int) float64 {
		return 100
	}))

	_, err := NewBarClassifier(static, 60).Classify(context.Background(), "BTC-USD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient bars")
}

func TestBarClassifierPropagatesProviderError(t *testing.T) {
	_, err := NewBarClassifier(marketdata.NewStatic(), 60).Classify(context.Background(), "BTC-USD")
	require.Error(t, err)
}

func TestStaticClassifierPassthrough(t *testing.T) {
	want := Observation{Regime: RiskOff, Confidence: 0.7}
	obs, err := StaticClassifier{Obs: want}.Classify(context.Background(), "any")
	require.NoError(t, err)
	assert.Equal(t, want, obs)
}
