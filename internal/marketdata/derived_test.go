package marketdata

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatBars builds n bars with a constant daily range so the expected ATR
// is exactly the range.
func flatBars(n int, rng float64) []Bar {
	bars := make([]Bar, n)
	for i := range bars {
		bars[i] = Bar{
			Date:  fmt.Sprintf("2026-01-%02d", i+1),
			Open:  100,
			High:  100 + rng/2,
			Low:   100 - rng/2,
			Close: 100,
		}
	}
	return bars
}

func TestDerivedATRConstantRange(t *testing.T) {
	s := NewStatic().SetBars("INFY", flatBars(80, 2.0))
	d := NewDerived(s, 14, 50)

	current, med, err := d.ATR(context.Background(), "INFY")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, current, 1e-9)
	assert.InDelta(t, 2.0, med, 1e-9, "every window averages the same range")
}

func TestDerivedATRGapDay(t *testing.T) {
	// A close-to-open gap widens true range beyond high-low.
	bars := flatBars(20, 1.0)
	bars[19].Open = 110
	bars[19].High = 110.5
	bars[19].Low = 109.5
	bars[19].Close = 110
	s := NewStatic().SetBars("TCS", bars)

	current, _, err := NewDerived(s, 14, 10).ATR(context.Background(), "TCS")
	require.NoError(t, err)
	// 13 days of range 1.0 plus one gap day of |110.5-100| = 10.5.
	assert.InDelta(t, (13*1.0+10.5)/14, current, 1e-9)
}

func TestDerivedATRInsufficientHistory(t *testing.T) {
	s := NewStatic().SetBars("WIPRO", flatBars(10, 1.0))

	_, _, err := NewDerived(s, 14, 50).ATR(context.Background(), "WIPRO")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need 15 bars")
}

func TestDerivedAnnualizedVol(t *testing.T) {
	// Alternating ±1% daily moves have a deterministic stddev.
	bars := make([]Bar, 61)
	price := 100.0
	for i := range bars {
		bars[i] = Bar{Date: fmt.Sprintf("2026-03-%02d", i%28+1), Close: price}
		if i%2 == 0 {
			price *= 1.01
		} else {
			price /= 1.01
		}
	}
	s := NewStatic().SetBars("HDFC", bars)

	vol, err := NewDerived(s, 14, 50).AnnualizedVol(context.Background(), "HDFC")
	require.NoError(t, err)
	assert.Greater(t, vol, 0.10)
	assert.Less(t, vol, 0.30)
}

func TestDerivedVolTooFewBars(t *testing.T) {
	s := NewStatic().SetBars("SBIN", flatBars(1, 1.0))

	_, err := NewDerived(s, 14, 50).AnnualizedVol(context.Background(), "SBIN")
	require.Error(t, err)
}

func TestMedianEvenOdd(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 2, 3}))
	assert.Equal(t, 0.0, median(nil))
	assert.False(t, math.IsNaN(median([]float64{5})))
}
