// Package universe scores candidate symbols on five weighted dimensions
// and manages the active trading universe behind all-or-nothing
// guardrails. Scoring is deterministic: the same inputs always produce
// the same scores to four decimal places.
package universe

import (
	"math"
	"sort"

	"github.com/quarterdeck-io/quarterdeck/internal/marketdata"
	"github.com/quarterdeck-io/quarterdeck/internal/reconcile"
	"github.com/quarterdeck-io/quarterdeck/internal/regime"
)

// Dimension names, used as keys in candidate score maps.
const (
	DimPerformance = "performance"
	DimRegime      = "regime"
	DimLiquidity   = "liquidity"
	DimVolatility  = "volatility"
	DimSentiment   = "sentiment"
)

// Fixed dimension weights. They sum to 1.
var Weights = map[string]float64{
	DimPerformance: 0.45,
	DimRegime:      0.25,
	DimLiquidity:   0.15,
	DimVolatility:  0.10,
	DimSentiment:   0.05,
}

// dimensionOrder fixes the accumulation order so totals are bit-stable
// across runs.
var dimensionOrder = []string{DimPerformance, DimRegime, DimLiquidity, DimVolatility, DimSentiment}

// regimeScores maps the held regime onto a flat dimension score.
var regimeScores = map[regime.Regime]float64{
	regime.RiskOn:  100,
	regime.Neutral: 70,
	regime.RiskOff: 40,
	regime.Panic:   10,
}

const (
	neutralScore     = 50
	winRateWeight    = 0.6
	sharpeWeight     = 0.4
	sweetSpotLow     = 0.40
	sweetSpotHigh    = 0.70
	performanceTrail = 30
)

// Candidate is one symbol's scoring result for a cycle.
type Candidate struct {
	Symbol          string             `json:"symbol"`
	TotalScore      float64            `json:"total_score"`
	DimensionScores map[string]float64 `json:"dimension_scores"`
	WeightedScores  map[string]float64 `json:"weighted_scores"`
	RawMetrics      map[string]float64 `json:"raw_metrics"`
	RegimeLabel     string             `json:"regime_label"`
	Timestamp       string             `json:"timestamp_utc"`
}

// Inputs is everything the scorer consumes for one symbol. Zero values
// mean "unavailable" and score neutral.
type Inputs struct {
	Symbol string

	// Trades are the symbol's closed trades, most recent last. Only the
	// trailing window counts.
	Trades []reconcile.Trade

	Regime regime.Regime

	// AvgDollarVolume20d and MedianDollarVolume feed the liquidity
	// ratio. The median is computed across the whole candidate set.
	AvgDollarVolume20d float64
	MedianDollarVolume float64

	// AnnualizedVol as a fraction: 0.55 == 55%.
	AnnualizedVol float64

	Sentiment *marketdata.Verdict
}

// Score produces the candidate for one symbol at the given timestamp.
func Score(in Inputs, ts string) Candidate {
	dims := map[string]float64{}
	raw := map[string]float64{}

	dims[DimPerformance] = performanceScore(in.Trades, raw)
	dims[DimRegime] = regimeScore(in.Regime)
	dims[DimLiquidity] = liquidityScore(in.AvgDollarVolume20d, in.MedianDollarVolume, raw)
	dims[DimVolatility] = volatilityScore(in.AnnualizedVol, raw)
	dims[DimSentiment] = sentimentScore(in.Sentiment, raw)

	weighted := map[string]float64{}
	total := 0.0
	for _, dim := range dimensionOrder {
		score := dims[dim]
		dims[dim] = round4(score)
		weighted[dim] = round4(score * Weights[dim])
		total += score * Weights[dim]
	}

	return Candidate{
		Symbol:          in.Symbol,
		TotalScore:      round4(total),
		DimensionScores: dims,
		WeightedScores:  weighted,
		RawMetrics:      raw,
		RegimeLabel:     string(in.Regime),
		Timestamp:       ts,
	}
}

// performanceScore blends win rate (60%) with a Sharpe proxy (40%) over
// the trailing closed trades. No history scores neutral.
func performanceScore(trades []reconcile.Trade, raw map[string]float64) float64 {
	if len(trades) > performanceTrail {
		trades = trades[len(trades)-performanceTrail:]
	}
	raw["trade_count"] = float64(len(trades))
	if len(trades) == 0 {
		return neutralScore
	}

	wins := 0
	returns := make([]float64, len(trades))
	for i, tr := range trades {
		returns[i] = tr.ReturnPct
		if tr.ReturnPct > 0 {
			wins++
		}
	}
	winRate := float64(wins) / float64(len(trades))
	raw["win_rate"] = round4(winRate)
	winScore := winRate * 100

	sharpeScore := float64(neutralScore)
	if len(returns) >= 2 {
		mean, std := meanStd(returns)
		if std > 0 {
			sharpe := mean / std
			raw["sharpe_proxy"] = round4(sharpe)
			// Sharpe 0 is neutral, +-2 saturates the scale.
			sharpeScore = clamp(neutralScore+25*sharpe, 0, 100)
		}
	}

	return winRateWeight*winScore + sharpeWeight*sharpeScore
}

func regimeScore(r regime.Regime) float64 {
	if s, ok := regimeScores[r]; ok {
		return s
	}
	return neutralScore
}

// liquidityScore rewards volume above the universe median on a log2
// scale: each doubling adds 25 points, capped at 100.
func liquidityScore(avg, median float64, raw map[string]float64) float64 {
	raw["avg_dollar_volume_20d"] = avg
	raw["median_dollar_volume"] = median
	if avg <= 0 || median <= 0 {
		return neutralScore
	}
	return clamp(50+25*math.Log2(avg/median), 0, 100)
}

// volatilityScore is a piecewise sweet-spot curve: annualized vol in
// [40%, 70%] scores 100, falling off linearly on both sides. Too quiet
// offers no edge, too wild defeats sizing.
func volatilityScore(vol float64, raw map[string]float64) float64 {
	raw["annualized_vol"] = vol
	switch {
	case vol <= 0:
		return neutralScore
	case vol < sweetSpotLow:
		return 20 + 80*vol/sweetSpotLow
	case vol <= sweetSpotHigh:
		return 100
	default:
		return clamp(100-112.5*(vol-sweetSpotHigh), 10, 100)
	}
}

// sentimentScore starts from the verdict-type base, then shifts by up
// to +-10 for confidence and +-10 for narrative consistency.
func sentimentScore(v *marketdata.Verdict, raw map[string]float64) float64 {
	if v == nil {
		return neutralScore
	}
	base := float64(neutralScore)
	switch v.Type {
	case marketdata.VerdictConfirm:
		base = 70
	case marketdata.VerdictContradict:
		base = 30
	}
	raw["sentiment_confidence"] = v.Confidence
	raw["narrative_consistency"] = v.NarrativeConsistency
	score := base + (v.Confidence-0.5)*20 + (v.NarrativeConsistency-0.5)*20
	return clamp(score, 0, 100)
}

func meanStd(values []float64) (float64, float64) {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// MedianVolume computes the cross-sectional median of the positive
// volumes in the map. Zero when no symbol has volume data.
func MedianVolume(volumes map[string]float64) float64 {
	vals := make([]float64, 0, len(volumes))
	for _, v := range volumes {
		if v > 0 {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}
