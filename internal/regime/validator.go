package regime

import (
	"sort"

	"github.com/quarterdeck-io/quarterdeck/internal/marketdata"
)

// ValidationContext carries everything one validation run consumes. It
// is assembled fresh per run and never persisted.
type ValidationContext struct {
	Current            Regime
	Recalculated       Regime
	InternalConfidence float64

	// External is the advisor verdict for the market; nil when the
	// advisor is unreachable.
	External *marketdata.Verdict

	// CrossAssetRegime is a correlated peer's regime; empty when
	// unavailable.
	CrossAssetRegime Regime

	CurrentVol float64
	VolAtEntry float64

	// Drawdown since regime entry as a signed fraction (-0.30 == -30%).
	Drawdown float64

	// DurationHours is the current dwell time in the held regime.
	// HistoricalDurationsHours are completed dwell times used for the
	// percentile.
	DurationHours            float64
	HistoricalDurationsHours []float64
}

// ExternalSourceCount returns the advisor's source count, zero when the
// advisor is unavailable.
func (c ValidationContext) ExternalSourceCount() int {
	if c.External == nil {
		return 0
	}
	return c.External.SourceCount
}

// Scores are the four validator outputs, each in [0,1].
type Scores struct {
	Internal   float64 `json:"internal"`
	External   float64 `json:"external"`
	Drift      float64 `json:"drift"`
	CrossAsset float64 `json:"cross_asset"`
}

// ValidationResult is one run's scores plus the derived facts the drift
// detector reuses.
type ValidationResult struct {
	Scores
	Verdict            Verdict `json:"verdict"`
	VolBandShifted     bool    `json:"vol_band_shifted"`
	DurationPercentile float64 `json:"duration_percentile"`
}

// externalBlendBase weights the verdict-type base against the reported
// confidence.
const (
	externalBlendBase       = 0.6
	externalBlendConfidence = 0.4
)

// Validate produces the four scores and the verdict for one run.
//
// Internal is ladder agreement between the held and freshly recalculated
// regimes. External blends the advisor verdict's base score with its
// confidence. Drift is a weighted composite of internal disagreement,
// duration anomaly, and volatility band shift. Cross-asset is ladder
// agreement with a peer, 0.5 when no peer is available.
func Validate(ctx ValidationContext) ValidationResult {
	res := ValidationResult{
		DurationPercentile: DurationPercentile(ctx.HistoricalDurationsHours, ctx.DurationHours),
		VolBandShifted:     BandOf(ctx.CurrentVol) != BandOf(ctx.VolAtEntry),
	}

	if !ctx.Current.Known() || !ctx.Recalculated.Known() {
		res.Verdict = VerdictInsufficientData
		res.CrossAsset = 0.5
		res.External = externalScore(ctx.External)
		return res
	}

	res.Internal = Agreement(ctx.Current, ctx.Recalculated)
	res.External = externalScore(ctx.External)

	durationAnomaly := (res.DurationPercentile - 50) / 50
	if durationAnomaly < 0 {
		durationAnomaly = 0
	}
	volShift := 0.0
	if res.VolBandShifted {
		volShift = 1.0
	}
	res.Drift = 0.5*(1-res.Internal) + 0.3*durationAnomaly + 0.2*volShift

	if ctx.CrossAssetRegime.Known() {
		res.CrossAsset = Agreement(ctx.Current, ctx.CrossAssetRegime)
	} else {
		res.CrossAsset = 0.5
	}

	switch {
	case res.Internal >= 0.6 && res.Drift < 0.4:
		res.Verdict = VerdictValidated
	case res.Internal < 0.5 && res.Drift >= 0.5:
		res.Verdict = VerdictDriftDetected
	default:
		res.Verdict = VerdictUncertain
	}
	return res
}

// externalScore blends the verdict-type base with reported confidence.
// A missing verdict scores as UNAVAILABLE at neutral confidence.
func externalScore(v *marketdata.Verdict) float64 {
	if v == nil {
		return externalBlendBase*marketdata.VerdictUnavailable.BaseScore() + externalBlendConfidence*0.5
	}
	return externalBlendBase*v.Type.BaseScore() + externalBlendConfidence*v.Confidence
}

// DurationPercentile ranks the current dwell against completed dwells:
// the percentage of historical durations less than or equal to it. An
// empty history is neutral at 50.
func DurationPercentile(history []float64, current float64) float64 {
	if len(history) == 0 {
		return 50
	}
	sorted := append([]float64(nil), history...)
	sort.Float64s(sorted)
	n := sort.SearchFloat64s(sorted, current)
	for n < len(sorted) && sorted[n] <= current {
		n++
	}
	return 100 * float64(n) / float64(len(sorted))
}
