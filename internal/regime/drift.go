package regime

import (
	"fmt"
	"time"
)

// DriftConfig tunes the five drift conditions per market.
type DriftConfig struct {
	// ConfidenceDeltaMin is the minimum gap between external and
	// internal confidence.
	ConfidenceDeltaMin float64

	// MinDwell is how long a regime must be held before drift can be
	// declared.
	MinDwell time.Duration

	// EmergencyDrawdown, when negative, bypasses the dwell requirement
	// once drawdown falls below it. Zero disables the override.
	EmergencyDrawdown float64

	// MinDurationPercentile is the dwell-anomaly bar.
	MinDurationPercentile float64

	// MinExternalSources is the independent-source floor for trusting
	// the external view.
	MinExternalSources int
}

// DefaultDriftConfig returns the per-market tuning: crypto turns over
// fast (4h dwell, crash override on); everything else runs swing cadence
// (72h dwell, no override).
func DefaultDriftConfig(market string) DriftConfig {
	cfg := DriftConfig{
		ConfidenceDeltaMin:    0.25,
		MinDwell:              72 * time.Hour,
		MinDurationPercentile: 80,
		MinExternalSources:    5,
	}
	if market == "crypto" {
		cfg.MinDwell = 4 * time.Hour
		cfg.EmergencyDrawdown = -0.25
	}
	return cfg
}

// Drift condition names, stable keys in run records.
const (
	CondConfidenceDivergence = "confidence_divergence"
	CondDwellMet             = "dwell_met"
	CondDurationPercentile   = "duration_percentile"
	CondVolBandShift         = "vol_band_shift"
	CondExternalSources      = "external_sources"
)

// driftConditionOrder fixes the reporting order of the five conditions.
var driftConditionOrder = []string{
	CondConfidenceDivergence,
	CondDwellMet,
	CondDurationPercentile,
	CondVolBandShift,
	CondExternalSources,
}

// DriftAssessment is the detector's output: drift holds only when every
// condition is true. Conditions carries each named check for the audit
// record.
type DriftAssessment struct {
	Drift      bool            `json:"drift"`
	Conditions map[string]bool `json:"conditions"`
}

// FailedConditions lists the conditions that did not hold, in stable
// order.
func (a DriftAssessment) FailedConditions() []string {
	var failed []string
	for _, name := range driftConditionOrder {
		if !a.Conditions[name] {
			failed = append(failed, name)
		}
	}
	return failed
}

// DetectDrift applies the five-condition AND. Any one condition failing
// means no drift; that is the normal outcome, not an error.
func DetectDrift(ctx ValidationContext, res ValidationResult, cfg DriftConfig) DriftAssessment {
	extConfidence := 0.0
	if ctx.External != nil {
		extConfidence = ctx.External.Confidence
	}
	delta := extConfidence - ctx.InternalConfidence
	if delta < 0 {
		delta = -delta
	}

	dwell := time.Duration(ctx.DurationHours * float64(time.Hour))
	dwellMet := dwell >= cfg.MinDwell
	if !dwellMet && cfg.EmergencyDrawdown < 0 && ctx.Drawdown < cfg.EmergencyDrawdown {
		dwellMet = true
	}

	a := DriftAssessment{
		Conditions: map[string]bool{
			CondConfidenceDivergence: delta > cfg.ConfidenceDeltaMin,
			CondDwellMet:             dwellMet,
			CondDurationPercentile:   res.DurationPercentile >= cfg.MinDurationPercentile,
			CondVolBandShift:         res.VolBandShifted,
			CondExternalSources:      ctx.ExternalSourceCount() >= cfg.MinExternalSources,
		},
	}
	a.Drift = true
	for _, ok := range a.Conditions {
		if !ok {
			a.Drift = false
			break
		}
	}
	return a
}

// DriftEvidence is the structured summary handed to governance when
// drift is declared.
type DriftEvidence struct {
	Scope              string  `json:"scope"`
	Symbol             string  `json:"symbol"`
	CurrentRegime      Regime  `json:"current_regime"`
	RecalculatedRegime Regime  `json:"recalculated_regime"`
	InternalScore      float64 `json:"internal_score"`
	DriftScore         float64 `json:"drift_score"`
	DurationPercentile float64 `json:"duration_percentile"`
	VolBandShifted     bool    `json:"vol_band_shifted"`
	ExternalSources    int     `json:"external_sources"`
	Drawdown           float64 `json:"drawdown"`
}

// Rationale renders the evidence as reviewable prose for a proposal.
func (e DriftEvidence) Rationale() string {
	return fmt.Sprintf(
		"Regime drift evidence for %s: held %s while recalculation says %s (internal agreement %.2f, drift score %.2f). "+
			"Dwell sits at the %.0fth percentile of history, the volatility band has shifted, and %d external sources corroborate. "+
			"Recommend review of the regime assignment thresholds.",
		e.Scope, e.CurrentRegime, e.RecalculatedRegime, e.InternalScore, e.DriftScore,
		e.DurationPercentile, e.ExternalSources,
	)
}
