// Package regime validates the market regime a scope believes it is in
// and detects drift away from it. Validation produces four scores and a
// verdict; the drift detector is a strict five-condition AND that, when
// satisfied, emits evidence for a governance proposal. Nothing in this
// package changes the held regime directly.
package regime

// Regime is a categorical market state on an ordered ladder.
type Regime string

const (
	RiskOn  Regime = "risk_on"
	Neutral Regime = "neutral"
	RiskOff Regime = "risk_off"
	Panic   Regime = "panic"
)

// ladderRank orders the regimes for distance computation.
var ladderRank = map[Regime]int{
	RiskOn:  0,
	Neutral: 1,
	RiskOff: 2,
	Panic:   3,
}

// Known reports whether the label is on the ladder.
func (r Regime) Known() bool {
	_, ok := ladderRank[r]
	return ok
}

// distanceAgreement maps ladder distance to an agreement score in [0,1].
var distanceAgreement = map[int]float64{
	0: 1.0,
	1: 0.6,
	2: 0.3,
	3: 0.1,
}

// Agreement scores how closely two regimes agree on the ladder. Either
// side unknown scores zero.
func Agreement(a, b Regime) float64 {
	ra, ok := ladderRank[a]
	if !ok {
		return 0
	}
	rb, ok := ladderRank[b]
	if !ok {
		return 0
	}
	d := ra - rb
	if d < 0 {
		d = -d
	}
	return distanceAgreement[d]
}

// VolBand buckets annualized volatility. Vol is a fraction: 0.45 == 45%.
type VolBand string

const (
	VolLow     VolBand = "low"
	VolMedium  VolBand = "medium"
	VolHigh    VolBand = "high"
	VolExtreme VolBand = "extreme"
)

// BandOf classifies an annualized volatility fraction.
func BandOf(vol float64) VolBand {
	switch {
	case vol < 0.20:
		return VolLow
	case vol < 0.50:
		return VolMedium
	case vol < 0.80:
		return VolHigh
	default:
		return VolExtreme
	}
}

// Verdict is the validator's conclusion for one run.
type Verdict string

const (
	VerdictValidated        Verdict = "REGIME_VALIDATED"
	VerdictInsufficientData Verdict = "REGIME_INSUFFICIENT_DATA"
	VerdictUncertain        Verdict = "REGIME_UNCERTAIN"
	VerdictDriftDetected    Verdict = "REGIME_DRIFT_DETECTED"
)
