package governance

import (
	"fmt"
	"strings"
)

const (
	criticPenalty        = 0.1
	criticMinSample      = 10
	criticHotStreakRate  = 0.80
	criticHotStreakFloor = 5
	criticCapacityLimit  = 4
	criticTimingVol      = 0.50
	criticRejectFloor    = 0.35
)

// CritiqueContext carries the market backdrop the critic checks a
// proposal against. Zero values mean the input is unavailable and the
// corresponding heuristic stays quiet.
type CritiqueContext struct {
	TradesAnalyzed int
	RecentWinRate  float64
	MarketVol      float64
	ThinlyTraded   []string
}

// RunCritique applies the adversarial heuristics to a proposal. Each
// heuristic that triggers subtracts a fixed penalty from the proposal's
// confidence and contributes one criticism. The verdict degrades from
// PROCEED to CAUTION on any criticism and to REJECT when the adjusted
// confidence falls below the floor.
func RunCritique(p Proposal, cc CritiqueContext, createdAt string) Critique {
	var criticisms []string

	if cc.TradesAnalyzed > 0 && cc.TradesAnalyzed < criticMinSample {
		criticisms = append(criticisms, fmt.Sprintf(
			"recency bias: the evidence rests on only %d trade(s), below the %d-trade sample floor",
			cc.TradesAnalyzed, criticMinSample))
	}
	if cc.TradesAnalyzed >= criticHotStreakFloor && cc.RecentWinRate > criticHotStreakRate {
		criticisms = append(criticisms, fmt.Sprintf(
			"overfitting risk: a %.0f%% win rate over %d trades looks like a hot streak, not an edge",
			cc.RecentWinRate*100, cc.TradesAnalyzed))
	}
	if p.ProposalType == ProposalAddSymbols {
		if thin := intersect(p.Symbols, cc.ThinlyTraded); len(thin) > 0 {
			criticisms = append(criticisms, fmt.Sprintf(
				"liquidity risk: %s trade thin and exits may be costly", strings.Join(thin, ", ")))
		}
		if len(p.Symbols) >= criticCapacityLimit {
			criticisms = append(criticisms, fmt.Sprintf(
				"capacity risk: adding %d symbols at once dilutes attention and capital", len(p.Symbols)))
		}
	}
	if cc.MarketVol >= criticTimingVol {
		criticisms = append(criticisms, fmt.Sprintf(
			"timing risk: annualized volatility at %.2f argues for deferring structural changes", cc.MarketVol))
	}

	penalty := criticPenalty * float64(len(criticisms))
	adjusted := p.Confidence - penalty
	if adjusted < 0 {
		adjusted = 0
	}

	verdict := CriticProceed
	switch {
	case adjusted < criticRejectFloor:
		verdict = CriticReject
		if len(criticisms) == 0 {
			criticisms = append(criticisms, fmt.Sprintf(
				"low conviction: confidence %.2f sits below the %.2f action floor", adjusted, criticRejectFloor))
		}
	case len(criticisms) > 0:
		verdict = CriticCaution
	}

	return Critique{
		ProposalID:         p.ProposalID,
		Verdict:            verdict,
		Criticisms:         criticisms,
		ConfidencePenalty:  penalty,
		AdjustedConfidence: adjusted,
		CreatedAt:          createdAt,
	}
}

func intersect(symbols, against []string) []string {
	set := map[string]bool{}
	for _, s := range against {
		set[s] = true
	}
	var out []string
	for _, s := range symbols {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
