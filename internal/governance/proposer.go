package governance

import (
	"fmt"
	"strings"
)

const (
	proposerBaseConfidence = 0.5
	proposerConfidenceCap  = 0.85
)

// BuildProposal drafts at most one proposal from the evidence summary.
// Dead symbols outrank scan starvation: freeing capacity comes before
// adding load. Evidence with nothing actionable yields no proposal.
func BuildProposal(env string, ev Evidence, id, createdAt string) *Proposal {
	switch {
	case len(ev.DeadSymbols) > 0:
		return removalProposal(env, ev, id, createdAt)
	case len(ev.ScanStarvation) > 0:
		return additionProposal(env, ev, id, createdAt)
	}
	return nil
}

func removalProposal(env string, ev Evidence, id, createdAt string) *Proposal {
	symbols := capSymbols(ev.DeadSymbols, maxRemoveSymbols)
	conf := proposerBaseConfidence + 0.05*float64(len(symbols))
	if ev.PerformanceNotes != "" {
		conf += 0.05
	}
	return &Proposal{
		ProposalID:   id,
		Environment:  env,
		ProposalType: ProposalRemoveSymbols,
		Symbols:      symbols,
		Rationale: fmt.Sprintf(
			"Universe hygiene: %d symbol(s) produced no qualifying signals across recent scan cycles (%s). "+
				"Removing them frees scan capacity for candidates that are generating signals.",
			len(symbols), strings.Join(symbols, ", ")),
		Evidence: ev,
		RiskNotes: "Removal is reversible after the cooldown window. No open positions are touched; " +
			"guardrails re-check the change at application time and nothing moves before an operator records an approval.",
		Confidence: capConfidence(conf),
		NonBinding: true,
		CreatedAt:  createdAt,
	}
}

func additionProposal(env string, ev Evidence, id, createdAt string) *Proposal {
	symbols := capSymbols(ev.ScanStarvation, maxAddSymbols)
	conf := proposerBaseConfidence + 0.05*float64(len(symbols)) + 0.02*float64(min(ev.MissedSignals, 5))
	if ev.PerformanceNotes != "" {
		conf += 0.05
	}
	return &Proposal{
		ProposalID:   id,
		Environment:  env,
		ProposalType: ProposalAddSymbols,
		Symbols:      symbols,
		Rationale: fmt.Sprintf(
			"Scan starvation: %d signal(s) recently fired on symbols outside the active universe. "+
				"Candidates %s keep surfacing without being tradable.",
			ev.MissedSignals, strings.Join(symbols, ", ")),
		Evidence: ev,
		RiskNotes: "Additions raise scan load and can thin per-symbol capital. " +
			"Guardrail score floors and size caps still apply, and the change waits for an operator approval.",
		Confidence: capConfidence(conf),
		NonBinding: true,
		CreatedAt:  createdAt,
	}
}

func capSymbols(symbols []string, limit int) []string {
	out := make([]string, 0, limit)
	for _, s := range symbols {
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

func capConfidence(c float64) float64 {
	if c > proposerConfidenceCap {
		return proposerConfidenceCap
	}
	if c < 0 {
		return 0
	}
	return c
}
