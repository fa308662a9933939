package governance

import (
	"fmt"
	"strings"
)

const approveConfidenceFloor = 0.65

// Synthesize folds the proposal, critique, and audit into the packet a
// human operator reviews. The recommendation honors every upstream
// veto: a failed constitution or a critic REJECT forces REJECT, a
// critic CAUTION forces DEFER, and an uncontested proposal is approved
// only above the confidence floor.
func Synthesize(p Proposal, c Critique, a AuditRecord, createdAt string) Synthesis {
	rec := RecommendDefer
	switch {
	case !a.ConstitutionPassed:
		rec = RecommendReject
	case c.Verdict == CriticReject:
		rec = RecommendReject
	case c.Verdict == CriticCaution:
		rec = RecommendDefer
	case p.Confidence > approveConfidenceFloor:
		rec = RecommendApprove
	}

	risks := make([]string, 0, len(c.Criticisms)+len(a.Violations))
	risks = append(risks, c.Criticisms...)
	for _, v := range a.Violations {
		risks = append(risks, fmt.Sprintf("%s: %s", v.RuleName, v.Violation))
	}

	return Synthesis{
		ProposalID:          p.ProposalID,
		Summary:             summarize(p, c, a, rec),
		KeyRisks:            risks,
		FinalRecommendation: rec,
		Confidence:          c.AdjustedConfidence,
		CreatedAt:           createdAt,
	}
}

func summarize(p Proposal, c Critique, a AuditRecord, rec Recommendation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s proposal %s for %s", p.ProposalType, p.ProposalID, p.Environment)
	if len(p.Symbols) > 0 {
		fmt.Fprintf(&b, " touching %s", strings.Join(p.Symbols, ", "))
	}
	fmt.Fprintf(&b, ". Proposer confidence %.2f.", p.Confidence)
	if len(c.Criticisms) > 0 {
		fmt.Fprintf(&b, " Critic: %s with %d concern(s), adjusted confidence %.2f.",
			c.Verdict, len(c.Criticisms), c.AdjustedConfidence)
	} else {
		fmt.Fprintf(&b, " Critic: %s.", c.Verdict)
	}
	if a.ConstitutionPassed {
		b.WriteString(" Constitution: passed.")
	} else {
		fmt.Fprintf(&b, " Constitution: FAILED with %d violation(s).", len(a.Violations))
	}
	fmt.Fprintf(&b, " Recommendation: %s.", rec)
	if rec == RecommendApprove {
		b.WriteString(" Awaiting operator approval; no change occurs until approval.json is recorded.")
	}
	return b.String()
}
