package governance

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/quarterdeck-io/quarterdeck/internal/validation"
)

const (
	maxAddSymbols    = 5
	maxRemoveSymbols = 3
)

// forbiddenLanguage lists the action verbs a non-binding proposal may
// not use in its prose. Matching is whole-word and case-insensitive.
var forbiddenLanguage = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bexecute\b`),
	regexp.MustCompile(`(?i)\bauto-apply\b`),
	regexp.MustCompile(`(?i)\bbypass\b`),
	regexp.MustCompile(`(?i)\boverride\b`),
	regexp.MustCompile(`(?i)\bforce\b`),
	regexp.MustCompile(`(?i)\bdisable\b`),
	regexp.MustCompile(`(?i)\bskip\b`),
	regexp.MustCompile(`(?i)\binject\b`),
}

// RunAudit checks a proposal against the constitution. It performs zero
// market analysis: every rule is structural. The constitution passes
// only when no violation of any severity is found.
func RunAudit(p Proposal, createdAt string) AuditRecord {
	var violations []Violation

	switch {
	case p.ProposalType.Forbidden():
		violations = append(violations, Violation{
			RuleName:  "proposal_type_forbidden",
			Violation: fmt.Sprintf("proposal type %s is constitutionally forbidden", p.ProposalType),
			Severity:  SeverityCritical,
		})
	case !p.ProposalType.Allowed():
		violations = append(violations, Violation{
			RuleName:  "proposal_type_unknown",
			Violation: fmt.Sprintf("proposal type %q is not in the allowed set", p.ProposalType),
			Severity:  SeverityCritical,
		})
	}

	if !p.NonBinding {
		violations = append(violations, Violation{
			RuleName:  "non_binding_required",
			Violation: "proposal claims to be binding; every proposal must be non-binding",
			Severity:  SeverityCritical,
		})
	}

	if len(p.Symbols) == 0 {
		violations = append(violations, Violation{
			RuleName:  "symbols_required",
			Violation: "proposal names no symbols",
			Severity:  SeverityMajor,
		})
	}
	for _, s := range p.Symbols {
		if !validation.IsSymbol(s) {
			violations = append(violations, Violation{
				RuleName:  "symbol_format",
				Violation: fmt.Sprintf("symbol %q does not match the required format", s),
				Severity:  SeverityMajor,
			})
		}
	}

	switch p.ProposalType {
	case ProposalAddSymbols:
		if len(p.Symbols) > maxAddSymbols {
			violations = append(violations, Violation{
				RuleName:  "symbol_count_cap",
				Violation: fmt.Sprintf("%d additions exceed the cap of %d per proposal", len(p.Symbols), maxAddSymbols),
				Severity:  SeverityMajor,
			})
		}
	case ProposalRemoveSymbols:
		if len(p.Symbols) > maxRemoveSymbols {
			violations = append(violations, Violation{
				RuleName:  "symbol_count_cap",
				Violation: fmt.Sprintf("%d removals exceed the cap of %d per proposal", len(p.Symbols), maxRemoveSymbols),
				Severity:  SeverityMajor,
			})
		}
	}

	violations = append(violations, languageViolations("rationale", p.Rationale)...)
	violations = append(violations, languageViolations("risk_notes", p.RiskNotes)...)

	if p.Confidence < 0 || p.Confidence > 1 {
		violations = append(violations, Violation{
			RuleName:  "confidence_range",
			Violation: fmt.Sprintf("confidence %.3f is outside [0, 1]", p.Confidence),
			Severity:  SeverityMajor,
		})
	}
	if strings.TrimSpace(p.Rationale) == "" {
		violations = append(violations, Violation{
			RuleName:  "rationale_required",
			Violation: "proposal carries no rationale",
			Severity:  SeverityMinor,
		})
	}
	if strings.TrimSpace(p.RiskNotes) == "" {
		violations = append(violations, Violation{
			RuleName:  "risk_notes_required",
			Violation: "proposal carries no risk notes",
			Severity:  SeverityMinor,
		})
	}

	return AuditRecord{
		ProposalID:         p.ProposalID,
		ConstitutionPassed: len(violations) == 0,
		Violations:         violations,
		CreatedAt:          createdAt,
	}
}

func languageViolations(field, text string) []Violation {
	var out []Violation
	for _, pat := range forbiddenLanguage {
		if tok := pat.FindString(text); tok != "" {
			out = append(out, Violation{
				RuleName:  "forbidden_language",
				Violation: fmt.Sprintf("%s contains the action verb %q", field, strings.ToLower(tok)),
				Severity:  SeverityMajor,
			})
		}
	}
	return out
}
