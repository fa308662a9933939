// Package governance implements the constitutional proposal pipeline: a
// proposer drafts a structural change, a critic stress-tests it, an
// auditor checks it against the constitution, and a synthesizer folds
// the three artifacts into a human-readable recommendation. Every
// proposal is non-binding; it takes effect only after a human operator
// records a separate approval artifact, which this package never
// writes on its own.
package governance

import (
	"fmt"

	"github.com/quarterdeck-io/quarterdeck/internal/validation"
)

// ProposalType classifies what a proposal wants to change.
type ProposalType string

const (
	ProposalAddSymbols      ProposalType = "ADD_SYMBOLS"
	ProposalRemoveSymbols   ProposalType = "REMOVE_SYMBOLS"
	ProposalAdjustRule      ProposalType = "ADJUST_RULE"
	ProposalAdjustThreshold ProposalType = "ADJUST_THRESHOLD"
)

// Allowed reports whether the type is one the constitution permits.
func (t ProposalType) Allowed() bool {
	switch t {
	case ProposalAddSymbols, ProposalRemoveSymbols, ProposalAdjustRule, ProposalAdjustThreshold:
		return true
	}
	return false
}

// Forbidden reports whether the type is one the constitution bans
// outright. Anything here would turn a suggestion into an action.
func (t ProposalType) Forbidden() bool {
	switch t {
	case "EXECUTE_TRADE", "MODIFY_POSITION", "BYPASS_RISK", "DISABLE_SAFETY", "OVERRIDE_RULE":
		return true
	}
	return false
}

// Evidence is the summarized observation set a proposal is built from.
type Evidence struct {
	MissedSignals    int      `json:"missed_signals"`
	ScanStarvation   []string `json:"scan_starvation"`
	DeadSymbols      []string `json:"dead_symbols"`
	PerformanceNotes string   `json:"performance_notes"`
}

// Proposal is the first pipeline artifact. Immutable once written.
type Proposal struct {
	ProposalID   string       `json:"proposal_id"`
	Environment  string       `json:"environment"`
	ProposalType ProposalType `json:"proposal_type"`
	Symbols      []string     `json:"symbols"`
	Rationale    string       `json:"rationale"`
	Evidence     Evidence     `json:"evidence"`
	RiskNotes    string       `json:"risk_notes"`
	Confidence   float64      `json:"confidence"`
	NonBinding   bool         `json:"non_binding"`
	CreatedAt    string       `json:"created_at_utc"`
}

// Validate checks the structural fields a well-formed proposal must
// carry. Constitutional review is the auditor's job; this only rejects
// artifacts too malformed to flow through the pipeline at all.
func (p Proposal) Validate() error {
	if p.ProposalID == "" {
		return fmt.Errorf("proposal is missing an id")
	}
	if !validation.IsArtifactID(p.ProposalID) {
		return fmt.Errorf("proposal id %q is not a valid artifact id", p.ProposalID)
	}
	if p.Environment == "" {
		return fmt.Errorf("proposal %s is missing an environment", p.ProposalID)
	}
	if p.ProposalType == "" {
		return fmt.Errorf("proposal %s is missing a type", p.ProposalID)
	}
	if p.CreatedAt == "" {
		return fmt.Errorf("proposal %s is missing a creation timestamp", p.ProposalID)
	}
	return nil
}

// CriticVerdict is the critic's overall stance on a proposal.
type CriticVerdict string

const (
	CriticProceed CriticVerdict = "PROCEED"
	CriticCaution CriticVerdict = "CAUTION"
	CriticReject  CriticVerdict = "REJECT"
)

// Critique is the second pipeline artifact.
type Critique struct {
	ProposalID         string        `json:"proposal_id"`
	Verdict            CriticVerdict `json:"verdict"`
	Criticisms         []string      `json:"criticisms"`
	ConfidencePenalty  float64       `json:"confidence_penalty"`
	AdjustedConfidence float64       `json:"adjusted_confidence"`
	CreatedAt          string        `json:"created_at_utc"`
}

// Validate checks the critique is structurally coherent.
func (c Critique) Validate() error {
	switch c.Verdict {
	case CriticProceed, CriticCaution, CriticReject:
	default:
		return fmt.Errorf("critique for %s has unknown verdict %q", c.ProposalID, c.Verdict)
	}
	if c.Verdict != CriticProceed && len(c.Criticisms) == 0 {
		return fmt.Errorf("critique for %s is %s without any criticism", c.ProposalID, c.Verdict)
	}
	return nil
}

// Severity ranks a constitutional violation.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityMajor    Severity = "MAJOR"
	SeverityMinor    Severity = "MINOR"
)

// Violation is one constitutional finding.
type Violation struct {
	RuleName  string   `json:"rule_name"`
	Violation string   `json:"violation"`
	Severity  Severity `json:"severity"`
}

// AuditRecord is the third pipeline artifact.
type AuditRecord struct {
	ProposalID         string      `json:"proposal_id"`
	ConstitutionPassed bool        `json:"constitution_passed"`
	Violations         []Violation `json:"violations"`
	CreatedAt          string      `json:"created_at_utc"`
}

// Validate enforces the audit invariant: a failed constitution must
// name at least one violation, and every violation carries a known
// severity.
func (a AuditRecord) Validate() error {
	if !a.ConstitutionPassed && len(a.Violations) == 0 {
		return fmt.Errorf("audit for %s failed the constitution without naming a violation", a.ProposalID)
	}
	for _, v := range a.Violations {
		switch v.Severity {
		case SeverityCritical, SeverityMajor, SeverityMinor:
		default:
			return fmt.Errorf("audit for %s has violation %q with unknown severity %q", a.ProposalID, v.RuleName, v.Severity)
		}
	}
	return nil
}

// Recommendation is the synthesizer's final call.
type Recommendation string

const (
	RecommendApprove Recommendation = "APPROVE"
	RecommendDefer   Recommendation = "DEFER"
	RecommendReject  Recommendation = "REJECT"
)

// Synthesis is the fourth pipeline artifact, the human-readable packet.
type Synthesis struct {
	ProposalID          string         `json:"proposal_id"`
	Summary             string         `json:"summary"`
	KeyRisks            []string       `json:"key_risks"`
	FinalRecommendation Recommendation `json:"final_recommendation"`
	Confidence          float64        `json:"confidence"`
	CreatedAt           string         `json:"created_at_utc"`
}

// Approval is the operator-authored artifact that makes a proposal
// actionable. The pipeline reads approvals; it never creates them.
type Approval struct {
	ProposalID string `json:"proposal_id"`
	ApprovedAt string `json:"approved_at"`
	ApprovedBy string `json:"approved_by"`
	Notes      string `json:"notes,omitempty"`
}
