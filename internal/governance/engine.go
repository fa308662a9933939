package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/metrics"
	"github.com/quarterdeck-io/quarterdeck/internal/regime"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
)

// eventRecord is one line in governance_events.jsonl.
type eventRecord struct {
	Action     string `json:"action"`
	ProposalID string `json:"proposal_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Engine runs the four-stage pipeline for one scope: draft a proposal
// from evidence, critique it, audit it against the constitution, and
// synthesize the review packet. At most one proposal is created per
// run, and the engine never writes an approval.
type Engine struct {
	sc     scope.Scope
	layout scope.Layout
	events *eventlog.Logger
	store  *Store

	now   func() time.Time
	newID func() string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock fixes the clock, for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithIDSource replaces the proposal id generator, for tests.
func WithIDSource(gen func() string) EngineOption {
	return func(e *Engine) { e.newID = gen }
}

// NewEngine builds a pipeline engine whose artifacts expire after the
// given window.
func NewEngine(sc scope.Scope, layout scope.Layout, events *eventlog.Logger, expiry time.Duration, opts ...EngineOption) *Engine {
	e := &Engine{
		sc:     sc,
		layout: layout,
		events: events,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.store = NewStore(layout, expiry, WithStoreClock(func() time.Time { return e.now() }))
	return e
}

// Store exposes the engine's artifact store so in-process readers (ops
// layer) share the same expiry window.
func (e *Engine) Store() *Store { return e.store }

// Run executes one pipeline pass over the evidence. Evidence with
// nothing actionable produces no proposal and no artifacts.
func (e *Engine) Run(ctx context.Context, ev Evidence, cc CritiqueContext) (*Bundle, error) {
	stamp := timeutil.FormatZ(e.now().UTC())
	p := BuildProposal(string(e.sc.Env), ev, e.newID(), stamp)
	if p == nil {
		e.appendEvent(eventRecord{Action: "no_proposal", Detail: "evidence contains nothing actionable"})
		log.Debug().
			Str("scope", e.sc.Slug()).
			Msg("Governance run produced no proposal")
		return nil, nil
	}
	return e.runPipeline(ctx, *p, cc, stamp)
}

// SubmitDriftReview turns regime drift evidence into an ADJUST_RULE
// proposal and runs it through the same critique, audit, and synthesis
// stages as any other proposal.
func (e *Engine) SubmitDriftReview(ctx context.Context, ev regime.DriftEvidence) error {
	stamp := timeutil.FormatZ(e.now().UTC())
	p := Proposal{
		ProposalID:   e.newID(),
		Environment:  string(e.sc.Env),
		ProposalType: ProposalAdjustRule,
		Symbols:      []string{ev.Symbol},
		Rationale:    ev.Rationale(),
		Evidence: Evidence{
			PerformanceNotes: fmt.Sprintf(
				"drift score %.2f, internal agreement %.2f, duration percentile %.0f, %d external sources",
				ev.DriftScore, ev.InternalScore, ev.DurationPercentile, ev.ExternalSources),
		},
		RiskNotes: "Regime reassignment changes gating for every strategy in the scope. " +
			"The held regime stays in place until an operator reviews and approves the change.",
		Confidence: clamp01(ev.DriftScore),
		NonBinding: true,
		CreatedAt:  stamp,
	}
	_, err := e.runPipeline(ctx, p, CritiqueContext{}, stamp)
	return err
}

func (e *Engine) runPipeline(ctx context.Context, p Proposal, cc CritiqueContext, stamp string) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := e.store.WriteProposal(p); err != nil {
		e.events.RecordError("governance", "proposal write failed", err, false)
		return nil, err
	}
	e.appendEvent(eventRecord{Action: "proposal_created", ProposalID: p.ProposalID, Detail: string(p.ProposalType)})

	c := RunCritique(p, cc, stamp)
	if err := e.store.WriteCritique(c); err != nil {
		e.events.RecordError("governance", "critique write failed", err, false)
		return nil, err
	}
	e.appendEvent(eventRecord{Action: "critique_recorded", ProposalID: p.ProposalID, Detail: string(c.Verdict)})

	a := RunAudit(p, stamp)
	if err := e.store.WriteAudit(a); err != nil {
		e.events.RecordError("governance", "audit write failed", err, false)
		return nil, err
	}
	e.appendEvent(eventRecord{Action: "audit_recorded", ProposalID: p.ProposalID, Detail: fmt.Sprintf("constitution_passed=%t", a.ConstitutionPassed)})

	bundle := &Bundle{Proposal: p, Critique: &c, Audit: &a}

	// Artifacts that fail their own schema stop the run here: the first
	// three stages stay on disk as-is and no synthesis is produced.
	if err := firstInvalid(p, c, a); err != nil {
		e.events.RecordError("governance", "pipeline artifact failed schema validation", err, false)
		e.appendEvent(eventRecord{Action: "pipeline_failed", ProposalID: p.ProposalID, Detail: err.Error()})
		return bundle, err
	}

	sy := Synthesize(p, c, a, stamp)
	if err := e.store.WriteSynthesis(sy); err != nil {
		e.events.RecordError("governance", "synthesis write failed", err, false)
		return bundle, err
	}
	bundle.Synthesis = &sy
	e.appendEvent(eventRecord{Action: "synthesis_recorded", ProposalID: p.ProposalID, Detail: string(sy.FinalRecommendation)})
	metrics.GovernanceProposals.WithLabelValues(e.sc.Slug(), string(sy.FinalRecommendation)).Inc()

	log.Info().
		Str("scope", e.sc.Slug()).
		Str("proposal_id", p.ProposalID).
		Str("proposal_type", string(p.ProposalType)).
		Str("critic", string(c.Verdict)).
		Bool("constitution_passed", a.ConstitutionPassed).
		Str("recommendation", string(sy.FinalRecommendation)).
		Msg("Governance pipeline completed")
	return bundle, nil
}

func firstInvalid(p Proposal, c Critique, a AuditRecord) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return a.Validate()
}

func (e *Engine) appendEvent(rec eventRecord) {
	if err := e.events.GovernanceEvents.Append(eventlog.KindGovernance, rec); err != nil {
		e.events.RecordError("governance", "event append failed", err, true)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
