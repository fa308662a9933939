package regime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/marketdata"
	"github.com/quarterdeck-io/quarterdeck/internal/metrics"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
)

// maxDurationHistory bounds the dwell history carried in run state.
const maxDurationHistory = 200

// RunState is the durable regime position for a scope. The runner is the
// only writer; validation runs read it but never reassign the regime.
type RunState struct {
	Regime         Regime    `json:"regime"`
	EnteredAt      string    `json:"entered_at_utc"`
	VolAtEntry     float64   `json:"vol_at_entry"`
	DurationsHours []float64 `json:"durations_hours,omitempty"`
	LastRunAt      string    `json:"last_run_at_utc,omitempty"`
	LastVerdict    Verdict   `json:"last_verdict,omitempty"`
}

// ProposalSink receives drift evidence for governance review. The runner
// never acts on drift itself.
type ProposalSink interface {
	SubmitDriftReview(ctx context.Context, ev DriftEvidence) error
}

// RunRecord is one validation cycle as appended to the regime run log.
type RunRecord struct {
	Regime             Regime          `json:"regime"`
	Recalculated       Regime          `json:"recalculated_regime"`
	Verdict            Verdict         `json:"verdict"`
	Scores             Scores          `json:"scores"`
	DurationPercentile float64         `json:"duration_percentile"`
	VolBandShifted     bool            `json:"vol_band_shifted"`
	DurationHours      float64         `json:"duration_hours"`
	Observation        Observation     `json:"observation"`
	Drift              DriftAssessment `json:"drift"`
	ProposalSubmitted  bool            `json:"proposal_submitted,omitempty"`
	Bootstrap          bool            `json:"bootstrap,omitempty"`
}

// TransitionRecord is an explicit regime reassignment, appended alongside
// run records.
type TransitionRecord struct {
	From       Regime  `json:"from"`
	To         Regime  `json:"to"`
	HeldHours  float64 `json:"held_hours"`
	VolAtEntry float64 `json:"vol_at_entry"`
	Reason     string  `json:"reason,omitempty"`
}

// Runner executes periodic regime validation for one scope: classify the
// benchmark, score the held regime against the fresh read, run drift
// detection, and persist the outcome. The held regime only ever changes
// through SetRegime.
type Runner struct {
	sc        scope.Scope
	layout    scope.Layout
	events    *eventlog.Logger
	classify  Classifier
	benchmark string

	advisor    marketdata.AdvisorProvider
	peers      marketdata.PeerRegimeProvider
	peerSymbol string
	proposals  ProposalSink

	drift DriftConfig
	now   func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithAdvisor supplies the external verdict source.
func WithAdvisor(p marketdata.AdvisorProvider) RunnerOption {
	return func(r *Runner) { r.advisor = p }
}

// WithPeerRegimes supplies the cross-asset regime source and the peer
// symbol to query, e.g. BTC-USD for an equities scope.
func WithPeerRegimes(p marketdata.PeerRegimeProvider, symbol string) RunnerOption {
	return func(r *Runner) {
		r.peers = p
		r.peerSymbol = symbol
	}
}

// WithProposalSink routes drift evidence to governance.
func WithProposalSink(s ProposalSink) RunnerOption {
	return func(r *Runner) { r.proposals = s }
}

// WithDriftConfig overrides the per-market drift tuning.
func WithDriftConfig(cfg DriftConfig) RunnerOption {
	return func(r *Runner) { r.drift = cfg }
}

// WithRunnerClock fixes the clock, for tests.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner builds a validation runner for the scope. Benchmark is the
// symbol classified each cycle.
func NewRunner(sc scope.Scope, layout scope.Layout, events *eventlog.Logger, classify Classifier, benchmark string, opts ...RunnerOption) *Runner {
	r := &Runner{
		sc:        sc,
		layout:    layout,
		events:    events,
		classify:  classify,
		benchmark: benchmark,
		drift:     DefaultDriftConfig(sc.Market),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the persisted run state, or nil before the first run.
func (r *Runner) State() (*RunState, error) {
	var st RunState
	if err := atomicio.ReadJSON(r.layout.RegimeStateFile(), &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if st.Regime == "" {
		return nil, nil
	}
	return &st, nil
}

// Run executes one validation cycle. The first run adopts the observed
// regime as the held one; every later run validates without reassigning.
func (r *Runner) Run(ctx context.Context) (*RunRecord, error) {
	now := r.now().UTC()

	obs, err := r.classify.Classify(ctx, r.benchmark)
	if err != nil {
		r.events.RecordError("regime", "classification failed", err, true)
		return nil, fmt.Errorf("failed to classify %s: %w", r.benchmark, err)
	}
	if !obs.Regime.Known() {
		err := fmt.Errorf("classifier returned unknown regime %q for %s", obs.Regime, r.benchmark)
		r.events.RecordError("regime", "classification invalid", err, false)
		return nil, err
	}

	st, err := r.State()
	if err != nil {
		r.events.RecordError("regime", "run state unreadable", err, false)
		return nil, fmt.Errorf("failed to load regime state: %w", err)
	}
	if st == nil {
		return r.bootstrap(now, obs)
	}

	vctx := ValidationContext{
		Current:                  st.Regime,
		Recalculated:             obs.Regime,
		InternalConfidence:       obs.Confidence,
		CurrentVol:               obs.AnnualizedVol,
		VolAtEntry:               st.VolAtEntry,
		Drawdown:                 obs.Drawdown,
		HistoricalDurationsHours: st.DurationsHours,
	}
	if entered, perr := timeutil.Parse(st.EnteredAt); perr == nil {
		vctx.DurationHours = now.Sub(entered).Hours()
	}
	if r.advisor != nil {
		verdict, verr := r.advisor.MarketVerdict(ctx, r.sc.Market)
		if verr != nil {
			r.events.RecordError("regime", "external verdict unavailable", verr, true)
		} else {
			vctx.External = verdict
		}
	}
	if r.peers != nil && r.peerSymbol != "" {
		label, perr := r.peers.PeerRegime(ctx, r.peerSymbol)
		if perr != nil {
			r.events.RecordError("regime", "peer regime unavailable", perr, true)
		} else {
			vctx.CrossAssetRegime = parsePeerLabel(label)
		}
	}

	res := Validate(vctx)
	assessment := DetectDrift(vctx, res, r.drift)

	verdict := res.Verdict
	if assessment.Drift {
		verdict = VerdictDriftDetected
	}

	rec := &RunRecord{
		Regime:             st.Regime,
		Recalculated:       obs.Regime,
		Verdict:            verdict,
		Scores:             res.Scores,
		DurationPercentile: res.DurationPercentile,
		VolBandShifted:     res.VolBandShifted,
		DurationHours:      vctx.DurationHours,
		Observation:        obs,
		Drift:              assessment,
	}

	if assessment.Drift && r.proposals != nil {
		ev := DriftEvidence{
			Scope:              r.sc.Slug(),
			Symbol:             r.benchmark,
			CurrentRegime:      st.Regime,
			RecalculatedRegime: obs.Regime,
			InternalScore:      res.Scores.Internal,
			DriftScore:         res.Scores.Drift,
			DurationPercentile: res.DurationPercentile,
			VolBandShifted:     res.VolBandShifted,
			ExternalSources:    vctx.ExternalSourceCount(),
			Drawdown:           obs.Drawdown,
		}
		if serr := r.proposals.SubmitDriftReview(ctx, ev); serr != nil {
			r.events.RecordError("regime", "drift proposal submission failed", serr, true)
		} else {
			rec.ProposalSubmitted = true
		}
	}

	st.LastRunAt = timeutil.FormatZ(now)
	st.LastVerdict = verdict
	if err := atomicio.WriteJSON(r.layout.RegimeStateFile(), st); err != nil {
		r.events.RecordError("regime", "run state write failed", err, false)
		return nil, fmt.Errorf("failed to persist regime state: %w", err)
	}
	if err := r.events.RegimeRuns.Append(eventlog.KindRegimeRun, rec); err != nil {
		r.events.RecordError("regime", "run record append failed", err, true)
	}
	metrics.RegimeRuns.WithLabelValues(r.sc.Slug(), string(verdict)).Inc()

	log.Info().
		Str("scope", r.sc.Slug()).
		Str("regime", string(st.Regime)).
		Str("recalculated", string(obs.Regime)).
		Str("verdict", string(verdict)).
		Float64("internal_score", res.Scores.Internal).
		Float64("drift_score", res.Scores.Drift).
		Bool("drift", assessment.Drift).
		Msg("Regime validation run complete")
	return rec, nil
}

func (r *Runner) bootstrap(now time.Time, obs Observation) (*RunRecord, error) {
	st := RunState{
		Regime:      obs.Regime,
		EnteredAt:   timeutil.FormatZ(now),
		VolAtEntry:  obs.AnnualizedVol,
		LastRunAt:   timeutil.FormatZ(now),
		LastVerdict: VerdictInsufficientData,
	}
	if err := atomicio.WriteJSON(r.layout.RegimeStateFile(), &st); err != nil {
		r.events.RecordError("regime", "run state write failed", err, false)
		return nil, fmt.Errorf("failed to persist regime state: %w", err)
	}
	rec := &RunRecord{
		Regime:       obs.Regime,
		Recalculated: obs.Regime,
		Verdict:      VerdictInsufficientData,
		Observation:  obs,
		Bootstrap:    true,
	}
	if err := r.events.RegimeRuns.Append(eventlog.KindRegimeRun, rec); err != nil {
		r.events.RecordError("regime", "run record append failed", err, true)
	}
	metrics.RegimeRuns.WithLabelValues(r.sc.Slug(), string(VerdictInsufficientData)).Inc()
	log.Info().
		Str("scope", r.sc.Slug()).
		Str("regime", string(obs.Regime)).
		Msg("Regime state bootstrapped from first observation")
	return rec, nil
}

// SetRegime reassigns the held regime, archiving the completed dwell into
// the duration history. Only governance-approved or operator-driven
// transitions call this.
func (r *Runner) SetRegime(next Regime, volAtEntry float64, reason string) error {
	if !next.Known() {
		return fmt.Errorf("unknown regime %q", next)
	}
	now := r.now().UTC()

	st, err := r.State()
	if err != nil {
		return fmt.Errorf("failed to load regime state: %w", err)
	}

	rec := TransitionRecord{To: next, VolAtEntry: volAtEntry, Reason: reason}
	fresh := RunState{
		Regime:     next,
		EnteredAt:  timeutil.FormatZ(now),
		VolAtEntry: volAtEntry,
	}
	if st != nil {
		rec.From = st.Regime
		if entered, perr := timeutil.Parse(st.EnteredAt); perr == nil {
			rec.HeldHours = now.Sub(entered).Hours()
		}
		fresh.DurationsHours = append(st.DurationsHours, rec.HeldHours)
		if len(fresh.DurationsHours) > maxDurationHistory {
			fresh.DurationsHours = fresh.DurationsHours[len(fresh.DurationsHours)-maxDurationHistory:]
		}
		fresh.LastRunAt = st.LastRunAt
		fresh.LastVerdict = st.LastVerdict
	}

	if err := atomicio.WriteJSON(r.layout.RegimeStateFile(), &fresh); err != nil {
		r.events.RecordError("regime", "run state write failed", err, false)
		return fmt.Errorf("failed to persist regime state: %w", err)
	}
	if err := r.events.RegimeRuns.Append(eventlog.KindRegimeChange, rec); err != nil {
		r.events.RecordError("regime", "transition record append failed", err, true)
	}

	log.Info().
		Str("scope", r.sc.Slug()).
		Str("from", string(rec.From)).
		Str("to", string(next)).
		Float64("held_hours", rec.HeldHours).
		Msg("Regime reassigned")
	return nil
}

func parsePeerLabel(label string) Regime {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(label, "-", "_"))) {
	case "risk_on", "bull", "bullish":
		return RiskOn
	case "neutral", "sideways":
		return Neutral
	case "risk_off", "bear", "bearish":
		return RiskOff
	case "panic", "crisis":
		return Panic
	default:
		return ""
	}
}
