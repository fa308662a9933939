package regime

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/marketdata"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
)

type capturedProposals struct {
	evidence []DriftEvidence
	err      error
}

func (c *capturedProposals) SubmitDriftReview(_ context.Context, ev DriftEvidence) error {
	if c.err != nil {
		return c.err
	}
	c.evidence = append(c.evidence, ev)
	return nil
}

func newRunnerHarness(t *testing.T, classify Classifier, opts ...RunnerOption) (*Runner, scope.Layout, *eventlog.Logger) {
	t.Helper()
	sc := scope.MustNew(scope.EnvPaper, "stub", "crypto", "global")
	layout := scope.NewLayout(t.TempDir(), sc)
	require.NoError(t, layout.EnsureDirs())
	events := eventlog.NewLogger(layout, sc, nil)

	clock := func() time.Time {
		return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	}
	opts = append([]RunnerOption{WithRunnerClock(clock)}, opts...)
	r := NewRunner(sc, layout, events, classify, "BTC-USD", opts...)
	return r, layout, events
}

func seedState(t *testing.T, layout scope.Layout, st RunState) {
	t.Helper()
	require.NoError(t, atomicio.WriteJSON(layout.RegimeStateFile(), &st))
}

func readRunLog(t *testing.T, layout scope.Layout) []eventlog.Record {
	t.Helper()
	records, skipped, err := eventlog.ReadAll(layout.RegimeRunsLog())
	require.NoError(t, err)
	require.Zero(t, skipped)
	return records
}

func TestRunnerBootstrapAdoptsObservation(t *testing.T) {
	r, layout, _ := newRunnerHarness(t, StaticClassifier{Obs: Observation{
		Regime:        RiskOn,
		Confidence:    0.8,
		AnnualizedVol: 0.35,
	}})

	rec, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.Bootstrap)
	assert.Equal(t, VerdictInsufficientData, rec.Verdict)
	assert.Equal(t, RiskOn, rec.Regime)

	st, err := r.State()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, RiskOn, st.Regime)
	assert.Equal(t, "2026-03-10T12:00:00Z", st.EnteredAt)
	assert.Equal(t, 0.35, st.VolAtEntry)
	assert.Empty(t, st.DurationsHours)

	records := readRunLog(t, layout)
	require.Len(t, records, 1)
	assert.Equal(t, eventlog.KindRegimeRun, records[0].Kind())
}

func TestRunnerValidatesWithoutReassigning(t *testing.T) {
	r, layout, _ := newRunnerHarness(t, StaticClassifier{Obs: Observation{
		Regime:        Neutral,
		Confidence:    0.7,
		AnnualizedVol: 0.30,
	}})
	seedState(t, layout, RunState{
		Regime:     RiskOn,
		EnteredAt:  "2026-03-10T02:00:00Z",
		VolAtEntry: 0.32,
	})

	rec, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, rec.Bootstrap)
	assert.Equal(t, RiskOn, rec.Regime)
	assert.Equal(t, Neutral, rec.Recalculated)
	assert.Equal(t, 0.6, rec.Scores.Internal)
	assert.InDelta(t, 10.0, rec.DurationHours, 1e-9)
	assert.Equal(t, VerdictValidated, rec.Verdict)

	st, err := r.State()
	require.NoError(t, err)
	assert.Equal(t, RiskOn, st.Regime, "validation must not reassign the regime")
	assert.Equal(t, "2026-03-10T02:00:00Z", st.EnteredAt)
	assert.Equal(t, "2026-03-10T12:00:00Z", st.LastRunAt)
	assert.Equal(t, VerdictValidated, st.LastVerdict)
}

func TestRunnerDriftSubmitsProposal(t *testing.T) {
	static := marketdata.NewStatic().SetMarketVerdict("crypto", marketdata.Verdict{
		Type:        marketdata.VerdictContradict,
		Confidence:  0.5,
		SourceCount: 6,
	})
	sink := &capturedProposals{}
	r, layout, _ := newRunnerHarness(t,
		StaticClassifier{Obs: Observation{
			Regime:        RiskOff,
			Confidence:    0.9,
			AnnualizedVol: 0.55,
			Drawdown:      -0.05,
		}},
		WithAdvisor(static),
		WithProposalSink(sink),
	)
	seedState(t, layout, RunState{
		Regime:         RiskOn,
		EnteredAt:      "2026-03-10T06:00:00Z", // 6h dwell
		VolAtEntry:     0.15,
		DurationsHours: []float64{1, 2, 3, 4},
	})

	rec, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.Drift.Drift)
	assert.True(t, rec.ProposalSubmitted)
	assert.Equal(t, VerdictDriftDetected, rec.Verdict)

	require.Len(t, sink.evidence, 1)
	ev := sink.evidence[0]
	assert.Equal(t, "paper-stub-crypto-global", ev.Scope)
	assert.Equal(t, "BTC-USD", ev.Symbol)
	assert.Equal(t, RiskOn, ev.CurrentRegime)
	assert.Equal(t, RiskOff, ev.RecalculatedRegime)
	assert.Equal(t, 6, ev.ExternalSources)
	assert.InDelta(t, 0.85, ev.DriftScore, 1e-9)

	// Drift never reassigns the regime either.
	st, err := r.State()
	require.NoError(t, err)
	assert.Equal(t, RiskOn, st.Regime)
}

func TestRunnerProposalFailureIsNonFatal(t *testing.T) {
	static := marketdata.NewStatic().SetMarketVerdict("crypto", marketdata.Verdict{
		Type:        marketdata.VerdictContradict,
		Confidence:  0.5,
		SourceCount: 6,
	})
	sink := &capturedProposals{err: errors.New("governance offline")}
	r, layout, _ := newRunnerHarness(t,
		StaticClassifier{Obs: Observation{Regime: RiskOff, Confidence: 0.9, AnnualizedVol: 0.55}},
		WithAdvisor(static),
		WithProposalSink(sink),
	)
	seedState(t, layout, RunState{
		Regime:         RiskOn,
		EnteredAt:      "2026-03-10T06:00:00Z",
		VolAtEntry:     0.15,
		DurationsHours: []float64{1, 2, 3, 4},
	})

	rec, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.Drift.Drift)
	assert.False(t, rec.ProposalSubmitted)

	records, _, err := eventlog.ReadAll(layout.ErrorsLog())
	require.NoError(t, err)
	assert.NotEmpty(t, records)
}

func TestRunnerAdvisorFailureDegrades(t *testing.T) {
	// An unseeded fixture fails every verdict lookup.
	r, layout, _ := newRunnerHarness(t,
		StaticClassifier{Obs: Observation{Regime: RiskOn, Confidence: 0.8, AnnualizedVol: 0.30}},
		WithAdvisor(marketdata.NewStatic()),
	)
	seedState(t, layout, RunState{
		Regime:     RiskOn,
		EnteredAt:  "2026-03-10T02:00:00Z",
		VolAtEntry: 0.30,
	})

	rec, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, rec.Scores.External)
	assert.False(t, rec.Drift.Conditions[CondExternalSources])

	records, _, err := eventlog.ReadAll(layout.ErrorsLog())
	require.NoError(t, err)
	assert.NotEmpty(t, records)
}

func TestRunnerClassifierFailureLeavesStateUntouched(t *testing.T) {
	r, layout, _ := newRunnerHarness(t, StaticClassifier{Err: errors.New("bars unavailable")})
	seedState(t, layout, RunState{
		Regime:     RiskOn,
		EnteredAt:  "2026-03-10T02:00:00Z",
		VolAtEntry: 0.30,
	})
	before, err := os.ReadFile(layout.RegimeStateFile())
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	require.Error(t, err)

	after, err := os.ReadFile(layout.RegimeStateFile())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunnerSetRegimeArchivesDwell(t *testing.T) {
	r, layout, _ := newRunnerHarness(t, StaticClassifier{Obs: Observation{Regime: RiskOn}})
	seedState(t, layout, RunState{
		Regime:         RiskOn,
		EnteredAt:      "2026-03-09T12:00:00Z", // held 24h at the fixed clock
		VolAtEntry:     0.30,
		DurationsHours: []float64{5},
	})

	require.NoError(t, r.SetRegime(RiskOff, 0.45, "reviewed transition"))

	st, err := r.State()
	require.NoError(t, err)
	assert.Equal(t, RiskOff, st.Regime)
	assert.Equal(t, "2026-03-10T12:00:00Z", st.EnteredAt)
	assert.Equal(t, 0.45, st.VolAtEntry)
	require.Len(t, st.DurationsHours, 2)
	assert.InDelta(t, 24.0, st.DurationsHours[1], 1e-9)

	records := readRunLog(t, layout)
	require.Len(t, records, 1)
	assert.Equal(t, eventlog.KindRegimeChange, records[0].Kind())
}

func TestRunnerSetRegimeRejectsUnknown(t *testing.T) {
	r, _, _ := newRunnerHarness(t, StaticClassifier{})
	err := r.SetRegime(Regime("bullish"), 0.3, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown regime")
}

func TestRunnerStateRoundTrip(t *testing.T) {
	r, _, _ := newRunnerHarness(t, StaticClassifier{Obs: Observation{Regime: Neutral, Confidence: 0.6}})

	st, err := r.State()
	require.NoError(t, err)
	assert.Nil(t, st, "no state before first run")

	_, err = r.Run(context.Background())
	require.NoError(t, err)

	st, err = r.State()
	require.NoError(t, err)
	require.NotNil(t, st)
	_, err = timeutil.Parse(st.EnteredAt)
	assert.NoError(t, err)
}

func TestRunnerRejectsUnknownObservation(t *testing.T) {
	r, _, _ := newRunnerHarness(t, StaticClassifier{Obs: Observation{Regime: Regime("sideways")}})
	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown regime")
}
