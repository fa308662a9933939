package governance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/regime"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
)

func newEngineHarness(t *testing.T) (*Engine, scope.Layout) {
	t.Helper()
	sc := scope.MustNew(scope.EnvPaper, "stub", "us_equities", "us")
	layout := scope.NewLayout(t.TempDir(), sc)
	require.NoError(t, layout.EnsureDirs())
	events := eventlog.NewLogger(layout, sc, nil)

	n := 0
	eng := NewEngine(sc, layout, events, 48*time.Hour,
		WithEngineClock(func() time.Time {
			return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		}),
		WithIDSource(func() string {
			n++
			return fmt.Sprintf("prop-%04d", n)
		}))
	return eng, layout
}

func eventActions(t *testing.T, layout scope.Layout) []string {
	t.Helper()
	records, skipped, err := eventlog.ReadAll(layout.GovernanceEventsLog())
	require.NoError(t, err)
	require.Zero(t, skipped)
	actions := make([]string, 0, len(records))
	for _, rec := range records {
		action, _ := rec["action"].(string)
		actions = append(actions, action)
	}
	return actions
}

func artifactExists(layout scope.Layout, id, name string) bool {
	_, err := os.Stat(filepath.Join(layout.ProposalDir(id), name))
	return err == nil
}

func TestEngineRunHappyPath(t *testing.T) {
	eng, layout := newEngineHarness(t)

	bundle, err := eng.Run(context.Background(), Evidence{
		MissedSignals:    6,
		ScanStarvation:   []string{"AMD", "TSLA"},
		PerformanceNotes: "both fired twice last week",
	}, CritiqueContext{TradesAnalyzed: 40, RecentWinRate: 0.55, MarketVol: 0.20})
	require.NoError(t, err)
	require.NotNil(t, bundle)

	assert.Equal(t, "prop-0001", bundle.Proposal.ProposalID)
	assert.Equal(t, ProposalAddSymbols, bundle.Proposal.ProposalType)
	assert.InDelta(t, 0.75, bundle.Proposal.Confidence, 1e-9)
	require.NotNil(t, bundle.Critique)
	assert.Equal(t, CriticProceed, bundle.Critique.Verdict)
	require.NotNil(t, bundle.Audit)
	assert.True(t, bundle.Audit.ConstitutionPassed)
	require.NotNil(t, bundle.Synthesis)
	assert.Equal(t, RecommendApprove, bundle.Synthesis.FinalRecommendation)
	assert.False(t, bundle.Actionable(), "the pipeline never writes approvals")

	for _, name := range []string{proposalFile, critiqueFile, auditFile, synthesisFile} {
		assert.True(t, artifactExists(layout, "prop-0001", name), name)
	}
	assert.False(t, artifactExists(layout, "prop-0001", approvalFile))

	assert.Equal(t, []string{
		"proposal_created", "critique_recorded", "audit_recorded", "synthesis_recorded",
	}, eventActions(t, layout))
}

func TestEngineRunNothingActionable(t *testing.T) {
	eng, layout := newEngineHarness(t)

	bundle, err := eng.Run(context.Background(), Evidence{PerformanceNotes: "quiet week"}, CritiqueContext{})
	require.NoError(t, err)
	assert.Nil(t, bundle)

	entries, err := os.ReadDir(layout.ProposalsDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []string{"no_proposal"}, eventActions(t, layout))
}

func TestEngineRunEmitsAtMostOneProposal(t *testing.T) {
	eng, layout := newEngineHarness(t)

	bundle, err := eng.Run(context.Background(), Evidence{
		ScanStarvation: []string{"AMD"},
		DeadSymbols:    []string{"WEAK"},
	}, CritiqueContext{})
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Equal(t, ProposalRemoveSymbols, bundle.Proposal.ProposalType)

	entries, err := os.ReadDir(layout.ProposalsDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEngineConstitutionalFailureSynthesizesReject(t *testing.T) {
	eng, layout := newEngineHarness(t)

	// A lowercase dead symbol drafts fine but cannot pass the audit.
	bundle, err := eng.Run(context.Background(), Evidence{
		DeadSymbols: []string{"weak"},
	}, CritiqueContext{})
	require.NoError(t, err)
	require.NotNil(t, bundle)

	require.NotNil(t, bundle.Audit)
	assert.False(t, bundle.Audit.ConstitutionPassed)
	require.NotNil(t, bundle.Synthesis)
	assert.Equal(t, RecommendReject, bundle.Synthesis.FinalRecommendation)
	assert.True(t, artifactExists(layout, bundle.Proposal.ProposalID, synthesisFile))
}

func TestEngineForbiddenTypeVetoedEndToEnd(t *testing.T) {
	eng, layout := newEngineHarness(t)

	p := cleanProposal()
	p.ProposalID = "prop-evil"
	p.ProposalType = "EXECUTE_TRADE"
	bundle, err := eng.runPipeline(context.Background(), p, CritiqueContext{}, testStamp)
	require.NoError(t, err)

	require.NotNil(t, bundle.Audit)
	assert.False(t, bundle.Audit.ConstitutionPassed)
	require.NotEmpty(t, bundle.Audit.Violations)
	assert.Equal(t, SeverityCritical, bundle.Audit.Violations[0].Severity)
	require.NotNil(t, bundle.Synthesis)
	assert.Equal(t, RecommendReject, bundle.Synthesis.FinalRecommendation)
	assert.True(t, artifactExists(layout, "prop-evil", auditFile))
}

func TestEngineSubmitDriftReview(t *testing.T) {
	eng, _ := newEngineHarness(t)

	err := eng.SubmitDriftReview(context.Background(), regime.DriftEvidence{
		Scope:              "paper-stub-crypto-global",
		Symbol:             "BTC-USD",
		CurrentRegime:      regime.RiskOn,
		RecalculatedRegime: regime.RiskOff,
		InternalScore:      0.10,
		DriftScore:         0.85,
		DurationPercentile: 92,
		VolBandShifted:     true,
		ExternalSources:    6,
		Drawdown:           -0.30,
	})
	require.NoError(t, err)

	bundles, skipped, err := eng.Store().List()
	require.NoError(t, err)
	require.Zero(t, skipped)
	require.Len(t, bundles, 1)

	b := bundles[0]
	assert.Equal(t, ProposalAdjustRule, b.Proposal.ProposalType)
	assert.Equal(t, []string{"BTC-USD"}, b.Proposal.Symbols)
	assert.True(t, b.Proposal.NonBinding)
	assert.InDelta(t, 0.85, b.Proposal.Confidence, 1e-9)
	assert.Contains(t, b.Proposal.Rationale, "risk_off")
	require.NotNil(t, b.Audit)
	assert.True(t, b.Audit.ConstitutionPassed, "violations: %v", b.Audit.Violations)
	require.NotNil(t, b.Synthesis)
	assert.Equal(t, RecommendApprove, b.Synthesis.FinalRecommendation)
	assert.False(t, b.Actionable())
}

func TestEngineCancelledContextWritesNothing(t *testing.T) {
	eng, layout := newEngineHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Run(ctx, Evidence{DeadSymbols: []string{"WEAK"}}, CritiqueContext{})
	require.Error(t, err)

	entries, err := os.ReadDir(layout.ProposalsDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
