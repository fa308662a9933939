package ops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
	"github.com/quarterdeck-io/quarterdeck/internal/governance"
	"github.com/quarterdeck-io/quarterdeck/internal/reconcile"
	"github.com/quarterdeck-io/quarterdeck/internal/regime"
	"github.com/quarterdeck-io/quarterdeck/internal/scheduler"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
	"github.com/quarterdeck-io/quarterdeck/internal/universe"
)

func snapshotHandle(t *testing.T) ScopeHandle {
	t.Helper()
	sc := scope.MustNew(scope.EnvPaper, "stub", "us_equities", "us")
	layout := scope.NewLayout(t.TempDir(), sc)
	require.NoError(t, layout.EnsureDirs())
	return ScopeHandle{Scope: sc, Layout: layout}
}

func TestBuildSnapshotEmptyScope(t *testing.T) {
	h := snapshotHandle(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	snap := BuildSnapshot(h, now)

	assert.Equal(t, h.Scope.Slug(), snap.Scope)
	assert.Equal(t, "2026-03-10T12:00:00Z", snap.GeneratedAt)
	assert.Equal(t, 0, snap.OpenPositions)
	assert.Empty(t, snap.Symbols)
	assert.Equal(t, int64(-1), snap.CursorAgeSeconds, "no reconciliation yet")
	assert.Equal(t, 0, snap.UniverseSize)
	assert.Empty(t, snap.Regime)
	assert.Equal(t, 0, snap.OpenProposals)
	assert.Empty(t, snap.StaleTasks)
}

func TestBuildSnapshotSummarizesScopeState(t *testing.T) {
	h := snapshotHandle(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, atomicio.WriteJSON(h.Layout.OpenPositionsFile(), map[string]interface{}{
		"schema_version": "1.0.0",
		"positions": map[string]reconcile.OpenPosition{
			"PFE": {Symbol: "PFE", Quantity: 40, WeightedAvgEntry: 100.0},
			"JNJ": {Symbol: "JNJ", Quantity: 10, WeightedAvgEntry: 150.0},
		},
		"updated_at_utc": "2026-03-10T11:00:00Z",
	}))
	require.NoError(t, atomicio.WriteJSON(h.Layout.CursorFile(), reconcile.Cursor{
		LastSeenFillID:         "fill-42",
		LastReconciliationTime: "2026-03-10T11:00:00Z",
	}))
	require.NoError(t, atomicio.WriteJSON(h.Layout.ActiveUniverseFile(), universe.Active{
		Symbols: []string{"JNJ", "MRK", "PFE"},
	}))
	require.NoError(t, atomicio.WriteJSON(h.Layout.RegimeStateFile(), regime.RunState{
		Regime:      regime.Neutral,
		LastVerdict: regime.VerdictUncertain,
	}))

	store := governance.NewStore(h.Layout, 0, governance.WithStoreClock(func() time.Time { return now }))
	h.Proposals = store
	require.NoError(t, store.WriteProposal(governance.Proposal{
		ProposalID:   "prop-open",
		Environment:  "paper",
		ProposalType: governance.ProposalAddSymbols,
		NonBinding:   true,
		CreatedAt:    "2026-03-10T09:00:00Z",
	}))
	require.NoError(t, store.WriteProposal(governance.Proposal{
		ProposalID:   "prop-approved",
		Environment:  "paper",
		ProposalType: governance.ProposalRemoveSymbols,
		NonBinding:   true,
		CreatedAt:    "2026-03-10T09:00:00Z",
	}))
	require.NoError(t, store.RecordApproval(governance.Approval{
		ProposalID: "prop-approved",
		ApprovedBy: "operator",
	}))
	require.NoError(t, store.WriteProposal(governance.Proposal{
		ProposalID:   "prop-expired",
		Environment:  "paper",
		ProposalType: governance.ProposalAddSymbols,
		NonBinding:   true,
		CreatedAt:    "2026-03-01T09:00:00Z",
	}))

	sched, err := scheduler.New(h.Scope, h.Layout, nil, scheduler.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, sched.Register(scheduler.Task{
		Name:     "reconcile",
		Interval: time.Minute,
		Fn:       func(ctx context.Context) error { return nil },
	}))
	h.Scheduler = sched

	snap := BuildSnapshot(h, now)

	assert.Equal(t, 2, snap.OpenPositions)
	assert.Equal(t, []string{"JNJ", "PFE"}, snap.Symbols)
	assert.InDelta(t, 40*100.0+10*150.0, snap.EntryNotional, 1e-9)
	assert.Equal(t, "2026-03-10T11:00:00Z", snap.LastReconciliation)
	assert.Equal(t, int64(3600), snap.CursorAgeSeconds)
	assert.Equal(t, 3, snap.UniverseSize)
	assert.Equal(t, "neutral", snap.Regime)
	assert.Equal(t, string(regime.VerdictUncertain), snap.RegimeVerdict)
	assert.Equal(t, 1, snap.OpenProposals, "approved and expired proposals are not open")
	assert.Equal(t, 1, snap.ExpiredProposals)
	assert.Equal(t, []string{"reconcile"}, snap.StaleTasks)
}

func TestWriteSnapshotOverwritesInPlace(t *testing.T) {
	h := snapshotHandle(t)

	first := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, WriteSnapshot(h, first))

	var snap Snapshot
	require.NoError(t, atomicio.ReadJSON(h.Layout.SnapshotFile(), &snap))
	assert.Equal(t, "2026-03-10T12:00:00Z", snap.GeneratedAt)

	second := first.Add(30 * time.Minute)
	require.NoError(t, WriteSnapshot(h, second))

	require.NoError(t, atomicio.ReadJSON(h.Layout.SnapshotFile(), &snap))
	assert.Equal(t, "2026-03-10T12:30:00Z", snap.GeneratedAt, "each cycle replaces the previous snapshot")
}
