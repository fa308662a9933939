package reconcile

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
	"github.com/quarterdeck-io/quarterdeck/internal/broker"
	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
)

func fixedClock(t *testing.T, at string) func() time.Time {
	t.Helper()
	ts, err := timeutil.Parse(at)
	require.NoError(t, err)
	return func() time.Time { return ts }
}

func newTestHarness(t *testing.T) (*Engine, *broker.Stub, scope.Layout) {
	t.Helper()
	sc := scope.MustNew(scope.EnvPaper, "stub", "us_equities", "us")
	layout := scope.NewLayout(t.TempDir(), sc)
	require.NoError(t, layout.EnsureDirs())

	stub := broker.NewStub(100_000)
	events := eventlog.NewLogger(layout, sc, nil)
	eng := New(sc, layout, stub, events, WithClock(fixedClock(t, "2026-02-06T12:00:00Z")))
	return eng, stub, layout
}

// fixedSource serves a canned fill list; everything else delegates to the
// embedded stub.
type fixedSource struct {
	*broker.Stub
	fills []broker.Fill
	err   error
	calls int
}

func (s *fixedSource) ListFillsSince(ctx context.Context, since time.Time) ([]broker.Fill, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []broker.Fill
	for _, f := range s.fills {
		if !f.FilledAt.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func TestReconcileBuildsLedgerFromFills(t *testing.T) {
	eng, stub, layout := newTestHarness(t)
	for _, f := range pfeAndKoFills(t) {
		stub.SeedFill(f)
	}

	report, err := eng.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Fetched)
	assert.Equal(t, 4, report.NewFills)
	assert.Equal(t, 2, report.OpenPositions)
	assert.True(t, report.Changed)
	assert.True(t, report.CursorAdvanced)

	positions, err := LoadPositions(layout)
	require.NoError(t, err)
	require.Len(t, positions, 2)

	pfe := positions["PFE"]
	assert.InDelta(t, 0.1300791, pfe.Quantity, 1e-9)
	assert.Equal(t, SourceBrokerReconciliation, pfe.Source)
	assert.Equal(t, "2026-02-02T20:55:29Z", pfe.EntryTimestamp)
	assert.Equal(t, "2026-02-05T20:55:55Z", pfe.LastEntryTime)
	assert.InDelta(t, 0.01590747, positions["KO"].Quantity, 1e-9)

	var cursor Cursor
	require.NoError(t, atomicio.ReadJSON(layout.CursorFile(), &cursor))
	assert.Equal(t, "f3", cursor.LastSeenFillID)
	assert.Equal(t, "2026-02-05T20:55:55Z", cursor.LastSeenFillTime)
	assert.Equal(t, "2026-02-06T12:00:00Z", cursor.LastReconciliationTime)
	assert.Contains(t, cursor.RecentFillIDs, "f3")
}

func TestReconcileRerunIsByteIdentical(t *testing.T) {
	eng, stub, layout := newTestHarness(t)
	for _, f := range pfeAndKoFills(t) {
		stub.SeedFill(f)
	}

	_, err := eng.Reconcile(context.Background())
	require.NoError(t, err)

	posBefore, err := os.ReadFile(layout.OpenPositionsFile())
	require.NoError(t, err)
	curBefore, err := os.ReadFile(layout.CursorFile())
	require.NoError(t, err)

	report, err := eng.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Changed)
	assert.Zero(t, report.NewFills)

	posAfter, err := os.ReadFile(layout.OpenPositionsFile())
	require.NoError(t, err)
	curAfter, err := os.ReadFile(layout.CursorFile())
	require.NoError(t, err)
	assert.Equal(t, posBefore, posAfter)
	assert.Equal(t, curBefore, curAfter)
}

func TestReconcileAppendsOnlyNewFills(t *testing.T) {
	eng, stub, layout := newTestHarness(t)
	for _, f := range pfeAndKoFills(t) {
		stub.SeedFill(f)
	}
	_, err := eng.Reconcile(context.Background())
	require.NoError(t, err)

	stub.SeedFill(fixtureFill(t, "f5", "PFE", broker.SideBuy, 0.01, 27.0, "2026-02-06T10:00:00Z"))

	report, err := eng.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewFills)

	positions, err := LoadPositions(layout)
	require.NoError(t, err)
	pfe := positions["PFE"]
	assert.InDelta(t, 0.1400791, pfe.Quantity, 1e-9)
	assert.Equal(t, 4, pfe.EntryCount)
	assert.Equal(t, "2026-02-02T20:55:29Z", pfe.EntryTimestamp, "entry timestamp must survive scale-ins")
}

func TestReconcileEmitsClosedTrades(t *testing.T) {
	eng, stub, layout := newTestHarness(t)
	stub.SeedFill(fixtureFill(t, "b1", "KO", broker.SideBuy, 10, 60, "2026-02-02T15:00:00Z"))
	stub.SeedFill(fixtureFill(t, "s1", "KO", broker.SideSell, 10, 66, "2026-02-03T15:00:00Z"))

	report, err := eng.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TradesClosed)
	assert.Zero(t, report.OpenPositions)

	records, skipped, err := eventlog.ReadAll(layout.TradesLog())
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, records, 1)
	assert.Equal(t, eventlog.KindTrade, records[0].Kind())
	assert.Equal(t, "KO", records[0]["symbol"])
	assert.InDelta(t, 10.0, records[0]["return_pct"].(float64), 1e-9)
}

func TestReconcileFetchFailureLeavesStateUntouched(t *testing.T) {
	eng, stub, layout := newTestHarness(t)
	for _, f := range pfeAndKoFills(t) {
		stub.SeedFill(f)
	}
	_, err := eng.Reconcile(context.Background())
	require.NoError(t, err)

	posBefore, err := os.ReadFile(layout.OpenPositionsFile())
	require.NoError(t, err)
	curBefore, err := os.ReadFile(layout.CursorFile())
	require.NoError(t, err)

	sc := scope.MustNew(scope.EnvPaper, "stub", "us_equities", "us")
	events := eventlog.NewLogger(layout, sc, nil)
	broken := &fixedSource{Stub: broker.NewStub(0), err: errors.New("connection reset by peer")}
	failing := New(sc, layout, broken, events, WithClock(fixedClock(t, "2026-02-06T13:00:00Z")))

	for i := 0; i < 3; i++ {
		_, err = failing.Reconcile(context.Background())
		require.Error(t, err)
	}
	assert.True(t, failing.Stale())
	assert.Equal(t, 3, failing.ConsecutiveFailures())

	posAfter, err := os.ReadFile(layout.OpenPositionsFile())
	require.NoError(t, err)
	curAfter, err := os.ReadFile(layout.CursorFile())
	require.NoError(t, err)
	assert.Equal(t, posBefore, posAfter)
	assert.Equal(t, curBefore, curAfter)

	errRecords, _, err := eventlog.ReadAll(layout.ErrorsLog())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(errRecords), 3)
}

func TestReconcileSkipsInvalidFills(t *testing.T) {
	sc := scope.MustNew(scope.EnvPaper, "stub", "us_equities", "us")
	layout := scope.NewLayout(t.TempDir(), sc)
	require.NoError(t, layout.EnsureDirs())
	events := eventlog.NewLogger(layout, sc, nil)

	good := fixtureFill(t, "g1", "PFE", broker.SideBuy, 1, 25, "2026-02-05T15:00:00Z")
	bad := fixtureFill(t, "", "PFE", broker.SideBuy, 1, 25, "2026-02-05T16:00:00Z")
	src := &fixedSource{Stub: broker.NewStub(0), fills: []broker.Fill{good, bad}}
	eng := New(sc, layout, src, events, WithClock(fixedClock(t, "2026-02-06T12:00:00Z")))

	report, err := eng.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.SkippedInvalid)
	assert.Equal(t, 1, report.NewFills)

	var cursor Cursor
	require.NoError(t, atomicio.ReadJSON(layout.CursorFile(), &cursor))
	assert.Equal(t, "g1", cursor.LastSeenFillID, "cursor must not advance past a skipped fill")
	assert.Equal(t, "2026-02-05T15:00:00Z", cursor.LastSeenFillTime)
}

func TestReconcilePicksUpLateFillWithoutRegressingCursor(t *testing.T) {
	sc := scope.MustNew(scope.EnvPaper, "stub", "us_equities", "us")
	layout := scope.NewLayout(t.TempDir(), sc)
	require.NoError(t, layout.EnsureDirs())
	events := eventlog.NewLogger(layout, sc, nil)

	src := &fixedSource{Stub: broker.NewStub(0), fills: pfeAndKoFills(t)}
	eng := New(sc, layout, src, events, WithClock(fixedClock(t, "2026-02-06T12:00:00Z")))

	_, err := eng.Reconcile(context.Background())
	require.NoError(t, err)

	// A fill the broker reports late, timestamped an hour before the
	// cursor tip. It sits inside the safety window, so the next cycle
	// must pick it up without moving the cursor backwards.
	late := fixtureFill(t, "late", "PFE", broker.SideBuy, 0.002, 26.0, "2026-02-05T19:55:55Z")
	src.fills = append(src.fills, late)

	report, err := eng.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewFills)
	assert.False(t, report.CursorAdvanced)

	var cursor Cursor
	require.NoError(t, atomicio.ReadJSON(layout.CursorFile(), &cursor))
	assert.Equal(t, "f3", cursor.LastSeenFillID)
	assert.Contains(t, cursor.RecentFillIDs, "late")

	positions, err := LoadPositions(layout)
	require.NoError(t, err)
	assert.InDelta(t, 0.1320791, positions["PFE"].Quantity, 1e-9)
}

func TestVerifyAgainstBroker(t *testing.T) {
	eng, stub, _ := newTestHarness(t)
	for _, f := range pfeAndKoFills(t) {
		stub.SeedFill(f)
	}
	_, err := eng.Reconcile(context.Background())
	require.NoError(t, err)

	mismatches, err := eng.VerifyAgainstBroker(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	// A fill the ledger has not seen yet shows up as a quantity drift
	// until the next reconciliation absorbs it.
	stub.SeedFill(fixtureFill(t, "f9", "KO", broker.SideBuy, 0.5, 78.0, "2026-02-06T11:00:00Z"))

	mismatches, err = eng.VerifyAgainstBroker(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "KO", mismatches[0].Symbol)
	assert.InDelta(t, 0.01590747, mismatches[0].LedgerQty, 1e-9)
	assert.InDelta(t, 0.51590747, mismatches[0].BrokerQty, 1e-9)
}

func TestLoadPositionsLegacyFallback(t *testing.T) {
	sc := scope.MustNew(scope.EnvPaper, "stub", "us_equities", "us")
	layout := scope.NewLayout(t.TempDir(), sc)
	require.NoError(t, layout.EnsureDirs())

	legacy := map[string]OpenPosition{
		"PFE": {Symbol: "PFE", Quantity: 0.1300791, Source: SourceBrokerReconciliation},
	}
	require.NoError(t, atomicio.WriteJSON(layout.LegacyPositionsFile(), legacy))

	positions, err := LoadPositions(layout)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.1300791, positions["PFE"].Quantity, 1e-9)
}
