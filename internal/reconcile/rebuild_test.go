package reconcile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarterdeck-io/quarterdeck/internal/broker"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
)

func fixtureFill(t *testing.T, id, symbol string, side broker.Side, qty, price float64, at string) broker.Fill {
	t.Helper()
	ts, err := timeutil.Parse(at)
	require.NoError(t, err)
	return broker.Fill{
		FillID:   id,
		OrderID:  "ord-" + id,
		Symbol:   symbol,
		Qty:      qty,
		Price:    price,
		FilledAt: ts,
		Side:     side,
	}
}

func pfeAndKoFills(t *testing.T) []broker.Fill {
	t.Helper()
	return []broker.Fill{
		fixtureFill(t, "f1", "PFE", broker.SideBuy, 0.03755163, 26.628, "2026-02-02T20:55:29Z"),
		fixtureFill(t, "f2", "PFE", broker.SideBuy, 0.04752182, 25.778, "2026-02-03T20:55:29Z"),
		fixtureFill(t, "f3", "PFE", broker.SideBuy, 0.04500565, 26.528, "2026-02-05T20:55:55Z"),
		fixtureFill(t, "f4", "KO", broker.SideBuy, 0.01590747, 77.038, "2026-02-03T20:55:29Z"),
	}
}

func TestRebuildAggregatesBuyFills(t *testing.T) {
	positions, trades := Rebuild(pfeAndKoFills(t), "2026-02-06T00:00:00Z")

	require.Len(t, positions, 2)
	require.Empty(t, trades)

	pfe := positions["PFE"]
	assert.InDelta(t, 0.1300791, pfe.Quantity, 1e-9)
	assert.Equal(t, 3, pfe.EntryCount)
	assert.True(t, strings.HasPrefix(pfe.EntryTimestamp, "2026-02-02"), "entry timestamp %q", pfe.EntryTimestamp)
	assert.True(t, strings.HasPrefix(pfe.LastEntryTime, "2026-02-05"), "last entry %q", pfe.LastEntryTime)
	assert.Equal(t, 26.528, pfe.LastEntryPrice)
	assert.Equal(t, "ord-f1", pfe.EntryOrderID)
	assert.Equal(t, SourceBrokerReconciliation, pfe.Source)
	assert.Equal(t, []string{"f1", "f2", "f3"}, pfe.FillIDs)

	wantAvg := (0.03755163*26.628 + 0.04752182*25.778 + 0.04500565*26.528) / 0.1300791
	assert.InDelta(t, wantAvg, pfe.WeightedAvgEntry, 1e-9)

	ko := positions["KO"]
	assert.InDelta(t, 0.01590747, ko.Quantity, 1e-9)
	assert.Equal(t, 1, ko.EntryCount)
	assert.Equal(t, 77.038, ko.WeightedAvgEntry)
}

func TestRebuildIsOrderIndependent(t *testing.T) {
	fills := pfeAndKoFills(t)
	reversed := make([]broker.Fill, len(fills))
	for i, f := range fills {
		reversed[len(fills)-1-i] = f
	}

	a, _ := Rebuild(fills, "2026-02-06T00:00:00Z")
	b, _ := Rebuild(reversed, "2026-02-06T00:00:00Z")
	require.Equal(t, a, b)
}

func TestRebuildClosesLotsOldestFirst(t *testing.T) {
	fills := []broker.Fill{
		fixtureFill(t, "b1", "XOM", broker.SideBuy, 10, 60, "2026-02-02T15:00:00Z"),
		fixtureFill(t, "b2", "XOM", broker.SideBuy, 10, 70, "2026-02-03T15:00:00Z"),
		fixtureFill(t, "s1", "XOM", broker.SideSell, 15, 80, "2026-02-05T15:00:00Z"),
	}

	positions, trades := Rebuild(fills, "2026-02-06T00:00:00Z")

	pos := positions["XOM"]
	assert.InDelta(t, 5.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 65.0, pos.WeightedAvgEntry, 1e-9)
	assert.True(t, strings.HasPrefix(pos.EntryTimestamp, "2026-02-02"))

	require.Len(t, trades, 2)
	first := trades[0]
	assert.Equal(t, "2026-02-02", first.EntryDate)
	assert.Equal(t, 60.0, first.EntryPrice)
	assert.Equal(t, "2026-02-05", first.ExitDate)
	assert.Equal(t, 80.0, first.ExitPrice)
	assert.InDelta(t, 33.3333, first.ReturnPct, 1e-3)
	assert.Equal(t, "s1", first.ExitFillID)

	second := trades[1]
	assert.Equal(t, 70.0, second.EntryPrice)
	assert.InDelta(t, 14.2857, second.ReturnPct, 1e-3)
}

func TestRebuildDropsFlatSymbols(t *testing.T) {
	fills := []broker.Fill{
		fixtureFill(t, "b1", "KO", broker.SideBuy, 10, 60, "2026-02-02T15:00:00Z"),
		fixtureFill(t, "s1", "KO", broker.SideSell, 10, 66, "2026-02-03T15:00:00Z"),
	}

	positions, trades := Rebuild(fills, "2026-02-06T00:00:00Z")

	assert.Empty(t, positions)
	require.Len(t, trades, 1)
	assert.InDelta(t, 10.0, trades[0].ReturnPct, 1e-9)
	assert.Equal(t, 0.0, trades[0].Confidence)
}

func TestRebuildIgnoresUnmatchedSells(t *testing.T) {
	fills := []broker.Fill{
		fixtureFill(t, "s1", "KO", broker.SideSell, 5, 66, "2026-02-03T15:00:00Z"),
	}

	positions, trades := Rebuild(fills, "2026-02-06T00:00:00Z")
	assert.Empty(t, positions)
	assert.Empty(t, trades)
}

func TestRebuildTiesBreakOnFillID(t *testing.T) {
	// Two buys at the identical instant: the fill id decides ordering, so
	// the first entry price is stable across runs.
	fills := []broker.Fill{
		fixtureFill(t, "z-later", "PFE", broker.SideBuy, 1, 30, "2026-02-02T15:00:00Z"),
		fixtureFill(t, "a-first", "PFE", broker.SideBuy, 1, 20, "2026-02-02T15:00:00Z"),
	}

	positions, _ := Rebuild(fills, "2026-02-06T00:00:00Z")
	pos := positions["PFE"]
	assert.Equal(t, []string{"a-first", "z-later"}, pos.FillIDs)
	assert.Equal(t, "ord-a-first", pos.EntryOrderID)
}
