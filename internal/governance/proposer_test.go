package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStamp = "2026-03-10T12:00:00Z"

func TestBuildProposalNothingActionable(t *testing.T) {
	p := BuildProposal("paper", Evidence{MissedSignals: 2, PerformanceNotes: "flat week"}, "id-1", testStamp)
	assert.Nil(t, p, "evidence without symbols proposes nothing")
}

func TestBuildProposalDeadSymbolsWinOverStarvation(t *testing.T) {
	ev := Evidence{
		ScanStarvation: []string{"AMD", "TSLA"},
		DeadSymbols:    []string{"WEAK", "LOWS"},
	}
	p := BuildProposal("paper", ev, "id-1", testStamp)
	require.NotNil(t, p)
	assert.Equal(t, ProposalRemoveSymbols, p.ProposalType)
	assert.Equal(t, []string{"WEAK", "LOWS"}, p.Symbols)
}

func TestBuildProposalRemovalCappedAtThree(t *testing.T) {
	ev := Evidence{DeadSymbols: []string{"A", "B", "C", "D", "E"}}
	p := BuildProposal("paper", ev, "id-1", testStamp)
	require.NotNil(t, p)
	assert.Equal(t, []string{"A", "B", "C"}, p.Symbols)
}

func TestBuildProposalAdditionCappedAtFive(t *testing.T) {
	ev := Evidence{
		MissedSignals:  9,
		ScanStarvation: []string{"A", "B", "C", "D", "E", "F", "G"},
	}
	p := BuildProposal("paper", ev, "id-1", testStamp)
	require.NotNil(t, p)
	assert.Equal(t, ProposalAddSymbols, p.ProposalType)
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, p.Symbols)
}

func TestBuildProposalConfidence(t *testing.T) {
	// One dead symbol plus notes: 0.5 + 0.05 + 0.05.
	p := BuildProposal("paper", Evidence{
		DeadSymbols:      []string{"WEAK"},
		PerformanceNotes: "no fills in 30 days",
	}, "id-1", testStamp)
	require.NotNil(t, p)
	assert.InDelta(t, 0.60, p.Confidence, 1e-9)

	// Five starved symbols, many missed signals, notes: capped at 0.85.
	p = BuildProposal("paper", Evidence{
		MissedSignals:    8,
		ScanStarvation:   []string{"A", "B", "C", "D", "E"},
		PerformanceNotes: "scanner saturated",
	}, "id-2", testStamp)
	require.NotNil(t, p)
	assert.InDelta(t, 0.85, p.Confidence, 1e-9)
}

func TestBuildProposalIsAlwaysNonBinding(t *testing.T) {
	p := BuildProposal("live", Evidence{DeadSymbols: []string{"WEAK"}}, "id-1", testStamp)
	require.NotNil(t, p)
	assert.True(t, p.NonBinding)
	assert.Equal(t, "live", p.Environment)
	assert.Equal(t, testStamp, p.CreatedAt)
	assert.NoError(t, p.Validate())
}

// A drafted proposal must clear the constitution it will immediately
// face: well-formed symbols, capped counts, and prose free of action
// verbs.
func TestBuildProposalSurvivesOwnAudit(t *testing.T) {
	cases := []Evidence{
		{DeadSymbols: []string{"WEAK", "LOWS", "THIN", "DUST"}},
		{MissedSignals: 6, ScanStarvation: []string{"AMD", "TSLA", "META", "AVGO", "CRM", "NOW"}},
	}
	for _, ev := range cases {
		p := BuildProposal("paper", ev, "id-1", testStamp)
		require.NotNil(t, p)
		audit := RunAudit(*p, testStamp)
		assert.True(t, audit.ConstitutionPassed, "violations: %v", audit.Violations)
	}
}
