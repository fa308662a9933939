package ops

import (
	"errors"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
	"github.com/quarterdeck-io/quarterdeck/internal/reconcile"
	"github.com/quarterdeck-io/quarterdeck/internal/regime"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
	"github.com/quarterdeck-io/quarterdeck/internal/universe"
)

// Snapshot is the operator-facing summary persisted to
// observability/latest_snapshot.json after each reconciliation cycle.
// It is a denormalized convenience view; every field can be rebuilt
// from the files it summarizes.
type Snapshot struct {
	Scope              string   `json:"scope"`
	GeneratedAt        string   `json:"generated_at_utc"`
	OpenPositions      int      `json:"open_positions"`
	Symbols            []string `json:"symbols,omitempty"`
	EntryNotional      float64  `json:"entry_notional"`
	LastReconciliation string   `json:"last_reconciliation_utc,omitempty"`
	CursorAgeSeconds   int64    `json:"cursor_age_seconds"`
	UniverseSize       int      `json:"universe_size"`
	Regime             string   `json:"regime,omitempty"`
	RegimeVerdict      string   `json:"last_regime_verdict,omitempty"`
	OpenProposals      int      `json:"open_proposals"`
	ExpiredProposals   int      `json:"expired_proposals"`
	StaleTasks         []string `json:"stale_tasks,omitempty"`
}

// BuildSnapshot summarizes a scope's persisted state. Missing files
// leave their fields at zero values; unreadable ones are logged and
// skipped, so a snapshot is always produced.
func BuildSnapshot(h ScopeHandle, now time.Time) *Snapshot {
	slug := h.Scope.Slug()
	snap := &Snapshot{
		Scope:            slug,
		GeneratedAt:      timeutil.FormatZ(now),
		CursorAgeSeconds: -1,
	}

	positions, err := reconcile.LoadPositions(h.Layout)
	if err != nil {
		log.Warn().Err(err).Str("scope", slug).Msg("Snapshot skipping positions")
	} else {
		snap.OpenPositions = len(positions)
		for symbol, p := range positions {
			snap.Symbols = append(snap.Symbols, symbol)
			snap.EntryNotional += p.Quantity * p.WeightedAvgEntry
		}
		sort.Strings(snap.Symbols)
	}

	var cursor reconcile.Cursor
	err = atomicio.ReadJSON(h.Layout.CursorFile(), &cursor)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("scope", slug).Msg("Snapshot skipping cursor")
	} else if err == nil {
		snap.LastReconciliation = cursor.LastReconciliationTime
		if t, perr := timeutil.Parse(cursor.LastReconciliationTime); perr == nil {
			snap.CursorAgeSeconds = int64(now.Sub(t).Seconds())
		}
	}

	var active universe.Active
	err = atomicio.ReadJSON(h.Layout.ActiveUniverseFile(), &active)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("scope", slug).Msg("Snapshot skipping universe")
	} else if err == nil {
		snap.UniverseSize = len(active.Symbols)
	}

	var state regime.RunState
	err = atomicio.ReadJSON(h.Layout.RegimeStateFile(), &state)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("scope", slug).Msg("Snapshot skipping regime state")
	} else if err == nil {
		snap.Regime = string(state.Regime)
		snap.RegimeVerdict = string(state.LastVerdict)
	}

	bundles, _, err := h.proposals().List()
	if err != nil {
		log.Warn().Err(err).Str("scope", slug).Msg("Snapshot skipping proposals")
	} else {
		for _, b := range bundles {
			if b.Approval != nil {
				continue
			}
			if b.Expired {
				snap.ExpiredProposals++
			} else {
				snap.OpenProposals++
			}
		}
	}

	if h.Scheduler != nil {
		for _, t := range h.Scheduler.Staleness() {
			if t.Stale {
				snap.StaleTasks = append(snap.StaleTasks, t.Task)
			}
		}
	}

	return snap
}

// WriteSnapshot builds and atomically persists the snapshot for a
// scope. The control plane calls this at the end of each
// reconciliation cycle; the file is overwritten in place.
func WriteSnapshot(h ScopeHandle, now time.Time) error {
	snap := BuildSnapshot(h, now)
	if err := atomicio.WriteJSON(h.Layout.SnapshotFile(), snap); err != nil {
		log.Error().Err(err).Str("scope", snap.Scope).Msg("Failed to write snapshot")
		return err
	}
	log.Debug().
		Str("scope", snap.Scope).
		Int("open_positions", snap.OpenPositions).
		Int("universe_size", snap.UniverseSize).
		Msg("Snapshot written")
	return nil
}
