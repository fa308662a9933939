package governance

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/reconcile"
	"github.com/quarterdeck-io/quarterdeck/internal/regime"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
	"github.com/quarterdeck-io/quarterdeck/internal/universe"
)

// EvidenceWindowDays bounds the trailing window evidence is summarized
// over.
const EvidenceWindowDays = 30

// GatherEvidence summarizes persisted scope state into the observation
// set the proposer reads, plus the performance context the critic
// scores against. Dead symbols are universe members that traded before
// but have neither an open position nor a closed trade inside the
// window; members with no history at all are left alone. Scan
// starvation lists watchlist symbols still outside the universe.
// Everything derives from disk; missed-signal counts stay at zero until
// an external scanner reports them.
func (e *Engine) GatherEvidence(watchlist []string) (Evidence, CritiqueContext) {
	now := e.now().UTC()
	cutoff := timeutil.DatePart(now.AddDate(0, 0, -EvidenceWindowDays))

	active, err := universe.LoadActive(e.layout)
	if err != nil {
		e.events.RecordError("governance", "active universe unreadable", err, true)
	}
	positions, err := reconcile.LoadPositions(e.layout)
	if err != nil {
		e.events.RecordError("governance", "positions unreadable", err, true)
	}

	tradedEver := map[string]bool{}
	lastExit := map[string]string{}
	var windowTrades, windowWins int
	for _, tr := range e.loadTrades() {
		tradedEver[tr.Symbol] = true
		if tr.ExitDate > lastExit[tr.Symbol] {
			lastExit[tr.Symbol] = tr.ExitDate
		}
		if tr.ExitDate >= cutoff {
			windowTrades++
			if tr.ReturnPct > 0 {
				windowWins++
			}
		}
	}

	var dead []string
	members := map[string]bool{}
	for _, sym := range active.Symbols {
		members[sym] = true
		if _, open := positions[sym]; open {
			continue
		}
		if !tradedEver[sym] || lastExit[sym] >= cutoff {
			continue
		}
		dead = append(dead, sym)
	}
	sort.Strings(dead)

	var starved []string
	for _, sym := range watchlist {
		if !members[sym] {
			starved = append(starved, sym)
		}
	}
	sort.Strings(starved)

	var winRate float64
	var notes string
	if windowTrades > 0 {
		winRate = float64(windowWins) / float64(windowTrades)
		notes = fmt.Sprintf("%d closed trades in the last %d days, %.0f%% win rate",
			windowTrades, EvidenceWindowDays, winRate*100)
	}

	ev := Evidence{
		ScanStarvation:   starved,
		DeadSymbols:      dead,
		PerformanceNotes: notes,
	}
	cc := CritiqueContext{
		TradesAnalyzed: windowTrades,
		RecentWinRate:  winRate,
		MarketVol:      e.marketVol(),
	}
	return ev, cc
}

func (e *Engine) loadTrades() []reconcile.Trade {
	records, _, err := eventlog.ReadAll(e.layout.TradesLog())
	if err != nil {
		e.events.RecordError("governance", "trades log unreadable", err, true)
		return nil
	}
	var out []reconcile.Trade
	for _, rec := range records {
		if rec.Kind() != eventlog.KindTrade {
			continue
		}
		raw, merr := json.Marshal(rec)
		if merr != nil {
			continue
		}
		var tr reconcile.Trade
		if json.Unmarshal(raw, &tr) != nil || tr.Symbol == "" {
			continue
		}
		out = append(out, tr)
	}
	return out
}

// marketVol reads the held regime's entry volatility as the critic's
// volatility context, zero when no regime has been recorded yet.
func (e *Engine) marketVol() float64 {
	var st regime.RunState
	if err := atomicio.ReadJSON(e.layout.RegimeStateFile(), &st); err != nil {
		return 0
	}
	return st.VolAtEntry
}
