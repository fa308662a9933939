package universe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/marketdata"
	"github.com/quarterdeck-io/quarterdeck/internal/metrics"
	"github.com/quarterdeck-io/quarterdeck/internal/reconcile"
	"github.com/quarterdeck-io/quarterdeck/internal/regime"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
)

const liquidityWindowDays = 20

// Active is the persisted trading universe for a scope.
type Active struct {
	Symbols   []string `json:"symbols"`
	UpdatedAt string   `json:"updated_at_utc"`
}

// cooldownsDoc maps removed symbols to their removal timestamp.
type cooldownsDoc struct {
	Removals map[string]string `json:"removals"`
}

// RegimeSource exposes the scope's held regime. Satisfied by the regime
// runner.
type RegimeSource interface {
	State() (*regime.RunState, error)
}

// Report summarizes one governance cycle.
type Report struct {
	Scored     []Candidate `json:"scored"`
	Change     ChangeSet   `json:"change"`
	Applied    bool        `json:"applied"`
	Violations []Violation `json:"violations,omitempty"`
	SizeBefore int         `json:"size_before"`
	SizeAfter  int         `json:"size_after"`
}

// changeRecord is the per-change-set audit line in decisions.jsonl.
type changeRecord struct {
	Change     ChangeSet          `json:"change"`
	Applied    bool               `json:"applied"`
	Violations []Violation        `json:"violations,omitempty"`
	SizeBefore int                `json:"size_before"`
	SizeAfter  int                `json:"size_after"`
	Scores     map[string]float64 `json:"scores"`
}

// scoringRecord is the per-cycle line in scoring_history.jsonl.
type scoringRecord struct {
	Candidates         []Candidate `json:"candidates"`
	MedianDollarVolume float64     `json:"median_dollar_volume"`
	UniverseSize       int         `json:"universe_size"`
	RegimeLabel        string      `json:"regime_label"`
}

// Manager runs the periodic scoring and guardrail cycle for one scope.
// It is the only writer of active_universe.json and cooldowns.json.
type Manager struct {
	sc     scope.Scope
	layout scope.Layout
	events *eventlog.Logger
	cfg    Config

	liquidity marketdata.LiquidityProvider
	vol       marketdata.VolatilityProvider
	advisor   marketdata.AdvisorProvider
	regimes   RegimeSource

	now func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLiquidity supplies the dollar-volume source.
func WithLiquidity(p marketdata.LiquidityProvider) ManagerOption {
	return func(m *Manager) { m.liquidity = p }
}

// WithVolatility supplies the annualized-volatility source.
func WithVolatility(p marketdata.VolatilityProvider) ManagerOption {
	return func(m *Manager) { m.vol = p }
}

// WithAdvisor supplies the per-symbol sentiment source.
func WithAdvisor(p marketdata.AdvisorProvider) ManagerOption {
	return func(m *Manager) { m.advisor = p }
}

// WithRegimeSource supplies the held-regime reader.
func WithRegimeSource(src RegimeSource) ManagerOption {
	return func(m *Manager) { m.regimes = src }
}

// WithClock fixes the clock, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a universe manager. Providers left unset score their
// dimensions neutral.
func NewManager(sc scope.Scope, layout scope.Layout, events *eventlog.Logger, cfg Config, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid universe config: %w", err)
	}
	m := &Manager{
		sc:     sc,
		layout: layout,
		events: events,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// LoadActive reads a scope's persisted universe without requiring a
// Manager, empty before the first apply.
func LoadActive(layout scope.Layout) (Active, error) {
	var a Active
	if err := atomicio.ReadJSON(layout.ActiveUniverseFile(), &a); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Active{}, nil
		}
		return Active{}, fmt.Errorf("failed to load active universe: %w", err)
	}
	return a, nil
}

// LoadActive reads the persisted universe, empty before the first apply.
func (m *Manager) LoadActive() (Active, error) {
	return LoadActive(m.layout)
}

func (m *Manager) loadCooldowns() (map[string]string, error) {
	var doc cooldownsDoc
	if err := atomicio.ReadJSON(m.layout.CooldownsFile(), &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to load cooldowns: %w", err)
	}
	if doc.Removals == nil {
		doc.Removals = map[string]string{}
	}
	return doc.Removals, nil
}

// RunCycle scores every candidate, proposes a change set, validates it
// against the guardrails, and applies it atomically. A violated
// guardrail discards the entire set and keeps the previous universe.
func (m *Manager) RunCycle(ctx context.Context) (*Report, error) {
	now := m.now().UTC()
	stamp := timeutil.FormatZ(now)

	active, err := m.LoadActive()
	if err != nil {
		m.events.RecordError("universe", "active universe unreadable", err, false)
		return nil, err
	}
	cooldowns, err := m.loadCooldowns()
	if err != nil {
		m.events.RecordError("universe", "cooldowns unreadable", err, false)
		return nil, err
	}
	positions, err := reconcile.LoadPositions(m.layout)
	if err != nil {
		m.events.RecordError("universe", "positions unreadable", err, false)
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	openSymbols := map[string]bool{}
	for sym := range positions {
		openSymbols[sym] = true
	}

	held := m.heldRegime()
	candidates := m.candidateSymbols(active.Symbols)
	scored, scores, median := m.scoreSymbols(ctx, candidates, held, stamp)

	if err := m.events.ScoringHistory.Append(eventlog.KindScoring, scoringRecord{
		Candidates:         scored,
		MedianDollarVolume: median,
		UniverseSize:       len(active.Symbols),
		RegimeLabel:        string(held),
	}); err != nil {
		m.events.RecordError("universe", "scoring history append failed", err, true)
	}

	change := m.selectChange(active.Symbols, scores, openSymbols, cooldowns, now)
	report, err := m.finalize(active.Symbols, change, scores, openSymbols, cooldowns, now, stamp)
	if err != nil {
		return nil, err
	}
	report.Scored = scored
	return report, nil
}

// ApplyChangeSet validates and applies an externally proposed change
// set, such as an approved governance proposal. The set passes through
// the same guardrails as an automatic cycle and is discarded whole on
// any violation.
func (m *Manager) ApplyChangeSet(ctx context.Context, change ChangeSet) (*Report, error) {
	now := m.now().UTC()
	stamp := timeutil.FormatZ(now)

	active, err := m.LoadActive()
	if err != nil {
		m.events.RecordError("universe", "active universe unreadable", err, false)
		return nil, err
	}
	cooldowns, err := m.loadCooldowns()
	if err != nil {
		m.events.RecordError("universe", "cooldowns unreadable", err, false)
		return nil, err
	}
	positions, err := reconcile.LoadPositions(m.layout)
	if err != nil {
		m.events.RecordError("universe", "positions unreadable", err, false)
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	openSymbols := map[string]bool{}
	for sym := range positions {
		openSymbols[sym] = true
	}

	held := m.heldRegime()

	// Score the sitting members plus everything the change touches; the
	// guardrails need a score for every affected symbol.
	affected := append(append([]string{}, active.Symbols...), change.Additions...)
	affected = append(affected, change.Removals...)
	_, scores, _ := m.scoreSymbols(ctx, dedupeSorted(affected), held, stamp)

	return m.finalize(active.Symbols, change, scores, openSymbols, cooldowns, now, stamp)
}

// scoreSymbols gathers provider inputs and scores each candidate.
// Provider failures degrade the affected dimension to neutral rather
// than failing the cycle.
func (m *Manager) scoreSymbols(ctx context.Context, candidates []string, held regime.Regime, stamp string) ([]Candidate, map[string]float64, float64) {
	trades := m.tradesBySymbol()

	volumes := map[string]float64{}
	if m.liquidity != nil {
		for _, sym := range candidates {
			if v, err := m.liquidity.AvgDailyDollarVolume(ctx, sym, liquidityWindowDays); err == nil {
				volumes[sym] = v
			}
		}
	}
	median := MedianVolume(volumes)

	scored := make([]Candidate, 0, len(candidates))
	scores := map[string]float64{}
	for _, sym := range candidates {
		in := Inputs{
			Symbol:             sym,
			Trades:             trades[sym],
			Regime:             held,
			AvgDollarVolume20d: volumes[sym],
			MedianDollarVolume: median,
		}
		if m.vol != nil {
			if v, err := m.vol.AnnualizedVol(ctx, sym); err == nil {
				in.AnnualizedVol = v
			}
		}
		if m.advisor != nil {
			if v, err := m.advisor.SymbolVerdict(ctx, sym); err == nil {
				in.Sentiment = v
			}
		}
		c := Score(in, stamp)
		scored = append(scored, c)
		scores[sym] = c.TotalScore
	}
	return scored, scores, median
}

// finalize runs the guardrails over a proposed change set and either
// applies it atomically or discards it whole, appending the audit
// record either way.
func (m *Manager) finalize(current []string, change ChangeSet, scores map[string]float64, openSymbols map[string]bool, cooldowns map[string]string, now time.Time, stamp string) (*Report, error) {
	report := &Report{
		Change:     change,
		SizeBefore: len(current),
		SizeAfter:  len(current),
	}
	if change.Empty() {
		log.Debug().
			Str("scope", m.sc.Slug()).
			Msg("Universe cycle proposed no changes")
		return report, nil
	}

	violations := CheckChange(m.cfg, current, change, scores, openSymbols, cooldowns, now)
	if len(violations) > 0 {
		report.Violations = violations
		m.appendDecision(changeRecord{
			Change:     change,
			Applied:    false,
			Violations: violations,
			SizeBefore: len(current),
			SizeAfter:  len(current),
			Scores:     scores,
		})
		metrics.UniverseChanges.WithLabelValues(m.sc.Slug(), "discarded").Inc()
		log.Warn().
			Str("scope", m.sc.Slug()).
			Int("violations", len(violations)).
			Str("rule", violations[0].Rule).
			Msg("Universe change set discarded by guardrails")
		return report, nil
	}

	next := applyChange(current, change)
	if err := m.persist(next, change, cooldowns, now, stamp); err != nil {
		m.events.RecordError("universe", "universe persist failed", err, false)
		return nil, err
	}

	report.Applied = true
	report.SizeAfter = len(next)
	m.appendDecision(changeRecord{
		Change:     change,
		Applied:    true,
		SizeBefore: len(current),
		SizeAfter:  len(next),
		Scores:     scores,
	})
	metrics.UniverseChanges.WithLabelValues(m.sc.Slug(), "applied").Inc()
	metrics.UniverseSize.WithLabelValues(m.sc.Slug()).Set(float64(len(next)))
	log.Info().
		Str("scope", m.sc.Slug()).
		Strs("added", change.Additions).
		Strs("removed", change.Removals).
		Int("size", len(next)).
		Msg("Universe change set applied")
	return report, nil
}

func dedupeSorted(symbols []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range symbols {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) heldRegime() regime.Regime {
	if m.regimes == nil {
		return ""
	}
	st, err := m.regimes.State()
	if err != nil {
		m.events.RecordError("universe", "regime state unreadable", err, true)
		return ""
	}
	if st == nil {
		return ""
	}
	return st.Regime
}

// tradesBySymbol reads the closed-trade log and groups it. Unreadable
// records were already counted at write time and are skipped here.
func (m *Manager) tradesBySymbol() map[string][]reconcile.Trade {
	records, _, err := eventlog.ReadAll(m.layout.TradesLog())
	if err != nil {
		m.events.RecordError("universe", "trades log unreadable", err, true)
		return nil
	}
	out := map[string][]reconcile.Trade{}
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
		out[tr.Symbol] = append(out[tr.Symbol], tr)
	}
	return out
}

func (m *Manager) candidateSymbols(members []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range members {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range m.cfg.Watchlist {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// selectChange builds the proposed change set under the same rules the
// guardrails enforce. Removals are chosen before additions so freed
// capacity can be refilled in the same cycle. Ties break on symbol so
// the selection is deterministic.
func (m *Manager) selectChange(members []string, scores map[string]float64, openSymbols map[string]bool, cooldowns map[string]string, now time.Time) ChangeSet {
	memberSet := map[string]bool{}
	for _, s := range members {
		memberSet[s] = true
	}

	var removable []string
	for _, s := range members {
		if scores[s] <= m.cfg.MaxScoreToRemove && !openSymbols[s] {
			removable = append(removable, s)
		}
	}
	sort.Slice(removable, func(i, j int) bool {
		if scores[removable[i]] != scores[removable[j]] {
			return scores[removable[i]] < scores[removable[j]]
		}
		return removable[i] < removable[j]
	})

	size := len(members)
	var removals []string
	for _, s := range removable {
		if len(removals) >= m.cfg.MaxRemovalsPerCycle || size-1 < m.cfg.MinSize {
			break
		}
		removals = append(removals, s)
		size--
	}

	var addable []string
	for sym, score := range scores {
		if memberSet[sym] || score < m.cfg.MinScoreToAdd {
			continue
		}
		if removedAt, ok := cooldowns[sym]; ok && m.cfg.CooldownDaysAfterRemove > 0 {
			t, err := timeutil.Parse(removedAt)
			if err != nil || now.Before(t.AddDate(0, 0, m.cfg.CooldownDaysAfterRemove)) {
				continue
			}
		}
		addable = append(addable, sym)
	}
	sort.Slice(addable, func(i, j int) bool {
		if scores[addable[i]] != scores[addable[j]] {
			return scores[addable[i]] > scores[addable[j]]
		}
		return addable[i] < addable[j]
	})

	var additions []string
	for _, s := range addable {
		if len(additions) >= m.cfg.MaxAdditionsPerCycle || size+1 > m.cfg.MaxSize {
			break
		}
		additions = append(additions, s)
		size++
	}

	return ChangeSet{Additions: additions, Removals: removals}
}

func applyChange(members []string, cs ChangeSet) []string {
	removing := map[string]bool{}
	for _, s := range cs.Removals {
		removing[s] = true
	}
	var next []string
	for _, s := range members {
		if !removing[s] {
			next = append(next, s)
		}
	}
	next = append(next, cs.Additions...)
	sort.Strings(next)
	return next
}

// persist writes the new universe and the updated cooldown book as a
// staged pair: both files land or neither does.
func (m *Manager) persist(next []string, cs ChangeSet, cooldowns map[string]string, now time.Time, stamp string) error {
	updated := map[string]string{}
	for sym, removedAt := range cooldowns {
		// Expired entries drop out of the book on the next write.
		if t, err := timeutil.Parse(removedAt); err == nil {
			if m.cfg.CooldownDaysAfterRemove > 0 && !now.Before(t.AddDate(0, 0, m.cfg.CooldownDaysAfterRemove)) {
				continue
			}
		}
		updated[sym] = removedAt
	}
	for _, s := range cs.Removals {
		updated[s] = stamp
	}

	activeStage, err := atomicio.StageJSON(m.layout.ActiveUniverseFile(), Active{
		Symbols:   next,
		UpdatedAt: stamp,
	})
	if err != nil {
		return fmt.Errorf("failed to stage active universe: %w", err)
	}
	cooldownStage, err := atomicio.StageJSON(m.layout.CooldownsFile(), cooldownsDoc{Removals: updated})
	if err != nil {
		activeStage.Abort()
		return fmt.Errorf("failed to stage cooldowns: %w", err)
	}
	if err := activeStage.Commit(); err != nil {
		cooldownStage.Abort()
		return fmt.Errorf("failed to commit active universe: %w", err)
	}
	if err := cooldownStage.Commit(); err != nil {
		return fmt.Errorf("failed to commit cooldowns: %w", err)
	}
	return nil
}

func (m *Manager) appendDecision(rec changeRecord) {
	if err := m.events.UniverseDecisions.Append(eventlog.KindUniverse, rec); err != nil {
		m.events.RecordError("universe", "decision append failed", err, true)
	}
}
