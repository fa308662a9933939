// Package reconcile rebuilds the position ledger from broker fills.
//
// Broker fills are the source of truth. Each cycle fetches fills since a
// persisted cursor (less a safety window for late arrivals), deduplicates
// against everything already seen, rebuilds open positions from scratch,
// and persists the ledger and cursor together or not at all. A cycle that
// finds nothing new writes nothing, so repeated runs leave the state
// files byte-identical.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/alerts"
	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
	"github.com/quarterdeck-io/quarterdeck/internal/broker"
	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/metrics"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
)

const (
	// DefaultSafetyWindow is re-fetched behind the cursor every cycle so
	// fills reported late by the broker are still picked up.
	DefaultSafetyWindow = 24 * time.Hour

	// DefaultFirstRunLookback bounds the very first fetch when no cursor
	// exists yet.
	DefaultFirstRunLookback = 7 * 24 * time.Hour

	// DefaultStaleThreshold is the consecutive-failure count after which
	// the ledger is flagged stale.
	DefaultStaleThreshold = 3

	// DefaultQtyTolerance is the rounding slack allowed when comparing
	// ledger quantities against the broker.
	DefaultQtyTolerance = 1e-6
)

// TradeArchiver mirrors closed trades to an external store. Archiving is
// best-effort; a failing archiver never blocks reconciliation.
type TradeArchiver interface {
	ArchiveTrade(ctx context.Context, scopeSlug string, t Trade) error
}

// Engine owns the reconciliation loop for one scope.
type Engine struct {
	sc       scope.Scope
	layout   scope.Layout
	adapter  broker.Adapter
	events   *eventlog.Logger
	archiver TradeArchiver

	safetyWindow     time.Duration
	firstRunLookback time.Duration
	staleThreshold   int
	tolerance        float64
	now              func() time.Time

	mu       sync.Mutex
	failures int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock injects the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSafetyWindow overrides the late-fill re-fetch window.
func WithSafetyWindow(d time.Duration) Option {
	return func(e *Engine) { e.safetyWindow = d }
}

// WithFirstRunLookback overrides the first-run fetch horizon.
func WithFirstRunLookback(d time.Duration) Option {
	return func(e *Engine) { e.firstRunLookback = d }
}

// WithStaleThreshold overrides the consecutive-failure staleness bar.
func WithStaleThreshold(n int) Option {
	return func(e *Engine) { e.staleThreshold = n }
}

// WithTolerance overrides the broker quantity comparison slack.
func WithTolerance(tol float64) Option {
	return func(e *Engine) { e.tolerance = tol }
}

// WithArchiver attaches a closed-trade mirror.
func WithArchiver(a TradeArchiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// New builds an Engine for a scope. The adapter must support fill listing
// (broker.ListFills returns a fatal error otherwise, surfaced on the
// first Reconcile call rather than here).
func New(sc scope.Scope, layout scope.Layout, adapter broker.Adapter, events *eventlog.Logger, opts ...Option) *Engine {
	e := &Engine{
		sc:               sc,
		layout:           layout,
		adapter:          adapter,
		events:           events,
		safetyWindow:     DefaultSafetyWindow,
		firstRunLookback: DefaultFirstRunLookback,
		staleThreshold:   DefaultStaleThreshold,
		tolerance:        DefaultQtyTolerance,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Report summarizes one reconciliation cycle.
type Report struct {
	Fetched        int  `json:"fetched"`
	NewFills       int  `json:"new_fills"`
	SkippedInvalid int  `json:"skipped_invalid"`
	OpenPositions  int  `json:"open_positions"`
	TradesClosed   int  `json:"trades_closed"`
	CursorAdvanced bool `json:"cursor_advanced"`
	Changed        bool `json:"changed"`
}

// positionsDoc is the on-disk shape of state/open_positions.json.
type positionsDoc struct {
	SchemaVersion string                  `json:"schema_version"`
	Positions     map[string]OpenPosition `json:"positions"`
	UpdatedAt     string                  `json:"updated_at_utc"`
}

// Reconcile runs one cycle. On any fetch or persist failure the ledger
// and cursor on disk are left exactly as they were.
func (e *Engine) Reconcile(ctx context.Context) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	positions, err := e.loadPositions()
	if err != nil {
		return nil, e.fail("load positions", err)
	}
	cursor, err := e.loadCursor()
	if err != nil {
		return nil, e.fail("load cursor", err)
	}

	since := e.fetchWindow(cursor)
	fills, err := broker.ListFills(ctx, e.adapter, since)
	if err != nil {
		return nil, e.fail("fetch fills", err)
	}

	report := &Report{Fetched: len(fills)}

	known := knownFillIDs(positions, cursor)
	stored := storedFills(positions)
	var newFills []broker.Fill
	for _, f := range fills {
		f = f.Normalize()
		if reason := validateFill(f); reason != "" {
			report.SkippedInvalid++
			log.Warn().
				Str("scope", e.sc.Slug()).
				Str("fill_id", f.FillID).
				Str("reason", reason).
				Msg("Skipping invalid fill")
			continue
		}
		if known[f.FillID] {
			continue
		}
		known[f.FillID] = true
		newFills = append(newFills, f)
	}
	report.NewFills = len(newFills)

	if len(newFills) == 0 {
		e.failures = 0
		report.OpenPositions = len(positions)
		metrics.OpenPositions.WithLabelValues(e.sc.Slug()).Set(float64(report.OpenPositions))
		log.Debug().Str("scope", e.sc.Slug()).Int("fetched", report.Fetched).Msg("Reconciliation found no new fills")
		return report, nil
	}

	stamp := timeutil.FormatZ(e.now())
	union := append(stored, newFills...)
	rebuilt, closed := Rebuild(union, stamp)

	newIDs := make(map[string]bool, len(newFills))
	for _, f := range newFills {
		newIDs[f.FillID] = true
	}
	var newTrades []ClosedTrade
	for _, t := range closed {
		if newIDs[t.ExitFillID] {
			newTrades = append(newTrades, t)
		}
	}

	next := e.advanceCursor(cursor, union, newFills, stamp)
	report.CursorAdvanced = next.LastSeenFillTime != cursor.LastSeenFillTime || next.LastSeenFillID != cursor.LastSeenFillID

	if err := e.persist(rebuilt, next, stamp); err != nil {
		return nil, e.fail("persist ledger", err)
	}
	e.failures = 0
	report.Changed = true
	report.OpenPositions = len(rebuilt)
	report.TradesClosed = len(newTrades)
	metrics.FillsApplied.WithLabelValues(e.sc.Slug()).Add(float64(report.NewFills))
	metrics.OpenPositions.WithLabelValues(e.sc.Slug()).Set(float64(report.OpenPositions))

	var archiveFailures int
	var archiveErr error
	for _, t := range newTrades {
		if err := e.events.Trades.Append(eventlog.KindTrade, t.Trade); err != nil {
			log.Warn().Err(err).Str("scope", e.sc.Slug()).Msg("Failed to append closed trade")
		}
		if e.archiver != nil {
			if err := e.archiver.ArchiveTrade(ctx, e.sc.Slug(), t.Trade); err != nil {
				log.Warn().Err(err).Str("symbol", t.Symbol).Msg("Trade archive failed")
				archiveFailures++
				archiveErr = err
			}
		}
	}
	if archiveFailures > 0 {
		alerts.AlertArchiveFailing(ctx, e.sc.Slug(), archiveFailures, archiveErr)
	}

	log.Info().
		Str("scope", e.sc.Slug()).
		Int("new_fills", report.NewFills).
		Int("open_positions", report.OpenPositions).
		Int("trades_closed", report.TradesClosed).
		Msg("Reconciliation applied")
	return report, nil
}

// fail records a cycle failure without touching disk state.
func (e *Engine) fail(stage string, err error) error {
	e.failures++
	transient := broker.IsTransient(err)
	e.events.RecordError("reconcile", stage, err, transient)
	ev := log.Warn()
	if e.Stale() {
		ev = log.Error()
	}
	ev.Err(err).
		Str("scope", e.sc.Slug()).
		Str("stage", stage).
		Int("consecutive_failures", e.failures).
		Bool("stale", e.Stale()).
		Msg("Reconciliation cycle failed")
	return fmt.Errorf("reconciliation %s failed: %w", stage, err)
}

// Stale reports whether enough consecutive cycles have failed that the
// ledger can no longer be trusted as current. The execution gate treats a
// stale ledger as a blocking condition.
func (e *Engine) Stale() bool {
	return e.failures >= e.staleThreshold
}

// ConsecutiveFailures returns the current failure streak.
func (e *Engine) ConsecutiveFailures() int {
	return e.failures
}

// fetchWindow computes the fill fetch start: the cursor less the safety
// window, or the first-run lookback when no cursor exists.
func (e *Engine) fetchWindow(c Cursor) time.Time {
	if c.LastSeenFillTime == "" {
		return e.now().UTC().Add(-e.firstRunLookback)
	}
	last, err := timeutil.Parse(c.LastSeenFillTime)
	if err != nil {
		log.Warn().Err(err).Str("scope", e.sc.Slug()).Msg("Unreadable cursor time, falling back to first-run lookback")
		return e.now().UTC().Add(-e.firstRunLookback)
	}
	return last.Add(-e.safetyWindow)
}

// advanceCursor moves the cursor to the newest accepted fill, never
// backwards, and records every fill id inside the safety window so an
// overlapping refetch cannot reprocess them.
func (e *Engine) advanceCursor(prev Cursor, union, newFills []broker.Fill, stamp string) Cursor {
	next := Cursor{
		LastSeenFillID:         prev.LastSeenFillID,
		LastSeenFillTime:       prev.LastSeenFillTime,
		LastReconciliationTime: stamp,
	}

	var tip time.Time
	if prev.LastSeenFillTime != "" {
		if t, err := timeutil.Parse(prev.LastSeenFillTime); err == nil {
			tip = t
		}
	}
	for _, f := range newFills {
		if f.FilledAt.After(tip) {
			tip = f.FilledAt
			next.LastSeenFillID = f.FillID
			next.LastSeenFillTime = timeutil.FormatZ(f.FilledAt)
		}
	}

	windowStart := tip.Add(-e.safetyWindow)
	var recent []string
	for _, f := range union {
		if !f.FilledAt.Before(windowStart) {
			recent = append(recent, f.FillID)
		}
	}
	sort.Strings(recent)
	next.RecentFillIDs = recent
	return next
}

// persist stages the positions document and the cursor, then commits
// both. A failure while staging aborts everything, leaving disk state
// untouched.
func (e *Engine) persist(positions map[string]OpenPosition, cursor Cursor, stamp string) error {
	doc := positionsDoc{
		SchemaVersion: eventlog.SchemaVersion,
		Positions:     positions,
		UpdatedAt:     stamp,
	}
	posStage, err := atomicio.StageJSON(e.layout.OpenPositionsFile(), doc)
	if err != nil {
		return fmt.Errorf("failed to stage positions: %w", err)
	}
	curStage, err := atomicio.StageJSON(e.layout.CursorFile(), cursor)
	if err != nil {
		posStage.Abort()
		return fmt.Errorf("failed to stage cursor: %w", err)
	}
	if err := posStage.Commit(); err != nil {
		curStage.Abort()
		return fmt.Errorf("failed to commit positions: %w", err)
	}
	if err := curStage.Commit(); err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}
	return nil
}

func (e *Engine) loadPositions() (map[string]OpenPosition, error) {
	var doc positionsDoc
	err := atomicio.ReadJSON(e.layout.OpenPositionsFile(), &doc)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]OpenPosition{}, nil
	}
	if err != nil {
		return nil, err
	}
	if doc.Positions == nil {
		doc.Positions = map[string]OpenPosition{}
	}
	return doc.Positions, nil
}

func (e *Engine) loadCursor() (Cursor, error) {
	var c Cursor
	err := atomicio.ReadJSON(e.layout.CursorFile(), &c)
	if errors.Is(err, os.ErrNotExist) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, err
	}
	return c, nil
}

// knownFillIDs collects every fill id the engine has already processed:
// those embedded in open positions plus the cursor's recent window.
func knownFillIDs(positions map[string]OpenPosition, c Cursor) map[string]bool {
	known := make(map[string]bool)
	for _, p := range positions {
		for _, id := range p.FillIDs {
			known[id] = true
		}
	}
	for _, id := range c.RecentFillIDs {
		known[id] = true
	}
	return known
}

// storedFills flattens the fills embedded in the persisted positions.
func storedFills(positions map[string]OpenPosition) []broker.Fill {
	var out []broker.Fill
	for _, p := range positions {
		out = append(out, p.Fills...)
	}
	return out
}

// validateFill returns a rejection reason for fills the engine cannot
// safely account, or "" for a good fill.
func validateFill(f broker.Fill) string {
	switch {
	case f.FillID == "":
		return "missing fill id"
	case f.Symbol == "":
		return "missing symbol"
	case !f.Side.Valid():
		return fmt.Sprintf("invalid side %q", f.Side)
	case f.Qty <= 0:
		return "non-positive quantity"
	case f.Price <= 0:
		return "non-positive price"
	case f.FilledAt.IsZero():
		return "missing fill time"
	}
	return ""
}

// Mismatch is one disagreement between the ledger and the broker.
type Mismatch struct {
	Symbol    string  `json:"symbol"`
	LedgerQty float64 `json:"ledger_qty"`
	BrokerQty float64 `json:"broker_qty"`
}

// VerifyAgainstBroker compares ledger quantities with the broker's view
// and returns every symbol that disagrees beyond the tolerance. The
// ledger is never mutated here; mismatches resolve through the next fill
// fetch, not by copying broker numbers.
func (e *Engine) VerifyAgainstBroker(ctx context.Context) ([]Mismatch, error) {
	positions, err := e.loadPositions()
	if err != nil {
		return nil, fmt.Errorf("failed to load positions for verification: %w", err)
	}
	brokerPositions, err := e.adapter.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch broker positions: %w", err)
	}

	brokerQty := make(map[string]float64, len(brokerPositions))
	for _, p := range brokerPositions {
		brokerQty[p.Symbol] = p.Qty
	}

	var mismatches []Mismatch
	for sym, p := range positions {
		if math.Abs(p.Quantity-brokerQty[sym]) > e.tolerance {
			mismatches = append(mismatches, Mismatch{Symbol: sym, LedgerQty: p.Quantity, BrokerQty: brokerQty[sym]})
		}
		delete(brokerQty, sym)
	}
	for sym, qty := range brokerQty {
		if math.Abs(qty) > e.tolerance {
			mismatches = append(mismatches, Mismatch{Symbol: sym, LedgerQty: 0, BrokerQty: qty})
		}
	}
	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Symbol < mismatches[j].Symbol })

	for _, m := range mismatches {
		log.Warn().
			Str("scope", e.sc.Slug()).
			Str("symbol", m.Symbol).
			Float64("ledger_qty", m.LedgerQty).
			Float64("broker_qty", m.BrokerQty).
			Msg("Ledger quantity disagrees with broker")
	}
	return mismatches, nil
}

// LoadPositions reads the canonical position ledger for read-only
// consumers, falling back to the legacy location when the canonical file
// has never been written. The legacy file may be either the wrapped
// document or a bare symbol map.
func LoadPositions(l scope.Layout) (map[string]OpenPosition, error) {
	var doc positionsDoc
	err := atomicio.ReadJSON(l.OpenPositionsFile(), &doc)
	if err == nil {
		if doc.Positions == nil {
			doc.Positions = map[string]OpenPosition{}
		}
		return doc.Positions, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	legacy := l.LegacyPositionsFile()
	err = atomicio.ReadJSON(legacy, &doc)
	if err == nil && doc.Positions != nil {
		return doc.Positions, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	var bare map[string]OpenPosition
	err = atomicio.ReadJSON(legacy, &bare)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]OpenPosition{}, nil
	}
	if err != nil {
		return nil, err
	}
	if bare == nil {
		bare = map[string]OpenPosition{}
	}
	return bare, nil
}
