// Package archive mirrors closed trades and gate decisions into
// PostgreSQL for SQL reporting. The JSONL ledger remains the source of
// truth; every write here happens after the corresponding append
// succeeded, and a failing archive never blocks the trading path.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/gate"
	"github.com/quarterdeck-io/quarterdeck/internal/reconcile"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies
// it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store owns the archive connection pool.
type Store struct {
	pool Pool
}

// New connects to the archive database and verifies the connection.
// Pool sizing rides in on the DSN (pool_max_conns); lifetimes follow
// the settings the rest of the deployment assumes.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse archive DSN: %w", err)
	}

	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	log.Info().Msg("Archive connection pool created")

	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool. Tests hand in a pgxmock pool.
func NewWithPool(pool Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
		log.Info().Msg("Archive connection pool closed")
	}
}

// Ping checks archive connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ArchiveTrade mirrors one closed trade. Called by the reconciliation
// engine after the ledger append succeeded.
func (s *Store) ArchiveTrade(ctx context.Context, scopeSlug string, t reconcile.Trade) error {
	query := `
		INSERT INTO trades (
			scope, symbol, entry_date, entry_price, exit_date, exit_price,
			confidence, return_pct
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err := s.pool.Exec(ctx, query,
		scopeSlug,
		t.Symbol,
		t.EntryDate,
		t.EntryPrice,
		t.ExitDate,
		t.ExitPrice,
		t.Confidence,
		t.ReturnPct,
	)

	if err != nil {
		log.Error().
			Err(err).
			Str("scope", scopeSlug).
			Str("symbol", t.Symbol).
			Msg("Failed to archive trade")
		return fmt.Errorf("failed to archive trade: %w", err)
	}

	log.Debug().
		Str("scope", scopeSlug).
		Str("symbol", t.Symbol).
		Str("exit_date", t.ExitDate).
		Float64("return_pct", t.ReturnPct).
		Msg("Trade archived")

	return nil
}

// ArchiveDecision mirrors one gate decision.
func (s *Store) ArchiveDecision(ctx context.Context, scopeSlug string, d gate.Decision) error {
	query := `
		INSERT INTO gate_decisions (
			scope, action, symbol, strategy, side, qty, signal_date, outcome,
			reason_code, reason, reference_price, effective_price, entry_date,
			notional, order_id, order_status, filled_qty, filled_price, confidence
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19
		)
	`

	_, err := s.pool.Exec(ctx, query,
		scopeSlug,
		d.Action,
		d.Symbol,
		d.Strategy,
		d.Side,
		d.Qty,
		d.SignalDate,
		string(d.Outcome),
		d.ReasonCode,
		d.Reason,
		d.ReferencePrice,
		d.EffectivePrice,
		d.EntryDate,
		d.Notional,
		d.OrderID,
		d.OrderStatus,
		d.FilledQty,
		d.FilledPrice,
		d.Confidence,
	)

	if err != nil {
		log.Error().
			Err(err).
			Str("scope", scopeSlug).
			Str("symbol", d.Symbol).
			Str("outcome", string(d.Outcome)).
			Msg("Failed to archive gate decision")
		return fmt.Errorf("failed to archive gate decision: %w", err)
	}

	log.Debug().
		Str("scope", scopeSlug).
		Str("symbol", d.Symbol).
		Str("outcome", string(d.Outcome)).
		Msg("Gate decision archived")

	return nil
}

// ArchivedTrade is a mirrored trade row.
type ArchivedTrade struct {
	Scope string `json:"scope"`
	reconcile.Trade
	ArchivedAt time.Time `json:"archived_at"`
}

// TradeFilter narrows a trade query. Zero values mean no constraint;
// dates are inclusive YYYY-MM-DD bounds on the exit date.
type TradeFilter struct {
	Scope  string
	Symbol string
	Since  string
	Until  string
	Limit  int
}

// DefaultTradeLimit caps unbounded trade listings.
const DefaultTradeLimit = 200

// ListTrades returns mirrored trades newest exit first.
func (s *Store) ListTrades(ctx context.Context, f TradeFilter) ([]ArchivedTrade, error) {
	query := `
		SELECT scope, symbol, entry_date, entry_price, exit_date, exit_price,
		       confidence, return_pct, archived_at
		FROM trades
	`

	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Scope != "" {
		add("scope = $%d", f.Scope)
	}
	if f.Symbol != "" {
		add("symbol = $%d", f.Symbol)
	}
	if f.Since != "" {
		add("exit_date >= $%d", f.Since)
	}
	if f.Until != "" {
		add("exit_date <= $%d", f.Until)
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultTradeLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY exit_date DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []ArchivedTrade
	for rows.Next() {
		var (
			t         ArchivedTrade
			entryDate time.Time
			exitDate  time.Time
		)
		err := rows.Scan(
			&t.Scope,
			&t.Symbol,
			&entryDate,
			&t.EntryPrice,
			&exitDate,
			&t.ExitPrice,
			&t.Confidence,
			&t.ReturnPct,
			&t.ArchivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.EntryDate = entryDate.Format("2006-01-02")
		t.ExitDate = exitDate.Format("2006-01-02")
		trades = append(trades, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return trades, nil
}
