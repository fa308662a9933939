// Package gate decides whether a trading signal becomes a broker order.
//
// The gate enforces entry-price discipline (no lookahead), adversarial
// slippage, liquidity sizing against average daily dollar volume,
// corporate event blackouts, and ledger staleness. Every decision,
// executed or not, is appended to the decisions log with its reason
// code.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/broker"
	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/marketdata"
	"github.com/quarterdeck-io/quarterdeck/internal/metrics"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
)

// Outcome is the gate's final word on a signal.
type Outcome string

const (
	OutcomeExecuted  Outcome = "EXECUTED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeBlocked   Outcome = "BLOCKED"
	OutcomeSubmitted Outcome = "SUBMITTED"
)

// Reason codes carried on non-executed decisions. Callers never invent
// new codes.
const (
	ReasonBarsUnavailable     = "BARS_UNAVAILABLE"
	ReasonNoEntryPrice        = "NO_ENTRY_PRICE"
	ReasonLedgerStale         = "LEDGER_STALE"
	ReasonBlackoutUnavailable = "BLACKOUT_PROVIDER_UNAVAILABLE"
	ReasonEventBlackout       = "EVENT_BLACKOUT"
	ReasonLiquidityLimit      = "LIQUIDITY_LIMIT"
	ReasonBrokerError         = "BROKER_ERROR"
	ReasonBrokerRejected      = "BROKER_REJECTED"
	ReasonOrderNotFilled      = "ORDER_NOT_FILLED"
	ReasonPollTimeout         = "POLL_TIMEOUT"
	ReasonNoPosition          = "NO_POSITION"
)

// Config holds the gate's per-scope tuning.
type Config struct {
	UseNextOpen     bool
	SlippageBps     float64
	MaxADVPct       float64
	ADVWindowDays   int
	BarLookback     int
	BlackoutEnabled bool
	PollInterval    time.Duration
	PollTimeout     time.Duration
}

// DefaultConfig mirrors the conservative production defaults.
func DefaultConfig() Config {
	return Config{
		UseNextOpen:   true,
		SlippageBps:   5,
		MaxADVPct:     0.05,
		ADVWindowDays: 20,
		BarLookback:   30,
		PollInterval:  500 * time.Millisecond,
		PollTimeout:   60 * time.Second,
	}
}

// StalenessSource reports whether the position ledger can be trusted.
// The reconciliation engine implements this.
type StalenessSource interface {
	Stale() bool
}

// Request is one entry signal presented to the gate.
type Request struct {
	Symbol     string
	Strategy   string
	Qty        float64
	SignalDate string
	Confidence float64
}

// Decision is the audit record for one gate evaluation.
type Decision struct {
	Action         string  `json:"action"`
	Symbol         string  `json:"symbol"`
	Strategy       string  `json:"strategy,omitempty"`
	Side           string  `json:"side"`
	Qty            float64 `json:"qty"`
	SignalDate     string  `json:"signal_date,omitempty"`
	Outcome        Outcome `json:"outcome"`
	ReasonCode     string  `json:"reason_code,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	ReferencePrice float64 `json:"reference_price,omitempty"`
	EffectivePrice float64 `json:"effective_price,omitempty"`
	EntryDate      string  `json:"entry_date,omitempty"`
	Notional       float64 `json:"notional,omitempty"`
	OrderID        string  `json:"order_id,omitempty"`
	OrderStatus    string  `json:"order_status,omitempty"`
	FilledQty      float64 `json:"filled_qty,omitempty"`
	FilledPrice    float64 `json:"filled_price,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
}

// DecisionSink receives every finished decision after it is appended to
// the audit log. Sinks must return quickly; slow work belongs on the
// sink's own goroutine.
type DecisionSink interface {
	Decision(d Decision)
}

// Gate evaluates signals for one scope. It reads the ledger and market
// data; it never writes positions.
type Gate struct {
	sc      scope.Scope
	adapter broker.Adapter
	bars    marketdata.BarProvider
	liq     marketdata.LiquidityProvider
	events  marketdata.EventProvider
	ledger  StalenessSource
	logger  *eventlog.Logger
	sinks   []DecisionSink
	cfg     Config
}

// Option customizes a Gate.
type Option func(*Gate)

// WithEventProvider enables the corporate-event blackout check.
func WithEventProvider(p marketdata.EventProvider) Option {
	return func(g *Gate) { g.events = p }
}

// WithStalenessSource wires the reconciliation engine's staleness flag.
func WithStalenessSource(s StalenessSource) Option {
	return func(g *Gate) { g.ledger = s }
}

// WithDecisionSink taps the decision stream. The archive mirror and the
// ops websocket feed attach here.
func WithDecisionSink(s DecisionSink) Option {
	return func(g *Gate) { g.sinks = append(g.sinks, s) }
}

// New builds a Gate.
func New(sc scope.Scope, adapter broker.Adapter, bars marketdata.BarProvider, liq marketdata.LiquidityProvider, logger *eventlog.Logger, cfg Config, opts ...Option) *Gate {
	g := &Gate{
		sc:      sc,
		adapter: adapter,
		bars:    bars,
		liq:     liq,
		logger:  logger,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ProcessEntry runs the full entry pipeline for a signal: price
// selection, slippage, staleness, blackout, liquidity, then order
// submission and fill polling. The returned decision is always logged,
// whatever the outcome.
func (g *Gate) ProcessEntry(ctx context.Context, req Request) (*Decision, error) {
	d := &Decision{
		Action:     "ENTRY",
		Symbol:     req.Symbol,
		Strategy:   req.Strategy,
		Side:       string(broker.SideBuy),
		Qty:        req.Qty,
		SignalDate: req.SignalDate,
		Confidence: req.Confidence,
	}
	if req.Symbol == "" || req.Qty <= 0 {
		return g.finish(d, OutcomeRejected, ReasonBrokerError, "invalid request: symbol and positive qty required"), nil
	}

	bars, err := g.bars.DailyBars(ctx, req.Symbol, g.cfg.BarLookback)
	if err != nil {
		return g.finish(d, OutcomeBlocked, ReasonBarsUnavailable, fmt.Sprintf("daily bars unavailable: %v", err)), nil
	}

	price, entryDate, ok := SelectEntryPrice(bars, req.SignalDate, g.cfg.UseNextOpen)
	if !ok {
		return g.finish(d, OutcomeRejected, ReasonNoEntryPrice, "no entry bar available after signal date"), nil
	}
	d.ReferencePrice = price
	d.EffectivePrice = EntrySlippage(price, g.cfg.SlippageBps)
	d.EntryDate = entryDate
	d.Notional = req.Qty * d.EffectivePrice

	if g.ledger != nil && g.ledger.Stale() {
		return g.finish(d, OutcomeBlocked, ReasonLedgerStale, "position ledger is stale; refusing new entries"), nil
	}

	if g.cfg.BlackoutEnabled && g.events != nil {
		blocked, err := g.events.InBlackout(ctx, req.Symbol, entryDate)
		if err != nil {
			return g.finish(d, OutcomeBlocked, ReasonBlackoutUnavailable, fmt.Sprintf("event blackout status unknown: %v", err)), nil
		}
		if blocked {
			return g.finish(d, OutcomeBlocked, ReasonEventBlackout, fmt.Sprintf("%s is inside an event blackout window on %s", req.Symbol, entryDate)), nil
		}
	}

	adv, err := g.liq.AvgDailyDollarVolume(ctx, req.Symbol, g.cfg.ADVWindowDays)
	if err != nil {
		adv = 0
	}
	if err := CheckLiquidity(d.Notional, adv, g.cfg.MaxADVPct); err != nil {
		return g.finish(d, OutcomeRejected, ReasonLiquidityLimit, err.Error()), nil
	}

	return g.submit(ctx, d, broker.OrderIntent{
		Symbol:      req.Symbol,
		Side:        broker.SideBuy,
		Qty:         req.Qty,
		TimeInForce: broker.TimeInForceDay,
	})
}

// ProcessExit closes an open position. Exits are risk-reducing, so they
// never block on staleness, blackouts, or missing market data; the
// estimated exit price is recorded when bars are available and omitted
// otherwise.
func (g *Gate) ProcessExit(ctx context.Context, symbol, signalDate string) (*Decision, error) {
	d := &Decision{
		Action:     "EXIT",
		Symbol:     symbol,
		Side:       string(broker.SideSell),
		SignalDate: signalDate,
	}

	pos, err := g.adapter.GetPosition(ctx, symbol)
	if err != nil {
		return g.finish(d, OutcomeRejected, ReasonBrokerError, fmt.Sprintf("failed to look up position: %v", err)), err
	}
	if pos == nil {
		return g.finish(d, OutcomeRejected, ReasonNoPosition, fmt.Sprintf("no open position in %s", symbol)), nil
	}
	d.Qty = pos.Qty

	if bars, err := g.bars.DailyBars(ctx, symbol, g.cfg.BarLookback); err == nil {
		if price, date, ok := SelectExitPrice(bars, signalDate, g.cfg.UseNextOpen); ok {
			d.ReferencePrice = price
			d.EffectivePrice = ExitSlippage(price, g.cfg.SlippageBps)
			d.EntryDate = date
		}
	}

	result, err := g.adapter.ClosePosition(ctx, symbol)
	if err != nil {
		return g.finish(d, OutcomeRejected, ReasonBrokerError, fmt.Sprintf("close failed: %v", err)), err
	}
	return g.settle(ctx, d, result)
}

// submit places the order and follows it to a terminal status.
func (g *Gate) submit(ctx context.Context, d *Decision, intent broker.OrderIntent) (*Decision, error) {
	result, err := g.adapter.SubmitMarketOrder(ctx, intent)
	if err != nil {
		return g.finish(d, OutcomeRejected, ReasonBrokerError, fmt.Sprintf("submit failed: %v", err)), err
	}
	return g.settle(ctx, d, result)
}

// settle resolves an accepted order into a final decision.
func (g *Gate) settle(ctx context.Context, d *Decision, result *broker.OrderResult) (*Decision, error) {
	d.OrderID = result.OrderID

	if !result.Status.Terminal() {
		final, err := AwaitTerminal(ctx, g.adapter, result.OrderID, g.cfg.PollInterval, g.cfg.PollTimeout)
		if err != nil {
			status := string(result.Status)
			if final != nil {
				status = string(final.Status)
			}
			d.OrderStatus = status
			return g.finish(d, OutcomeSubmitted, ReasonPollTimeout, fmt.Sprintf("order in flight, last status %s: %v", status, err)), nil
		}
		result = final
	}

	d.OrderStatus = string(result.Status)
	d.FilledQty = result.FilledQty
	d.FilledPrice = result.FilledPrice

	switch result.Status {
	case broker.OrderStatusFilled:
		return g.finish(d, OutcomeExecuted, "", ""), nil
	case broker.OrderStatusRejected:
		return g.finish(d, OutcomeRejected, ReasonBrokerRejected, result.RejectionReason), nil
	default:
		return g.finish(d, OutcomeRejected, ReasonOrderNotFilled, fmt.Sprintf("order finished %s without filling", result.Status)), nil
	}
}

// finish stamps the outcome and appends the decision to the audit log.
func (g *Gate) finish(d *Decision, outcome Outcome, code, reason string) *Decision {
	d.Outcome = outcome
	d.ReasonCode = code
	d.Reason = reason
	metrics.ExecutionDecisions.WithLabelValues(g.sc.Slug(), string(outcome)).Inc()

	if g.logger != nil && g.logger.Decisions != nil {
		if err := g.logger.Decisions.Append(eventlog.KindDecision, d); err != nil {
			log.Warn().Err(err).Str("symbol", d.Symbol).Msg("Failed to append gate decision")
		}
	}
	for _, s := range g.sinks {
		s.Decision(*d)
	}

	ev := log.Info()
	if outcome != OutcomeExecuted {
		ev = log.Warn()
	}
	ev.Str("scope", g.sc.Slug()).
		Str("action", d.Action).
		Str("symbol", d.Symbol).
		Str("outcome", string(outcome)).
		Str("reason_code", code).
		Msg("Gate decision")
	return d
}
