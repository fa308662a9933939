package scaling

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
)

// Verdict is the decision class. BLOCK means a safety violation: do not
// retry with a new signal on the same bar. SKIP means conditions are not
// currently met and a later signal may qualify. SCALE means the addition
// may proceed.
type Verdict string

const (
	VerdictBlock Verdict = "BLOCK"
	VerdictSkip  Verdict = "SKIP"
	VerdictScale Verdict = "SCALE"
)

// ReasonCode is the bounded enum carried on every non-SCALE decision.
// Callers never invent new codes.
type ReasonCode string

const (
	ReasonStrategyDisallowsScaling  ReasonCode = "STRATEGY_DISALLOWS_SCALING"
	ReasonMaxEntriesExceeded        ReasonCode = "MAX_ENTRIES_EXCEEDED"
	ReasonMaxPositionSizeExceeded   ReasonCode = "MAX_POSITION_SIZE_EXCEEDED"
	ReasonPendingBuyExists          ReasonCode = "PENDING_BUY_EXISTS"
	ReasonConflictingSellExists     ReasonCode = "CONFLICTING_SELL_EXISTS"
	ReasonBrokerLedgerMismatch      ReasonCode = "BROKER_LEDGER_MISMATCH"
	ReasonRiskBudgetExceeded        ReasonCode = "RISK_BUDGET_EXCEEDED"
	ReasonOrderSizeBelowMinimum     ReasonCode = "ORDER_SIZE_BELOW_MINIMUM"
	ReasonMinimumBarsNotMet         ReasonCode = "MINIMUM_BARS_NOT_MET"
	ReasonMinimumTimeNotMet         ReasonCode = "MINIMUM_TIME_NOT_MET"
	ReasonSignalConfidenceTooLow    ReasonCode = "SIGNAL_CONFIDENCE_TOO_LOW"
	ReasonSignalQualityInsufficient ReasonCode = "SIGNAL_QUALITY_INSUFFICIENT"
	ReasonPriceStructureViolation   ReasonCode = "PRICE_STRUCTURE_VIOLATION"
	ReasonVolatilityRegimeInvalid   ReasonCode = "VOLATILITY_REGIME_INVALID"
)

// Decision is the persisted outcome of one evaluation.
type Decision struct {
	Symbol              string         `json:"symbol"`
	Strategy            string         `json:"strategy"`
	Decision            Verdict        `json:"decision"`
	ReasonCode          ReasonCode     `json:"reason_code,omitempty"`
	ReasonText          string         `json:"reason_text,omitempty"`
	CurrentEntryCount   int            `json:"current_entry_count"`
	ProposedPositionPct float64        `json:"proposed_position_pct"`
	EstimatedRisk       float64        `json:"estimated_risk"`
	Timestamp           string         `json:"timestamp"`
	DebugInfo           map[string]any `json:"debug_info,omitempty"`
}

// failure is one check's negative outcome.
type failure struct {
	verdict Verdict
	code    ReasonCode
	text    string
}

// check is one ordered rule. Hard-safety checks return BLOCK failures,
// qualification checks return SKIP failures.
type check struct {
	name string
	run  func(c Context, tolerance float64) *failure
}

// orderedChecks is the decision table. Order is a contract: the first
// failing check's reason is final and no later check may override it.
var orderedChecks = []check{
	{"strategy_permits_scaling", func(c Context, _ float64) *failure {
		if !c.Policy.AllowsMultipleEntries {
			return &failure{VerdictBlock, ReasonStrategyDisallowsScaling, "strategy does not allow multiple entries per symbol"}
		}
		return nil
	}},
	{"max_entries", func(c Context, _ float64) *failure {
		if c.EntryCount >= c.Policy.MaxEntriesPerSymbol {
			return &failure{VerdictBlock, ReasonMaxEntriesExceeded,
				fmt.Sprintf("already at %d of %d entries", c.EntryCount, c.Policy.MaxEntriesPerSymbol)}
		}
		return nil
	}},
	{"position_size_cap", func(c Context, _ float64) *failure {
		if c.AccountEquity <= 0 {
			return &failure{VerdictBlock, ReasonMaxPositionSizeExceeded, "account equity unavailable, cannot verify position cap"}
		}
		if pct := c.ProposedPositionPct(); pct > c.Policy.MaxTotalPositionPct {
			return &failure{VerdictBlock, ReasonMaxPositionSizeExceeded,
				fmt.Sprintf("position would reach %.2f%% of equity (max %.2f%%)", pct*100, c.Policy.MaxTotalPositionPct*100)}
		}
		return nil
	}},
	{"no_conflicting_orders", func(c Context, _ float64) *failure {
		if c.PendingBuyOrders > 0 {
			return &failure{VerdictBlock, ReasonPendingBuyExists,
				fmt.Sprintf("%d pending buy order(s) already working", c.PendingBuyOrders)}
		}
		if c.PendingSellOrders > 0 {
			return &failure{VerdictBlock, ReasonConflictingSellExists,
				fmt.Sprintf("%d pending sell order(s) conflict with adding", c.PendingSellOrders)}
		}
		return nil
	}},
	{"broker_ledger_agreement", func(c Context, tolerance float64) *failure {
		diff := c.BrokerQty - c.LedgerQty
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			return &failure{VerdictBlock, ReasonBrokerLedgerMismatch,
				fmt.Sprintf("broker qty %v disagrees with ledger qty %v", c.BrokerQty, c.LedgerQty)}
		}
		return nil
	}},
	{"risk_budget", func(c Context, _ float64) *failure {
		if risk := c.EstimatedRisk(); risk > c.RemainingRiskBudget {
			return &failure{VerdictBlock, ReasonRiskBudgetExceeded,
				fmt.Sprintf("addition risks %.2f but only %.2f budget remains", risk, c.RemainingRiskBudget)}
		}
		return nil
	}},
	{"order_minima", func(c Context, _ float64) *failure {
		if c.ProposedQty < c.MinOrderQty {
			return &failure{VerdictBlock, ReasonOrderSizeBelowMinimum,
				fmt.Sprintf("qty %v below broker minimum %v", c.ProposedQty, c.MinOrderQty)}
		}
		if c.ProposedNotional() < c.MinOrderNotional {
			return &failure{VerdictBlock, ReasonOrderSizeBelowMinimum,
				fmt.Sprintf("notional %.2f below broker minimum %.2f", c.ProposedNotional(), c.MinOrderNotional)}
		}
		return nil
	}},
	{"bars_spacing", func(c Context, _ float64) *failure {
		if c.BarsSinceLastEntry < c.Policy.MinBarsBetweenEntries {
			return &failure{VerdictSkip, ReasonMinimumBarsNotMet,
				fmt.Sprintf("%d bars since last entry, need %d", c.BarsSinceLastEntry, c.Policy.MinBarsBetweenEntries)}
		}
		return nil
	}},
	{"time_spacing", func(c Context, _ float64) *failure {
		elapsed := c.MinutesSinceLastEntry * 60
		if elapsed < float64(c.Policy.MinTimeBetweenEntriesS) {
			return &failure{VerdictSkip, ReasonMinimumTimeNotMet,
				fmt.Sprintf("%.0fs since last entry, need %ds", elapsed, c.Policy.MinTimeBetweenEntriesS)}
		}
		return nil
	}},
	{"signal_quality", func(c Context, _ float64) *failure {
		if c.SignalStrength < c.Policy.MinSignalStrengthForAdd {
			return &failure{VerdictSkip, ReasonSignalConfidenceTooLow,
				fmt.Sprintf("signal strength %.2f below %.2f", c.SignalStrength, c.Policy.MinSignalStrengthForAdd)}
		}
		if c.BearishDivergence {
			return &failure{VerdictSkip, ReasonSignalQualityInsufficient, "bearish divergence present"}
		}
		if !c.DirectionMatch {
			return &failure{VerdictSkip, ReasonSignalQualityInsufficient, "signal direction does not match position"}
		}
		return nil
	}},
	{"price_structure", func(c Context, _ float64) *failure {
		rule, ok := priceStructureRules[c.Policy.ScalingType]
		if !ok {
			return &failure{VerdictBlock, ReasonPriceStructureViolation,
				fmt.Sprintf("unknown scaling type %q", c.Policy.ScalingType)}
		}
		return rule(c)
	}},
	{"volatility_regime", func(c Context, _ float64) *failure {
		if c.Policy.RequireVolatilityAboveMedian && c.ATR <= c.ATRMedian {
			return &failure{VerdictSkip, ReasonVolatilityRegimeInvalid,
				fmt.Sprintf("ATR %.4f not above rolling median %.4f", c.ATR, c.ATRMedian)}
		}
		return nil
	}},
}

// priceStructureRules dispatches on the policy's scaling type.
var priceStructureRules = map[ScalingType]func(c Context) *failure{
	Pyramid: func(c Context) *failure {
		if c.ProposedPrice <= c.LastEntryPrice {
			return &failure{VerdictSkip, ReasonPriceStructureViolation,
				fmt.Sprintf("pyramid requires entry above last entry price %.4f, proposed %.4f", c.LastEntryPrice, c.ProposedPrice)}
		}
		if c.Policy.RequireNoLowerLow && c.LowestSinceLastEntry > 0 && c.LowestSinceLastEntry < c.LastEntryPrice {
			return &failure{VerdictSkip, ReasonPriceStructureViolation,
				fmt.Sprintf("lower low %.4f since last entry at %.4f", c.LowestSinceLastEntry, c.LastEntryPrice)}
		}
		return nil
	},
	Average: func(c Context) *failure {
		if c.ProposedPrice >= c.LastEntryPrice {
			return &failure{VerdictSkip, ReasonPriceStructureViolation,
				fmt.Sprintf("averaging requires entry below last entry price %.4f, proposed %.4f", c.LastEntryPrice, c.ProposedPrice)}
		}
		drawdown := c.LastEntryPrice - c.ProposedPrice
		if limit := c.Policy.MaxATRDrawdownMultiple * c.ATR; drawdown > limit {
			return &failure{VerdictSkip, ReasonPriceStructureViolation,
				fmt.Sprintf("drawdown %.4f exceeds %.1fx ATR limit %.4f", drawdown, c.Policy.MaxATRDrawdownMultiple, limit)}
		}
		return nil
	},
}

// Engine evaluates scaling contexts and records every decision.
type Engine struct {
	logger    *eventlog.Logger
	tolerance float64
	now       func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithTolerance overrides the broker/ledger quantity comparison slack.
func WithTolerance(tol float64) EngineOption {
	return func(e *Engine) { e.tolerance = tol }
}

// WithClock injects the timestamp source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an Engine. The logger may be nil for pure evaluation.
func NewEngine(logger *eventlog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{logger: logger, tolerance: 1e-6, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the ordered checks and returns the first failure, or
// SCALE when every check passes. The decision is appended to the audit
// trail before returning.
func (e *Engine) Evaluate(c Context) Decision {
	d := Decision{
		Symbol:              c.Symbol,
		Strategy:            c.Strategy,
		Decision:            VerdictScale,
		CurrentEntryCount:   c.EntryCount,
		ProposedPositionPct: c.ProposedPositionPct(),
		EstimatedRisk:       c.EstimatedRisk(),
		Timestamp:           timeutil.FormatZ(e.now()),
	}

	for _, chk := range orderedChecks {
		if f := chk.run(c, e.tolerance); f != nil {
			d.Decision = f.verdict
			d.ReasonCode = f.code
			d.ReasonText = f.text
			d.DebugInfo = map[string]any{"failed_check": chk.name}
			break
		}
	}

	e.record(d)
	return d
}

func (e *Engine) record(d Decision) {
	if e.logger != nil && e.logger.Decisions != nil {
		if err := e.logger.Decisions.Append(eventlog.KindScalingDecision, d); err != nil {
			log.Warn().Err(err).Str("symbol", d.Symbol).Msg("Failed to append scaling decision")
		}
	}

	ev := log.Info()
	if d.Decision != VerdictScale {
		ev = log.Debug()
	}
	ev.Str("symbol", d.Symbol).
		Str("strategy", d.Strategy).
		Str("decision", string(d.Decision)).
		Str("reason_code", string(d.ReasonCode)).
		Msg("Scaling decision")
}
