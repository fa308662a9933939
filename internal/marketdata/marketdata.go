// Package marketdata defines the contracts for the external data
// collaborators the control plane consults: price history, liquidity,
// volatility, advisor verdicts, peer regimes, and corporate event
// blackouts. Real loaders live outside the control plane; this package
// ships a static fixture provider, a file-backed provider for simulator
// scopes, and a Redis caching decorator.
package marketdata

import (
	"context"
	"time"
)

// Bar is one daily OHLCV bar. Date is YYYY-MM-DD.
type Bar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// VerdictType is an external advisor's stance relative to the internally
// held view.
type VerdictType string

const (
	VerdictConfirm     VerdictType = "CONFIRM"
	VerdictNeutral     VerdictType = "NEUTRAL"
	VerdictContradict  VerdictType = "CONTRADICT"
	VerdictUnavailable VerdictType = "UNAVAILABLE"
)

// BaseScore maps a verdict type to its base agreement value in [0,1].
func (v VerdictType) BaseScore() float64 {
	switch v {
	case VerdictConfirm:
		return 0.9
	case VerdictContradict:
		return 0.2
	default:
		return 0.5
	}
}

// Verdict is an external advisor's opinion with its own confidence and
// provenance. SourceCount is how many independent sources backed it.
// NarrativeConsistency in [0,1] reports how well the advisor's narrative
// agrees with its verdict; 0.5 is indifferent.
type Verdict struct {
	Type                 VerdictType `json:"type"`
	Confidence           float64     `json:"confidence"`
	SourceCount          int         `json:"source_count"`
	NarrativeConsistency float64     `json:"narrative_consistency"`
	IssuedAt             time.Time   `json:"issued_at"`
}

// BarProvider serves daily history, most recent bar last.
type BarProvider interface {
	// DailyBars returns up to n daily bars for symbol, oldest first.
	DailyBars(ctx context.Context, symbol string, n int) ([]Bar, error)
}

// LiquidityProvider serves average daily dollar volume.
type LiquidityProvider interface {
	// AvgDailyDollarVolume averages close*volume over the trailing window.
	AvgDailyDollarVolume(ctx context.Context, symbol string, days int) (float64, error)
}

// VolatilityProvider serves the volatility measures the scaling engine
// and universe scorer consume. ATR values are in price units; annualized
// volatility is a fraction (0.45 == 45%).
type VolatilityProvider interface {
	ATR(ctx context.Context, symbol string) (current, rollingMedian float64, err error)
	AnnualizedVol(ctx context.Context, symbol string) (float64, error)
}

// AdvisorProvider serves external verdicts: one market-wide view for the
// regime validator and one per-symbol view for sentiment scoring.
type AdvisorProvider interface {
	MarketVerdict(ctx context.Context, market string) (*Verdict, error)
	SymbolVerdict(ctx context.Context, symbol string) (*Verdict, error)
}

// PeerRegimeProvider reports a correlated peer asset's regime label on
// the shared ladder ("risk_on", "neutral", "risk_off", "panic"). An empty
// label means unavailable.
type PeerRegimeProvider interface {
	PeerRegime(ctx context.Context, symbol string) (string, error)
}

// EventProvider reports corporate event blackout windows. Callers treat a
// provider error as "unknown" and fail safe.
type EventProvider interface {
	// InBlackout reports whether symbol is inside an event blackout on the
	// given date (YYYY-MM-DD).
	InBlackout(ctx context.Context, symbol string, date string) (bool, error)
}
