package broker

import (
	"context"
	"time"
)

// Adapter is the capability set every broker integration exposes. All
// implementations are market-order only. There are deliberately no
// withdrawal, transfer, or margin operations anywhere in this interface
// or in any implementation; absence is a code-level guarantee.
type Adapter interface {
	// Name identifies the broker (lowercase, e.g. "alpaca").
	Name() string

	// IsPaper reports whether the adapter talks to a paper endpoint.
	// Constructors verify this against the scope environment and refuse
	// to build a live adapter unless live orders are explicitly enabled.
	IsPaper() bool

	// AccountEquity returns total account equity in the account currency.
	AccountEquity(ctx context.Context) (float64, error)

	// BuyingPower returns funds available for new orders.
	BuyingPower(ctx context.Context) (float64, error)

	// SubmitMarketOrder submits a market order and returns the broker's
	// initial view of it. The result may be non-terminal; callers poll
	// GetOrderStatus until Status.Terminal().
	SubmitMarketOrder(ctx context.Context, intent OrderIntent) (*OrderResult, error)

	// GetOrderStatus returns the current state of a previously submitted
	// order. Once terminal, the result is stable.
	GetOrderStatus(ctx context.Context, orderID string) (*OrderResult, error)

	// GetPositions lists all open positions as the broker sees them.
	GetPositions(ctx context.Context) ([]Position, error)

	// GetPosition returns the broker's position for one symbol, or nil if
	// the broker holds none.
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// ClosePosition submits a market order flattening the full position.
	ClosePosition(ctx context.Context, symbol string) (*OrderResult, error)

	// GetMarketHours returns the session for a calendar date (YYYY-MM-DD).
	GetMarketHours(ctx context.Context, date string) (*MarketHours, error)

	// IsMarketOpen reports whether the market is open right now.
	IsMarketOpen(ctx context.Context) (bool, error)
}

// FillLister is implemented by reconcilable brokers: those that can
// replay their execution history from a point in time. Returned fills are
// normalized to UTC and deduplicated downstream by FillID, so overlapping
// windows are safe.
type FillLister interface {
	ListFillsSince(ctx context.Context, since time.Time) ([]Fill, error)
}

// ListFills returns the adapter's fills since the given time when the
// adapter is reconcilable, and ErrUnsupported otherwise.
func ListFills(ctx context.Context, a Adapter, since time.Time) ([]Fill, error) {
	lister, ok := a.(FillLister)
	if !ok {
		return nil, newFatal(a.Name(), "list_fills_since", ErrUnsupported)
	}
	return lister.ListFillsSince(ctx, since)
}
