package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DryRunReason is the rejection reason carried by synthetic results when
// dry-run mode intercepts an order.
const DryRunReason = "DRY_RUN"

// dryRun intercepts every mutating call and returns a synthetic REJECTED
// result without contacting the broker. Read-only calls pass through, so
// reconciliation and ops queries keep working while order flow is inert.
type dryRun struct {
	Adapter
	now func() time.Time
}

func withDryRun(inner Adapter) Adapter {
	return &dryRun{Adapter: inner, now: time.Now}
}

func (d *dryRun) reject(symbol string, side Side, qty float64) *OrderResult {
	return &OrderResult{
		OrderID:         "dryrun-" + uuid.NewString(),
		Symbol:          symbol,
		Side:            side,
		Qty:             qty,
		Status:          OrderStatusRejected,
		SubmitTime:      d.now().UTC(),
		RejectionReason: DryRunReason,
	}
}

func (d *dryRun) SubmitMarketOrder(_ context.Context, intent OrderIntent) (*OrderResult, error) {
	log.Info().
		Str("broker", d.Adapter.Name()).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Float64("qty", intent.Qty).
		Msg("Dry run: order suppressed")
	return d.reject(intent.Symbol, intent.Side, intent.Qty), nil
}

func (d *dryRun) ClosePosition(_ context.Context, symbol string) (*OrderResult, error) {
	log.Info().
		Str("broker", d.Adapter.Name()).
		Str("symbol", symbol).
		Msg("Dry run: close suppressed")
	return d.reject(symbol, SideSell, 0), nil
}

func (d *dryRun) ListFillsSince(ctx context.Context, since time.Time) ([]Fill, error) {
	return ListFills(ctx, d.Adapter, since)
}
