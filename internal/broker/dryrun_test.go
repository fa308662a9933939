package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingAdapter records which calls reach the underlying broker.
type countingAdapter struct {
	*Stub
	submits int
	closes  int
}

func (c *countingAdapter) SubmitMarketOrder(ctx context.Context, intent OrderIntent) (*OrderResult, error) {
	c.submits++
	return c.Stub.SubmitMarketOrder(ctx, intent)
}

func (c *countingAdapter) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	c.closes++
	return c.Stub.ClosePosition(ctx, symbol)
}

func TestDryRunSuppressesOrderFlow(t *testing.T) {
	ctx := context.Background()
	inner := &countingAdapter{Stub: NewStub(100000)}
	inner.SetMarketPrice("PFE", 25)

	wrapped := withDryRun(inner)

	result, err := wrapped.SubmitMarketOrder(ctx, OrderIntent{Symbol: "PFE", Qty: 10, Side: SideBuy})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusRejected, result.Status)
	assert.Equal(t, DryRunReason, result.RejectionReason)
	assert.True(t, result.Status.Terminal())
	assert.Zero(t, inner.submits, "dry run must not contact the broker")

	_, err = wrapped.ClosePosition(ctx, "PFE")
	require.NoError(t, err)
	assert.Zero(t, inner.closes)
}

func TestDryRunPassesThroughReads(t *testing.T) {
	ctx := context.Background()
	inner := &countingAdapter{Stub: NewStub(42000)}
	inner.SetMarketPrice("PFE", 25)
	inner.SeedFill(Fill{
		FillID: "f1", Symbol: "PFE", Qty: 5, Price: 25, Side: SideBuy,
		FilledAt: time.Date(2026, 2, 5, 20, 55, 55, 0, time.UTC),
	})

	wrapped := withDryRun(inner)

	equity, err := wrapped.AccountEquity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42000.0, equity)

	positions, err := wrapped.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "PFE", positions[0].Symbol)

	fills, err := ListFills(ctx, wrapped, time.Time{})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "f1", fills[0].FillID)
}
