package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusTerminal(t *testing.T) {
	assert.False(t, OrderStatusPending.Terminal())
	assert.False(t, OrderStatusPartial.Terminal())
	assert.True(t, OrderStatusFilled.Terminal())
	assert.True(t, OrderStatusRejected.Terminal())
	assert.True(t, OrderStatusCancelled.Terminal())
	assert.True(t, OrderStatusExpired.Terminal())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		allowed  bool
	}{
		{OrderStatusPending, OrderStatusPartial, true},
		{OrderStatusPending, OrderStatusFilled, true},
		{OrderStatusPending, OrderStatusRejected, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusExpired, true},
		{OrderStatusPartial, OrderStatusFilled, true},
		{OrderStatusPartial, OrderStatusCancelled, true},
		{OrderStatusPartial, OrderStatusExpired, true},

		// Partial fills never reject, and nothing leaves a terminal state.
		{OrderStatusPartial, OrderStatusRejected, false},
		{OrderStatusFilled, OrderStatusPending, false},
		{OrderStatusFilled, OrderStatusCancelled, false},
		{OrderStatusRejected, OrderStatusFilled, false},
		{OrderStatusCancelled, OrderStatusPartial, false},
		{OrderStatusExpired, OrderStatusFilled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestFillNormalizeConvertsToUTC(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	assert.NoError(t, err)

	f := Fill{
		FillID:   "f1",
		Symbol:   "AAPL",
		FilledAt: time.Date(2026, 2, 5, 15, 55, 55, 0, ny),
	}
	n := f.Normalize()
	assert.Equal(t, time.UTC, n.FilledAt.Location())
	assert.Equal(t, "2026-02-05T20:55:55Z", n.FilledAt.Format(time.RFC3339))
}

func TestSideValid(t *testing.T) {
	assert.True(t, SideBuy.Valid())
	assert.True(t, SideSell.Valid())
	assert.False(t, Side("short").Valid())
	assert.False(t, Side("").Valid())
}
