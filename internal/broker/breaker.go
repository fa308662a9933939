package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quarterdeck-io/quarterdeck/internal/metrics"
)

// Breaker thresholds. The circuit opens when at least MinRequests calls in
// the counting window fail at FailureRatio or worse, stays open for
// OpenTimeout, then allows HalfOpenMaxReqs probes.
const (
	breakerMinRequests     = 5
	breakerFailureRatio    = 0.6
	breakerOpenTimeout     = 30 * time.Second
	breakerHalfOpenMaxReqs = 3
	breakerCountInterval   = 10 * time.Second
)

// breakered protects an adapter with a circuit breaker so a dead broker
// endpoint fails fast instead of stalling every scheduler tick. An open
// circuit surfaces as a transient error; the next tick retries from the
// cursor as usual.
type breakered struct {
	inner Adapter
	cb    *gobreaker.CircuitBreaker
}

func withBreaker(inner Adapter) Adapter {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: breakerHalfOpenMaxReqs,
		Interval:    breakerCountInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && failureRatio >= breakerFailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("broker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Broker circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Fatal API errors (bad symbol, insufficient funds) are the
			// caller's problem, not evidence the endpoint is down.
			return err == nil || !IsTransient(err)
		},
	})
	return &breakered{inner: inner, cb: cb}
}

// execute runs fn through the circuit breaker, mapping open-circuit
// refusals to transient broker errors. Every failure is counted under
// its normalized category.
func (b *breakered) execute(op string, fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		err = newTransient(b.inner.Name(), op, err)
	}
	if err != nil {
		metrics.BrokerAPIErrors.WithLabelValues(b.inner.Name(), metrics.NormalizeBrokerError(err)).Inc()
		return nil, err
	}
	return out, nil
}

func (b *breakered) Name() string  { return b.inner.Name() }
func (b *breakered) IsPaper() bool { return b.inner.IsPaper() }

func (b *breakered) AccountEquity(ctx context.Context) (float64, error) {
	out, err := b.execute("account_equity", func() (any, error) {
		return b.inner.AccountEquity(ctx)
	})
	if err != nil {
		return 0, err
	}
	return out.(float64), nil
}

func (b *breakered) BuyingPower(ctx context.Context) (float64, error) {
	out, err := b.execute("buying_power", func() (any, error) {
		return b.inner.BuyingPower(ctx)
	})
	if err != nil {
		return 0, err
	}
	return out.(float64), nil
}

func (b *breakered) SubmitMarketOrder(ctx context.Context, intent OrderIntent) (*OrderResult, error) {
	out, err := b.execute("submit_market_order", func() (any, error) {
		return b.inner.SubmitMarketOrder(ctx, intent)
	})
	if err != nil {
		return nil, err
	}
	return out.(*OrderResult), nil
}

func (b *breakered) GetOrderStatus(ctx context.Context, orderID string) (*OrderResult, error) {
	out, err := b.execute("get_order_status", func() (any, error) {
		return b.inner.GetOrderStatus(ctx, orderID)
	})
	if err != nil {
		return nil, err
	}
	return out.(*OrderResult), nil
}

func (b *breakered) GetPositions(ctx context.Context) ([]Position, error) {
	out, err := b.execute("get_positions", func() (any, error) {
		return b.inner.GetPositions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]Position), nil
}

func (b *breakered) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	out, err := b.execute("get_position", func() (any, error) {
		return b.inner.GetPosition(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.(*Position), nil
}

func (b *breakered) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	out, err := b.execute("close_position", func() (any, error) {
		return b.inner.ClosePosition(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return out.(*OrderResult), nil
}

func (b *breakered) GetMarketHours(ctx context.Context, date string) (*MarketHours, error) {
	out, err := b.execute("get_market_hours", func() (any, error) {
		return b.inner.GetMarketHours(ctx, date)
	})
	if err != nil {
		return nil, err
	}
	return out.(*MarketHours), nil
}

func (b *breakered) IsMarketOpen(ctx context.Context) (bool, error) {
	out, err := b.execute("is_market_open", func() (any, error) {
		return b.inner.IsMarketOpen(ctx)
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (b *breakered) ListFillsSince(ctx context.Context, since time.Time) ([]Fill, error) {
	out, err := b.execute("list_fills_since", func() (any, error) {
		return ListFills(ctx, b.inner, since)
	})
	if err != nil {
		return nil, err
	}
	return out.([]Fill), nil
}
