package broker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// rateLimited enforces a client-side token budget in front of an adapter
// so the control plane never trips broker rate limits under normal
// operation. Rate limiting is invisible to callers: they only ever see
// latency, never a rate-limit error of our own making.
type rateLimited struct {
	inner   Adapter
	limiter *rate.Limiter
}

// withRateLimit wraps an adapter with a token-bucket limiter allowing rps
// requests per second with the given burst.
func withRateLimit(inner Adapter, rps float64, burst int) Adapter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}
	return nil
}

func (r *rateLimited) Name() string  { return r.inner.Name() }
func (r *rateLimited) IsPaper() bool { return r.inner.IsPaper() }

func (r *rateLimited) AccountEquity(ctx context.Context) (float64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.inner.AccountEquity(ctx)
}

func (r *rateLimited) BuyingPower(ctx context.Context) (float64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.inner.BuyingPower(ctx)
}

func (r *rateLimited) SubmitMarketOrder(ctx context.Context, intent OrderIntent) (*OrderResult, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.SubmitMarketOrder(ctx, intent)
}

func (r *rateLimited) GetOrderStatus(ctx context.Context, orderID string) (*OrderResult, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetOrderStatus(ctx, orderID)
}

func (r *rateLimited) GetPositions(ctx context.Context) ([]Position, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetPositions(ctx)
}

func (r *rateLimited) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetPosition(ctx, symbol)
}

func (r *rateLimited) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.ClosePosition(ctx, symbol)
}

func (r *rateLimited) GetMarketHours(ctx context.Context, date string) (*MarketHours, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetMarketHours(ctx, date)
}

func (r *rateLimited) IsMarketOpen(ctx context.Context) (bool, error) {
	if err := r.wait(ctx); err != nil {
		return false, err
	}
	return r.inner.IsMarketOpen(ctx)
}

func (r *rateLimited) ListFillsSince(ctx context.Context, since time.Time) ([]Fill, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return ListFills(ctx, r.inner, since)
}
