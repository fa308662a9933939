package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const cacheOpTimeout = 500 * time.Millisecond

// Cache decorates a bar and liquidity provider with Redis. Cache failures
// degrade to the underlying provider; a dead Redis never blocks a
// scheduler tick for more than the per-op timeout.
type Cache struct {
	client *redis.Client
	bars   BarProvider
	liq    LiquidityProvider
	ttl    time.Duration
}

// NewCache wraps the providers with a Redis cache. A nil client returns
// nil; callers fall back to the raw providers.
func NewCache(client *redis.Client, bars BarProvider, liq LiquidityProvider, ttl time.Duration) *Cache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, bars: bars, liq: liq, ttl: ttl}
}

func (c *Cache) DailyBars(ctx context.Context, symbol string, n int) ([]Bar, error) {
	key := fmt.Sprintf("quarterdeck:bars:%s:%d", symbol, n)

	if cached, ok := c.get(ctx, key); ok {
		var bars []Bar
		if err := json.Unmarshal(cached, &bars); err == nil {
			log.Debug().Str("symbol", symbol).Int("n", n).Msg("Cache hit for bars")
			return bars, nil
		}
		log.Warn().Str("key", key).Msg("Failed to unmarshal cached bars")
	}

	bars, err := c.bars.DailyBars(ctx, symbol, n)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, bars)
	return bars, nil
}

func (c *Cache) AvgDailyDollarVolume(ctx context.Context, symbol string, days int) (float64, error) {
	key := fmt.Sprintf("quarterdeck:adv:%s:%d", symbol, days)

	if cached, ok := c.get(ctx, key); ok {
		var adv float64
		if err := json.Unmarshal(cached, &adv); err == nil {
			log.Debug().Str("symbol", symbol).Float64("adv", adv).Msg("Cache hit for ADV")
			return adv, nil
		}
		log.Warn().Str("key", key).Msg("Failed to unmarshal cached ADV")
	}

	adv, err := c.liq.AvgDailyDollarVolume(ctx, symbol, days)
	if err != nil {
		return 0, err
	}
	c.set(ctx, key, adv)
	return adv, nil
}

// Health reports whether the Redis connection answers a ping.
func (c *Cache) Health(ctx context.Context) error {
	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(cacheCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// get reads a key, treating every failure as a miss.
func (c *Cache) get(ctx context.Context, key string) ([]byte, bool) {
	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("Redis get error, treating as cache miss")
		}
		return nil, false
	}
	return cached, true
}

// set writes a key with the configured TTL, logging failures without
// surfacing them.
func (c *Cache) set(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to marshal cache entry")
		return
	}

	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(cacheCtx, key, data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache entry")
	}
}
