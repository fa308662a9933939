package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBars counts how many calls reach the underlying provider.
type countingBars struct {
	*Static
	barCalls int
	advCalls int
}

func (c *countingBars) DailyBars(ctx context.Context, symbol string, n int) ([]Bar, error) {
	c.barCalls++
	return c.Static.DailyBars(ctx, symbol, n)
}

func (c *countingBars) AvgDailyDollarVolume(ctx context.Context, symbol string, days int) (float64, error) {
	c.advCalls++
	return c.Static.AvgDailyDollarVolume(ctx, symbol, days)
}

func newTestCache(t *testing.T) (*Cache, *countingBars, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	provider := &countingBars{Static: NewStatic()}
	cache := NewCache(client, provider, provider, time.Minute)
	require.NotNil(t, cache)
	return cache, provider, mr
}

func TestNewCacheNilClient(t *testing.T) {
	assert.Nil(t, NewCache(nil, NewStatic(), NewStatic(), time.Minute))
}

func TestCacheDailyBars(t *testing.T) {
	ctx := context.Background()
	cache, provider, _ := newTestCache(t)

	provider.SetBars("PFE", []Bar{
		{Date: "2026-02-04", Open: 25.1, Close: 25.4, Volume: 1e6},
		{Date: "2026-02-05", Open: 25.5, Close: 25.8, Volume: 1.2e6},
	})

	first, err := cache.DailyBars(ctx, "PFE", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 1, provider.barCalls)

	// Second read is served from Redis.
	second, err := cache.DailyBars(ctx, "PFE", 2)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, provider.barCalls)
}

func TestCacheADVExpiry(t *testing.T) {
	ctx := context.Background()
	cache, provider, mr := newTestCache(t)
	provider.SetADV("PFE", 10_000_000)

	adv, err := cache.AvgDailyDollarVolume(ctx, "PFE", 20)
	require.NoError(t, err)
	assert.Equal(t, 10_000_000.0, adv)
	assert.Equal(t, 1, provider.advCalls)

	_, err = cache.AvgDailyDollarVolume(ctx, "PFE", 20)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.advCalls)

	// After TTL expiry the provider is consulted again.
	mr.FastForward(2 * time.Minute)
	_, err = cache.AvgDailyDollarVolume(ctx, "PFE", 20)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.advCalls)
}

func TestCacheDegradesWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	cache, provider, mr := newTestCache(t)
	provider.SetADV("KO", 5_000_000)

	mr.Close()

	// Redis being down is invisible to the caller.
	adv, err := cache.AvgDailyDollarVolume(ctx, "KO", 20)
	require.NoError(t, err)
	assert.Equal(t, 5_000_000.0, adv)
}

func TestCachePropagatesProviderErrors(t *testing.T) {
	cache, _, _ := newTestCache(t)

	_, err := cache.DailyBars(context.Background(), "UNSEEDED", 5)
	assert.Error(t, err)
}

func TestStaticProviderFixtures(t *testing.T) {
	ctx := context.Background()
	s := NewStatic().
		SetBars("PFE", []Bar{{Date: "2026-02-03"}, {Date: "2026-02-04"}, {Date: "2026-02-05"}}).
		SetATR("PFE", 0.8, 0.6).
		SetAnnualizedVol("PFE", 0.45).
		SetMarketVerdict("us_equities", Verdict{Type: VerdictConfirm, Confidence: 0.8, SourceCount: 6}).
		SetPeerRegime("PFE", "risk_on").
		SetBlackout("PFE", "2026-02-05", true)

	bars, err := s.DailyBars(ctx, "PFE", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "2026-02-04", bars[0].Date, "window keeps the most recent bars")

	current, median, err := s.ATR(ctx, "PFE")
	require.NoError(t, err)
	assert.Equal(t, 0.8, current)
	assert.Equal(t, 0.6, median)

	verdict, err := s.MarketVerdict(ctx, "us_equities")
	require.NoError(t, err)
	assert.Equal(t, VerdictConfirm, verdict.Type)

	regime, err := s.PeerRegime(ctx, "PFE")
	require.NoError(t, err)
	assert.Equal(t, "risk_on", regime)

	in, err := s.InBlackout(ctx, "PFE", "2026-02-05")
	require.NoError(t, err)
	assert.True(t, in)

	in, err = s.InBlackout(ctx, "PFE", "2026-02-06")
	require.NoError(t, err)
	assert.False(t, in)
}

func TestVerdictBaseScore(t *testing.T) {
	assert.Equal(t, 0.9, VerdictConfirm.BaseScore())
	assert.Equal(t, 0.5, VerdictNeutral.BaseScore())
	assert.Equal(t, 0.2, VerdictContradict.BaseScore())
	assert.Equal(t, 0.5, VerdictUnavailable.BaseScore())
}
