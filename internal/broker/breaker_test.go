package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyAdapter fails AccountEquity with a fixed error and counts how many
// calls actually reach it.
type flakyAdapter struct {
	*Stub
	err   error
	calls int
}

func (f *flakyAdapter) AccountEquity(ctx context.Context) (float64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.Stub.AccountEquity(ctx)
}

func TestBreakerOpensAfterRepeatedTransientFailures(t *testing.T) {
	ctx := context.Background()
	inner := &flakyAdapter{
		Stub: NewStub(100000),
		err:  newTransient("stub", "account_equity", errors.New("connection refused")),
	}
	wrapped := withBreaker(inner)

	for i := 0; i < breakerMinRequests; i++ {
		_, err := wrapped.AccountEquity(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, breakerMinRequests, inner.calls)

	// The circuit is open now: the call fails fast without reaching the
	// adapter, and the refusal is transient so the next tick retries.
	_, err := wrapped.AccountEquity(ctx)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, breakerMinRequests, inner.calls, "open circuit must not contact the broker")
}

func TestBreakerIgnoresFatalErrors(t *testing.T) {
	ctx := context.Background()
	inner := &flakyAdapter{
		Stub: NewStub(100000),
		err:  newFatal("stub", "account_equity", errors.New("account suspended")),
	}
	wrapped := withBreaker(inner)

	// Fatal API errors are the caller's problem, not endpoint health:
	// the circuit stays closed no matter how many come back.
	for i := 0; i < breakerMinRequests*3; i++ {
		_, err := wrapped.AccountEquity(ctx)
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	}
	assert.Equal(t, breakerMinRequests*3, inner.calls)
}

func TestBreakerPassesResultsThrough(t *testing.T) {
	ctx := context.Background()
	inner := &flakyAdapter{Stub: NewStub(42000)}
	wrapped := withBreaker(inner)

	equity, err := wrapped.AccountEquity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42000.0, equity)
}
