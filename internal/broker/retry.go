package broker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig configures retry behavior for broker calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the retry settings used when none are configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// withRetry executes op with exponential backoff plus jitter. Only
// transient errors are retried; fatal errors return immediately. The
// backoff sleep respects context cancellation.
func withRetry(ctx context.Context, cfg RetryConfig, op func() error) error {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("broker call cancelled: %w", ctx.Err())
		default:
		}

		err := op()
		if err == nil {
			if attempt > 0 {
				log.Info().Int("attempt", attempt+1).Msg("Broker call succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsTransient(err) && !looksTransient(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		// Full jitter keeps concurrent scopes from hammering in lockstep.
		sleep := time.Duration(rand.Int63n(int64(backoff) + 1))
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", cfg.MaxRetries+1).
			Dur("backoff", sleep).
			Msg("Broker call failed, retrying with backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("broker call cancelled during backoff: %w", ctx.Err())
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return fmt.Errorf("broker call failed after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}
