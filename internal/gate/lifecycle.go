package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/broker"
)

// AwaitTerminal polls an order until it reaches a terminal status. The
// poller tolerates transient status-check failures (it simply polls
// again) and enforces the order state machine: an illegal transition
// observed between polls is an error, because a terminal result must
// never mutate afterwards.
func AwaitTerminal(ctx context.Context, a broker.Adapter, orderID string, interval, timeout time.Duration) (*broker.OrderResult, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var last *broker.OrderResult
	for {
		res, err := a.GetOrderStatus(ctx, orderID)
		switch {
		case err != nil && broker.IsTransient(err):
			log.Debug().Err(err).Str("order_id", orderID).Msg("Transient status poll failure, will retry")
		case err != nil:
			return last, fmt.Errorf("failed to poll order %s: %w", orderID, err)
		default:
			if last != nil && res.Status != last.Status && !broker.CanTransition(last.Status, res.Status) {
				return res, fmt.Errorf("order %s made illegal transition %s -> %s", orderID, last.Status, res.Status)
			}
			last = res
			if res.Status.Terminal() {
				return res, nil
			}
		}

		select {
		case <-ctx.Done():
			if last != nil {
				return last, fmt.Errorf("order %s not terminal before deadline (last status %s): %w", orderID, last.Status, ctx.Err())
			}
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
