package broker

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/scope"
)

// Config carries everything the factory needs to build an adapter stack.
// Credentials come from <BROKER>_API_KEY / <BROKER>_API_SECRET environment
// variables, resolved by the config layer before this point.
type Config struct {
	APIKey    string
	APISecret string

	// DryRun suppresses all order flow: submits return synthetic REJECTED
	// results carrying the DRY_RUN reason without contacting the broker.
	DryRun bool
	// EnableLiveOrders must be explicitly true for real orders in a live
	// scope. It has no effect in paper scopes.
	EnableLiveOrders bool

	// Equity seeds the simulator brokers.
	Equity float64
	// StatePath is where the NSE simulator persists broker_state.json.
	StatePath string
	// Symbols is the fill-replay watchlist for brokers without a
	// cross-symbol execution feed.
	Symbols []string

	// RequestsPerSecond and Burst size the client-side token budget.
	RequestsPerSecond float64
	Burst             int
}

// New builds the adapter stack for a scope: raw adapter wrapped with rate
// limiting, a circuit breaker, and (when order flow is suppressed) the
// dry-run interceptor outermost.
func New(sc scope.Scope, cfg Config) (Adapter, error) {
	raw, err := build(sc, cfg)
	if err != nil {
		return nil, err
	}

	// A paper scope must never hold a live adapter. This is checked at
	// construction so a miswired scope cannot reach order flow at all.
	if !sc.IsLive() && !raw.IsPaper() {
		return nil, fmt.Errorf("scope %s: broker %s: %w", sc.Slug(), raw.Name(), ErrNotPaper)
	}

	suppressOrders := cfg.DryRun
	if sc.IsLive() && !cfg.EnableLiveOrders {
		if !cfg.DryRun {
			return nil, fmt.Errorf("scope %s: live mode requires enable_live_orders=true or dry_run=true", sc.Slug())
		}
		suppressOrders = true
	}

	adapter := withBreaker(withRateLimit(raw, cfg.RequestsPerSecond, cfg.Burst))
	if suppressOrders {
		adapter = withDryRun(adapter)
		log.Info().
			Str("scope", sc.Slug()).
			Str("broker", raw.Name()).
			Msg("Broker order flow suppressed (dry run)")
	}

	return adapter, nil
}

func build(sc scope.Scope, cfg Config) (Adapter, error) {
	switch sc.Broker {
	case "stub":
		return NewStub(cfg.Equity), nil

	case "nsesim":
		if sc.IsLive() {
			return nil, fmt.Errorf("broker nsesim is paper only")
		}
		if cfg.StatePath == "" {
			return nil, fmt.Errorf("broker nsesim requires a state path")
		}
		return NewNSESim(cfg.StatePath, cfg.Equity)

	case "kraken":
		if !sc.IsLive() {
			return nil, fmt.Errorf("broker kraken has no paper endpoint; use a paper scope with stub instead")
		}
		return NewKraken(KrakenConfig{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		})

	case "alpaca":
		return NewAlpaca(AlpacaConfig{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			Paper:     !sc.IsLive(),
		})

	case "binance":
		return NewBinance(BinanceConfig{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			Testnet:   !sc.IsLive(),
			Symbols:   cfg.Symbols,
		})

	default:
		return nil, fmt.Errorf("unknown broker: %s", sc.Broker)
	}
}
