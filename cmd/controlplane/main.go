package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quarterdeck-io/quarterdeck/internal/alerts"
	"github.com/quarterdeck-io/quarterdeck/internal/archive"
	"github.com/quarterdeck-io/quarterdeck/internal/broker"
	"github.com/quarterdeck-io/quarterdeck/internal/config"
	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/governance"
	"github.com/quarterdeck-io/quarterdeck/internal/marketdata"
	"github.com/quarterdeck-io/quarterdeck/internal/ops"
	"github.com/quarterdeck-io/quarterdeck/internal/reconcile"
	"github.com/quarterdeck-io/quarterdeck/internal/regime"
	"github.com/quarterdeck-io/quarterdeck/internal/scheduler"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
	"github.com/quarterdeck-io/quarterdeck/internal/universe"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file (default: ./configs/config.yaml)")
	validateOnly := flag.Bool("validate", false, "validate configuration and persistence root, then exit")
	flag.Parse()

	// .env is a development convenience; a missing file is not an error.
	_ = godotenv.Load()

	// Bootstrap logging until the config names a level and format.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.ValidateAndLoad(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("Configuration rejected")
		return config.ExitConfig
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("controlplane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Vault only fills credentials the file and environment left empty.
	if err := config.LoadSecretsFromVault(ctx, cfg, config.GetVaultConfigFromEnv()); err != nil {
		logger.Error().Err(err).Msg("Failed to load secrets from Vault")
		return config.ExitConfig
	}

	validator := config.NewValidator(cfg, config.DefaultValidatorOptions())
	if err := validator.ValidateStartup(ctx); err != nil {
		var perr *config.PersistenceError
		if errors.As(err, &perr) {
			logger.Error().Err(err).Str("path", perr.Path).Msg("Persistence root unusable")
			alerts.AlertPersistenceFailure(ctx, perr.Path, perr)
			return config.ExitPersistence
		}
		logger.Error().Err(err).Msg("Startup validation failed")
		return config.ExitConfig
	}

	if *validateOnly {
		logger.Info().Msg("Configuration and persistence root validated")
		return config.ExitOK
	}

	logger.Info().
		Str("environment", cfg.App.Environment).
		Int("scopes", len(cfg.Scopes)).
		Bool("dry_run", cfg.Flags.DryRun).
		Bool("enable_live_orders", cfg.Flags.EnableLiveOrders).
		Bool("governance_enabled", cfg.Flags.GovernanceEnabled).
		Bool("phase_g_enabled", cfg.Flags.PhaseGEnabled).
		Bool("phase_g_dry_run", cfg.Flags.PhaseGDryRun).
		Msg("Starting control plane")

	// Operator alert channel: always log, telegram when configured.
	alerters := []alerts.Alerter{alerts.NewLogAlerter()}
	if cfg.Telegram.Enabled {
		tg, err := alerts.NewTelegramAlerter(cfg.Telegram.BotToken, cfg.Telegram.ChatIDs)
		if err != nil {
			logger.Error().Err(err).Msg("Telegram alerter unavailable")
			return config.ExitConfig
		}
		alerters = append(alerters, tg)
	}
	alerts.SetDefaultManager(alerts.NewManager(alerters...))

	var mirror *eventlog.NATSMirror
	if cfg.NATS.Enabled {
		mirror, err = eventlog.NewNATSMirror(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			// The log on disk is the source of truth; a dead broker only
			// costs the fan-out.
			logger.Warn().Err(err).Msg("Event mirror unavailable, continuing without it")
		} else {
			defer mirror.Close()
		}
	}

	var store *archive.Store
	if cfg.Archive.Enabled {
		store, err = archive.New(ctx, cfg.Archive.DSN())
		if err != nil {
			logger.Error().Err(err).Msg("Failed to connect to trade archive")
			return config.ExitConfig
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			logger.Error().Err(err).Msg("Archive migration failed")
			return config.ExitConfig
		}
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer cache.Close()
	}

	registry := ops.NewRegistry()
	server := ops.NewServer(ops.Config{
		Host:     cfg.Ops.Host,
		Port:     cfg.Ops.Port,
		Registry: registry,
		Archive:  store,
	})

	var runtimes []*scopeRuntime
	for _, scfg := range cfg.Scopes {
		rt, err := buildScope(cfg, scfg, mirror, store, cache, server.Hub())
		if err != nil {
			var perr *config.PersistenceError
			if errors.As(err, &perr) {
				logger.Error().Err(err).Str("scope", scfg.Slug()).Msg("Scope persistence unusable")
				alerts.AlertPersistenceFailure(ctx, perr.Path, perr)
				return config.ExitPersistence
			}
			logger.Error().Err(err).Str("scope", scfg.Slug()).Msg("Failed to wire scope")
			return config.ExitConfig
		}
		registry.Add(rt.handle)
		runtimes = append(runtimes, rt)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		server.Hub().Run(gctx)
		return nil
	})
	for _, rt := range runtimes {
		rt := rt
		g.Go(func() error {
			rt.tailer.Run(gctx)
			return nil
		})
		g.Go(func() error {
			err := rt.sched.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("scheduler for %s: %w", rt.handle.Scope.Slug(), err)
			}
			return nil
		})
	}
	if cfg.Ops.Enabled {
		g.Go(func() error {
			if err := server.Start(); err != nil {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- g.Wait()
	}()

	workersDone := false
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errChan:
		workersDone = true
		if err != nil {
			logger.Error().Err(err).Msg("Control plane error")
		}
	}

	logger.Info().Msg("Initiating graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during ops server shutdown")
	}

	if !workersDone {
		select {
		case <-errChan:
		case <-shutdownCtx.Done():
			logger.Warn().Msg("Shutdown timed out waiting for workers")
		}
	}

	logger.Info().Msg("Control plane shutdown complete")
	return config.ExitOK
}

// scopeRuntime bundles what the main loop runs for one scope.
type scopeRuntime struct {
	handle ops.ScopeHandle
	sched  *scheduler.Scheduler
	tailer *ops.DecisionTailer
}

// buildScope wires one scope's engines and schedule. Everything hangs
// off the scope's layout; no two scopes share any mutable state beyond
// the optional archive and cache clients.
func buildScope(cfg *config.Config, scfg config.ScopeConfig, mirror *eventlog.NATSMirror, store *archive.Store, cache *redis.Client, hub *ops.Hub) (*scopeRuntime, error) {
	s, err := scope.New(scope.Env(strings.ToLower(scfg.Env)), scfg.Broker, scfg.Market, scfg.Region)
	if err != nil {
		return nil, err
	}
	layout := scope.NewLayout(cfg.PersistRoot, s)
	if err := layout.EnsureDirs(); err != nil {
		return nil, &config.PersistenceError{Path: layout.Root, Err: err}
	}

	logger := config.NewScopeLogger("controlplane", s.Slug())

	var pub eventlog.Publisher
	if mirror != nil {
		pub = mirror
	}
	events := eventlog.NewLogger(layout, s, pub)

	bcfg := cfg.BrokerFor(scfg.Broker)
	adapter, err := broker.New(s, broker.Config{
		APIKey:            bcfg.APIKey,
		APISecret:         bcfg.APISecret,
		DryRun:            cfg.Flags.DryRun,
		EnableLiveOrders:  cfg.Flags.EnableLiveOrders,
		Equity:            scfg.Equity,
		StatePath:         layout.BrokerStateFile(),
		Symbols:           scfg.Symbols,
		RequestsPerSecond: bcfg.RequestsPerSecond,
		Burst:             bcfg.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("broker adapter: %w", err)
	}

	var recOpts []reconcile.Option
	if store != nil {
		recOpts = append(recOpts, reconcile.WithArchiver(store))
	}
	rec := reconcile.New(s, layout, adapter, events, recOpts...)

	files := marketdata.NewFiles(scfg.BarsDir)
	var bars marketdata.BarProvider = files
	var liq marketdata.LiquidityProvider = files
	if cache != nil {
		cached := marketdata.NewCache(cache, files, files, cfg.Redis.TTL())
		bars, liq = cached, cached
	}
	vol := marketdata.NewDerived(bars, 0, 0)

	gov := governance.NewEngine(s, layout, events, time.Duration(scfg.ProposalExpiryHours)*time.Hour)

	runnerOpts := []regime.RunnerOption{regime.WithDriftConfig(driftConfig(s.Market, scfg.Regime))}
	if cfg.Flags.PhaseGEnabled {
		runnerOpts = append(runnerOpts, regime.WithProposalSink(gov))
	}
	classifier := regime.NewBarClassifier(bars, scfg.Regime.Lookback)
	runner := regime.NewRunner(s, layout, events, classifier, scfg.Regime.Benchmark, runnerOpts...)

	manager, err := universe.NewManager(s, layout, events, universe.Config{
		MinSize:                 scfg.Universe.MinSize,
		MaxSize:                 scfg.Universe.MaxSize,
		MaxAdditionsPerCycle:    scfg.Universe.MaxAdditionsPerCycle,
		MaxRemovalsPerCycle:     scfg.Universe.MaxRemovalsPerCycle,
		MinScoreToAdd:           scfg.Universe.MinScoreToAdd,
		MaxScoreToRemove:        scfg.Universe.MaxScoreToRemove,
		CooldownDaysAfterRemove: scfg.Universe.CooldownDaysAfterRemove,
		Watchlist:               scfg.Universe.Watchlist,
	},
		universe.WithLiquidity(liq),
		universe.WithVolatility(vol),
		universe.WithRegimeSource(runner),
	)
	if err != nil {
		return nil, fmt.Errorf("universe manager: %w", err)
	}

	sched, err := scheduler.New(s, layout, events)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	handle := ops.ScopeHandle{
		Scope:     s,
		Layout:    layout,
		Scheduler: sched,
		Proposals: gov.Store(),
	}

	err = sched.Register(scheduler.Task{
		Name:       "reconciliation",
		Interval:   scfg.Cadence.Reconciliation.Interval(),
		Timeout:    scfg.Cadence.Reconciliation.Timeout(),
		MaxAge:     scfg.Cadence.Reconciliation.MaxAge(),
		RunAtStart: true,
		Fn: func(ctx context.Context) error {
			_, rerr := rec.Reconcile(ctx)
			if rec.Stale() {
				alerts.AlertReconciliationFailing(ctx, s.Slug(), rec.ConsecutiveFailures(), rerr)
			}
			for _, ts := range sched.Staleness() {
				if ts.Stale {
					alerts.AlertTaskStale(ctx, s.Slug(), ts.Task,
						time.Duration(ts.AgeSeconds)*time.Second,
						time.Duration(ts.MaxAgeSeconds)*time.Second)
				}
			}
			// The snapshot rides the reconciliation cadence so the ops
			// view is at most one cycle behind.
			if serr := ops.WriteSnapshot(handle, time.Now().UTC()); serr != nil && rerr == nil {
				return serr
			}
			return rerr
		},
	})
	if err != nil {
		return nil, err
	}

	err = sched.Register(scheduler.Task{
		Name:     "regime",
		Interval: scfg.Cadence.Regime.Interval(),
		Timeout:  scfg.Cadence.Regime.Timeout(),
		MaxAge:   scfg.Cadence.Regime.MaxAge(),
		Fn: func(ctx context.Context) error {
			_, rerr := runner.Run(ctx)
			return rerr
		},
	})
	if err != nil {
		return nil, err
	}

	if cfg.Flags.GovernanceEnabled {
		err = sched.Register(scheduler.Task{
			Name:     "universe",
			Interval: scfg.Cadence.Universe.Interval(),
			Timeout:  scfg.Cadence.Universe.Timeout(),
			MaxAge:   scfg.Cadence.Universe.MaxAge(),
			Fn: func(ctx context.Context) error {
				_, uerr := manager.RunCycle(ctx)
				return uerr
			},
		})
		if err != nil {
			return nil, err
		}
	} else {
		logger.Info().Msg("Universe governance disabled by flag")
	}

	if cfg.Flags.PhaseGEnabled {
		err = sched.Register(scheduler.Task{
			Name:     "governance",
			Interval: scfg.Cadence.Governance.Interval(),
			Timeout:  scfg.Cadence.Governance.Timeout(),
			MaxAge:   scfg.Cadence.Governance.MaxAge(),
			Fn: func(ctx context.Context) error {
				ev, cc := gov.GatherEvidence(scfg.Universe.Watchlist)
				bundle, gerr := gov.Run(ctx, ev, cc)
				if gerr != nil {
					return gerr
				}
				if bundle != nil && bundle.Synthesis != nil && bundle.Synthesis.FinalRecommendation == governance.RecommendApprove {
					alerts.AlertProposalPending(ctx, s.Slug(), bundle.Proposal.ProposalID,
						string(bundle.Proposal.ProposalType), string(bundle.Synthesis.FinalRecommendation))
				}
				return nil
			},
		})
		if err != nil {
			return nil, err
		}
	} else {
		logger.Info().Msg("Constitutional governance disabled by flag")
	}

	logger.Info().
		Str("broker", s.Broker).
		Str("bars_dir", scfg.BarsDir).
		Int("symbols", len(scfg.Symbols)).
		Msg("Scope wired")

	return &scopeRuntime{
		handle: handle,
		sched:  sched,
		tailer: ops.NewDecisionTailer(layout.DecisionsLog(), hub, 0),
	}, nil
}

// driftConfig overlays per-scope overrides on the market defaults.
func driftConfig(market string, rc config.RegimeConfig) regime.DriftConfig {
	cfg := regime.DefaultDriftConfig(market)
	if rc.ConfidenceDeltaMin > 0 {
		cfg.ConfidenceDeltaMin = rc.ConfidenceDeltaMin
	}
	if rc.MinDwellHours > 0 {
		cfg.MinDwell = time.Duration(rc.MinDwellHours) * time.Hour
	}
	if rc.EmergencyDrawdown != 0 {
		cfg.EmergencyDrawdown = rc.EmergencyDrawdown
	}
	if rc.MinDurationPercentile > 0 {
		cfg.MinDurationPercentile = rc.MinDurationPercentile
	}
	if rc.MinExternalSources > 0 {
		cfg.MinExternalSources = rc.MinExternalSources
	}
	return cfg
}
