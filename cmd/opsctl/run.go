package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/quarterdeck-io/quarterdeck/internal/broker"
	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/governance"
	"github.com/quarterdeck-io/quarterdeck/internal/marketdata"
	"github.com/quarterdeck-io/quarterdeck/internal/reconcile"
	"github.com/quarterdeck-io/quarterdeck/internal/regime"
	"github.com/quarterdeck-io/quarterdeck/internal/universe"
)

func runCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "run <task>",
		Short:     "Run one scheduled task once, outside the daemon",
		Long:      "Runs a single cycle of reconcile, regime, universe, or governance for the scope. The same engines, flags, and persistence paths as the daemon; only the schedule is bypassed.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"reconcile", "regime", "universe", "governance"},
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}
			if err := tgt.layout.EnsureDirs(); err != nil {
				return err
			}

			switch args[0] {
			case "reconcile":
				return runReconcile(ctx, tgt)
			case "regime":
				return runRegime(ctx, tgt)
			case "universe":
				return runUniverse(ctx, tgt)
			case "governance":
				return runGovernance(ctx, tgt)
			default:
				return fmt.Errorf("unknown task %q (want reconcile, regime, universe, or governance)", args[0])
			}
		},
	}
	return cmd
}

func runReconcile(ctx context.Context, tgt *target) error {
	events := eventlog.NewLogger(tgt.layout, tgt.scope, nil)
	bcfg := tgt.cfg.BrokerFor(tgt.sc.Broker)
	adapter, err := broker.New(tgt.scope, broker.Config{
		APIKey:            bcfg.APIKey,
		APISecret:         bcfg.APISecret,
		DryRun:            tgt.cfg.Flags.DryRun,
		EnableLiveOrders:  tgt.cfg.Flags.EnableLiveOrders,
		Equity:            tgt.sc.Equity,
		StatePath:         tgt.layout.BrokerStateFile(),
		Symbols:           tgt.sc.Symbols,
		RequestsPerSecond: bcfg.RequestsPerSecond,
		Burst:             bcfg.Burst,
	})
	if err != nil {
		return fmt.Errorf("broker adapter: %w", err)
	}

	engine := reconcile.New(tgt.scope, tgt.layout, adapter, events)
	report, err := engine.Reconcile(ctx)
	if err != nil {
		return err
	}

	t := newTable(fmt.Sprintf("RECONCILIATION (%s)", tgt.scope.Slug()))
	t.AppendRows([]table.Row{
		{"Fills fetched", report.Fetched},
		{"New fills", report.NewFills},
		{"Invalid fills skipped", report.SkippedInvalid},
		{"Open positions", report.OpenPositions},
		{"Trades closed", report.TradesClosed},
		{"Cursor advanced", report.CursorAdvanced},
		{"Ledger changed", report.Changed},
	})
	t.Render()
	return nil
}

func runRegime(ctx context.Context, tgt *target) error {
	events := eventlog.NewLogger(tgt.layout, tgt.scope, nil)
	bars := marketdata.NewFiles(tgt.sc.BarsDir)
	classifier := regime.NewBarClassifier(bars, tgt.sc.Regime.Lookback)

	opts := []regime.RunnerOption{regime.WithDriftConfig(cliDriftConfig(tgt))}
	if tgt.cfg.Flags.PhaseGEnabled {
		gov := governance.NewEngine(tgt.scope, tgt.layout, events, proposalExpiry(tgt.sc))
		opts = append(opts, regime.WithProposalSink(gov))
	}
	runner := regime.NewRunner(tgt.scope, tgt.layout, events, classifier, tgt.sc.Regime.Benchmark, opts...)

	rec, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	t := newTable(fmt.Sprintf("REGIME VALIDATION (%s)", tgt.scope.Slug()))
	t.AppendRows([]table.Row{
		{"Held regime", string(rec.Regime)},
		{"Recalculated", string(rec.Recalculated)},
		{"Verdict", string(rec.Verdict)},
		{"Internal score", fmt.Sprintf("%.2f", rec.Scores.Internal)},
		{"External score", fmt.Sprintf("%.2f", rec.Scores.External)},
		{"Drift score", fmt.Sprintf("%.2f", rec.Scores.Drift)},
		{"Cross-asset score", fmt.Sprintf("%.2f", rec.Scores.CrossAsset)},
		{"Duration percentile", fmt.Sprintf("%.0f", rec.DurationPercentile)},
		{"Held for", fmt.Sprintf("%.1fh", rec.DurationHours)},
		{"Drift", rec.Drift.Drift},
		{"Proposal submitted", rec.ProposalSubmitted},
	})
	t.Render()
	if failed := rec.Drift.FailedConditions(); !rec.Drift.Drift && len(failed) > 0 {
		fmt.Printf("  drift conditions not met: %v\n", failed)
	}
	return nil
}

func runUniverse(ctx context.Context, tgt *target) error {
	if !tgt.cfg.Flags.GovernanceEnabled {
		return fmt.Errorf("governance_enabled is false: universe governance is switched off")
	}

	events := eventlog.NewLogger(tgt.layout, tgt.scope, nil)
	files := marketdata.NewFiles(tgt.sc.BarsDir)
	vol := marketdata.NewDerived(files, 0, 0)
	classifier := regime.NewBarClassifier(files, tgt.sc.Regime.Lookback)
	regimes := regime.NewRunner(tgt.scope, tgt.layout, events, classifier, tgt.sc.Regime.Benchmark)

	manager, err := universe.NewManager(tgt.scope, tgt.layout, events, universeConfig(tgt.sc),
		universe.WithLiquidity(files),
		universe.WithVolatility(vol),
		universe.WithRegimeSource(regimes),
	)
	if err != nil {
		return err
	}

	report, err := manager.RunCycle(ctx)
	if err != nil {
		return err
	}

	t := newTable(fmt.Sprintf("UNIVERSE CYCLE (%s)", tgt.scope.Slug()))
	t.AppendRows([]table.Row{
		{"Candidates scored", len(report.Scored)},
		{"Additions", len(report.Change.Additions)},
		{"Removals", len(report.Change.Removals)},
		{"Applied", report.Applied},
		{"Size", fmt.Sprintf("%d -> %d", report.SizeBefore, report.SizeAfter)},
	})
	t.Render()

	for _, v := range report.Violations {
		fmt.Printf("  guardrail %s: %s\n", v.Rule, v.Detail)
	}
	return nil
}

func runGovernance(ctx context.Context, tgt *target) error {
	if !tgt.cfg.Flags.PhaseGEnabled {
		return fmt.Errorf("phase_g_enabled is false: the constitutional pipeline is switched off")
	}

	events := eventlog.NewLogger(tgt.layout, tgt.scope, nil)
	gov := governance.NewEngine(tgt.scope, tgt.layout, events, proposalExpiry(tgt.sc))

	ev, cc := gov.GatherEvidence(tgt.sc.Universe.Watchlist)
	bundle, err := gov.Run(ctx, ev, cc)
	if err != nil {
		return err
	}
	if bundle == nil {
		fmt.Println("Evidence contains nothing actionable; no proposal drafted")
		return nil
	}

	t := newTable(fmt.Sprintf("GOVERNANCE RUN (%s)", tgt.scope.Slug()))
	rec := "-"
	if bundle.Synthesis != nil {
		rec = string(bundle.Synthesis.FinalRecommendation)
	}
	t.AppendRows([]table.Row{
		{"Proposal", bundle.Proposal.ProposalID},
		{"Type", string(bundle.Proposal.ProposalType)},
		{"Stage reached", bundleStage(bundle)},
		{"Recommendation", rec},
	})
	t.Render()

	fmt.Println("Inspect with 'opsctl proposals show", shortID(bundle.Proposal.ProposalID)+"'")
	return nil
}

// cliDriftConfig overlays per-scope overrides on the market defaults,
// matching the daemon's wiring.
func cliDriftConfig(tgt *target) regime.DriftConfig {
	cfg := regime.DefaultDriftConfig(tgt.scope.Market)
	rc := tgt.sc.Regime
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
