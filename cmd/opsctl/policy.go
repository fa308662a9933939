package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/quarterdeck-io/quarterdeck/internal/marketdata"
	"github.com/quarterdeck-io/quarterdeck/internal/reconcile"
	"github.com/quarterdeck-io/quarterdeck/internal/scaling"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
	"github.com/quarterdeck-io/quarterdeck/internal/validation"
)

func policyCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect scaling policies and dry-run scaling decisions",
	}
	cmd.AddCommand(policyListCmd())
	cmd.AddCommand(policyCheckCmd(ctx))
	return cmd
}

func policyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the per-strategy scaling policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}
			ps, err := scaling.LoadPolicies(tgt.sc.ScalingPolicyFile)
			if err != nil {
				return err
			}

			t := newTable(fmt.Sprintf("SCALING POLICIES (%s)", tgt.sc.ScalingPolicyFile))
			t.AppendHeader(table.Row{"Strategy", "Multi-entry", "Max entries", "Max position", "Type", "Min bars", "Min time", "Min strength"})
			names := make([]string, 0, len(ps.Strategies))
			for name := range ps.Strategies {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				t.AppendRow(policyRow(name, ps.Strategies[name]))
			}
			if ps.Default != nil {
				t.AppendRow(policyRow("(default)", *ps.Default))
			}
			t.Render()
			return nil
		},
	}
}

func policyRow(name string, p scaling.Policy) table.Row {
	if !p.AllowsMultipleEntries {
		return table.Row{name, "no", "-", "-", "-", "-", "-", "-"}
	}
	return table.Row{
		name,
		"yes",
		p.MaxEntriesPerSymbol,
		fmt.Sprintf("%.0f%%", p.MaxTotalPositionPct*100),
		string(p.ScalingType),
		p.MinBarsBetweenEntries,
		fmt.Sprintf("%ds", p.MinTimeBetweenEntriesS),
		fmt.Sprintf("%.2f", p.MinSignalStrengthForAdd),
	}
}

func policyCheckCmd(ctx context.Context) *cobra.Command {
	var (
		price        float64
		qty          float64
		strength     float64
		riskBudget   float64
		pendingBuys  int
		pendingSells int
		divergence   bool
	)
	cmd := &cobra.Command{
		Use:   "check <strategy> <symbol>",
		Short: "Dry-run one scaling decision against current ledger state",
		Long:  "Builds a scaling context from the open-position ledger and bar files, evaluates it against the strategy's policy, and prints the verdict with the failing check's reason. Nothing is written; the audit trail is untouched.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}
			strategy := args[0]
			symbol := validation.NormalizeSymbol(args[1])
			if !validation.IsSymbol(symbol) {
				return fmt.Errorf("symbol %q is not a valid ticker", args[1])
			}
			if price <= 0 || qty <= 0 {
				return fmt.Errorf("--price and --qty must both be positive")
			}

			ps, err := scaling.LoadPolicies(tgt.sc.ScalingPolicyFile)
			if err != nil {
				return err
			}
			pol, err := ps.For(strategy)
			if err != nil {
				return err
			}

			positions, err := reconcile.LoadPositions(tgt.layout)
			if err != nil {
				return err
			}
			pos, ok := positions[symbol]
			if !ok {
				fmt.Printf("No open position in %s; scaling governs additions only, initial entries bypass it\n", symbol)
				return nil
			}

			files := marketdata.NewFiles(tgt.sc.BarsDir)
			atr, atrMedian, err := marketdata.NewDerived(files, 0, 0).ATR(ctx, symbol)
			if err != nil {
				return fmt.Errorf("cannot evaluate %s without ATR: %w", symbol, err)
			}

			c := scaling.Context{
				Symbol:            symbol,
				Strategy:          strategy,
				SignalStrength:    strength,
				DirectionMatch:    true,
				BearishDivergence: divergence,
				ProposedPrice:     price,
				ProposedQty:       qty,
				BrokerQty:         pos.Quantity,
				LedgerQty:         pos.Quantity,
				EntryCount:        pos.EntryCount,
				LastEntryPrice:    pos.LastEntryPrice,
				PendingBuyOrders:  pendingBuys,
				PendingSellOrders: pendingSells,
				ATR:               atr,
				ATRMedian:         atrMedian,
				AccountEquity:     tgt.sc.Equity,
				Policy:            pol,
			}
			c.RemainingRiskBudget = riskBudget
			if c.RemainingRiskBudget <= 0 {
				c.RemainingRiskBudget = tgt.sc.Equity * 0.01
			}

			if last, perr := timeutil.Parse(pos.LastEntryTime); perr == nil {
				c.MinutesSinceLastEntry = time.Since(last).Minutes()
				lastDate := timeutil.DatePart(last)
				if bars, berr := files.DailyBars(ctx, symbol, 90); berr == nil {
					for _, b := range bars {
						if b.Date <= lastDate {
							continue
						}
						c.BarsSinceLastEntry++
						if b.High > c.HighestSinceLastEntry {
							c.HighestSinceLastEntry = b.High
						}
						if c.LowestSinceLastEntry == 0 || b.Low < c.LowestSinceLastEntry {
							c.LowestSinceLastEntry = b.Low
						}
					}
				}
			}

			d := scaling.NewEngine(nil).Evaluate(c)

			t := newTable(fmt.Sprintf("SCALING DRY-RUN (%s / %s)", strategy, symbol))
			t.AppendRows([]table.Row{
				{"Verdict", string(d.Decision)},
				{"Reason", orDash(string(d.ReasonCode))},
				{"Detail", orDash(d.ReasonText)},
				{"Entries held", d.CurrentEntryCount},
				{"Position after add", fmtPct(d.ProposedPositionPct)},
				{"Estimated risk", fmtMoney(d.EstimatedRisk)},
				{"Risk budget", fmtMoney(c.RemainingRiskBudget)},
				{"ATR / median", fmt.Sprintf("%.4f / %.4f", atr, atrMedian)},
				{"Bars since entry", c.BarsSinceLastEntry},
			})
			t.Render()

			fmt.Println("Pending-order counts come from flags; the live gate sees the broker's real book.")
			return nil
		},
	}
	cmd.Flags().Float64Var(&price, "price", 0, "proposed entry price (required)")
	cmd.Flags().Float64Var(&qty, "qty", 0, "proposed quantity (required)")
	cmd.Flags().Float64Var(&strength, "strength", 0.8, "signal strength in [0,1]")
	cmd.Flags().Float64Var(&riskBudget, "risk-budget", 0, "remaining risk budget in dollars (default: 1% of scope equity)")
	cmd.Flags().IntVar(&pendingBuys, "pending-buys", 0, "working buy orders on the symbol")
	cmd.Flags().IntVar(&pendingSells, "pending-sells", 0, "working sell orders on the symbol")
	cmd.Flags().BoolVar(&divergence, "bearish-divergence", false, "treat the signal as carrying a bearish divergence")
	return cmd
}
