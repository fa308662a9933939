package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
	"github.com/quarterdeck-io/quarterdeck/internal/reconcile"
	"github.com/quarterdeck-io/quarterdeck/internal/regime"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
	"github.com/quarterdeck-io/quarterdeck/internal/universe"
)

func scopesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scopes",
		Short: "List configured scopes and their cadences",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSharedConfig()
			if err != nil {
				return err
			}

			t := newTable("CONFIGURED SCOPES")
			t.AppendHeader(table.Row{"Slug", "Env", "Broker", "Market", "Region", "Equity", "Symbols", "Recon", "Regime", "Universe", "Governance"})
			for _, sc := range cfg.Scopes {
				t.AppendRow(table.Row{
					sc.Slug(), sc.Env, sc.Broker, sc.Market, sc.Region,
					fmtMoney(sc.Equity), len(sc.Symbols),
					sc.Cadence.Reconciliation.Interval(),
					sc.Cadence.Regime.Interval(),
					sc.Cadence.Universe.Interval(),
					sc.Cadence.Governance.Interval(),
				})
			}
			t.Render()

			fmt.Printf("\nPersist root: %s\n", cfg.PersistRoot)
			fmt.Printf("Flags: dry_run=%v enable_live_orders=%v governance=%v phase_g=%v phase_g_dry_run=%v\n",
				cfg.Flags.DryRun, cfg.Flags.EnableLiveOrders,
				cfg.Flags.GovernanceEnabled, cfg.Flags.PhaseGEnabled, cfg.Flags.PhaseGDryRun)
			return nil
		},
	}
}

func positionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Show the scope's open position ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}
			positions, err := reconcile.LoadPositions(tgt.layout)
			if err != nil {
				return err
			}
			if len(positions) == 0 {
				fmt.Printf("No open positions for %s\n", tgt.scope.Slug())
				return nil
			}

			symbols := make([]string, 0, len(positions))
			for sym := range positions {
				symbols = append(symbols, sym)
			}
			sort.Strings(symbols)

			t := newTable(fmt.Sprintf("OPEN POSITIONS (%s)", tgt.scope.Slug()))
			t.AppendHeader(table.Row{"Symbol", "Qty", "Avg Entry", "Notional", "Entries", "Last Entry", "Reconciled"})
			var notional float64
			for _, sym := range symbols {
				p := positions[sym]
				n := p.Quantity * p.WeightedAvgEntry
				notional += n
				t.AppendRow(table.Row{
					p.Symbol, fmtQty(p.Quantity), fmtMoney(p.WeightedAvgEntry),
					fmtMoney(n), p.EntryCount, p.LastEntryTime, p.ReconciledAt,
				})
			}
			t.AppendFooter(table.Row{"TOTAL", "", "", fmtMoney(notional), "", "", ""})
			t.Render()
			return nil
		},
	}
}

func cursorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cursor",
		Short: "Show the reconciliation cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}

			var cursor reconcile.Cursor
			if err := atomicio.ReadJSON(tgt.layout.CursorFile(), &cursor); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Printf("No cursor for %s yet; reconciliation has not completed a cycle\n", tgt.scope.Slug())
					return nil
				}
				return err
			}

			age := "unknown"
			if ts, perr := timeutil.Parse(cursor.LastReconciliationTime); perr == nil {
				age = time.Since(ts).Round(time.Second).String()
			}

			t := newTable(fmt.Sprintf("RECONCILIATION CURSOR (%s)", tgt.scope.Slug()))
			t.AppendRows([]table.Row{
				{"Last seen fill", cursor.LastSeenFillID},
				{"Last fill time", cursor.LastSeenFillTime},
				{"Last reconciliation", cursor.LastReconciliationTime},
				{"Cursor age", age},
				{"Dedup window size", len(cursor.RecentFillIDs)},
			})
			t.Render()
			return nil
		},
	}
}

func universeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "universe",
		Short: "Show the active universe and removal cooldowns",
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}

			active, err := universe.LoadActive(tgt.layout)
			if err != nil {
				return err
			}

			t := newTable(fmt.Sprintf("ACTIVE UNIVERSE (%s)", tgt.scope.Slug()))
			t.AppendHeader(table.Row{"Symbol"})
			for _, sym := range active.Symbols {
				t.AppendRow(table.Row{sym})
			}
			t.AppendFooter(table.Row{fmt.Sprintf("%d symbols, updated %s", len(active.Symbols), orDash(active.UpdatedAt))})
			t.Render()

			var cooldowns struct {
				Removals map[string]string `json:"removals"`
			}
			err = atomicio.ReadJSON(tgt.layout.CooldownsFile(), &cooldowns)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if len(cooldowns.Removals) > 0 {
				ct := newTable("REMOVAL COOLDOWNS")
				ct.AppendHeader(table.Row{"Symbol", "Removed At"})
				syms := make([]string, 0, len(cooldowns.Removals))
				for sym := range cooldowns.Removals {
					syms = append(syms, sym)
				}
				sort.Strings(syms)
				for _, sym := range syms {
					ct.AppendRow(table.Row{sym, cooldowns.Removals[sym]})
				}
				ct.Render()
			}
			return nil
		},
	}
}

func regimeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regime",
		Short: "Show the held regime and last validation verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}

			var state regime.RunState
			if err := atomicio.ReadJSON(tgt.layout.RegimeStateFile(), &state); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Printf("No regime state for %s yet; the validator has not run\n", tgt.scope.Slug())
					return nil
				}
				return err
			}

			held := "unknown"
			if ts, perr := timeutil.Parse(state.EnteredAt); perr == nil {
				held = time.Since(ts).Round(time.Minute).String()
			}

			t := newTable(fmt.Sprintf("REGIME (%s)", tgt.scope.Slug()))
			t.AppendRows([]table.Row{
				{"Held regime", string(state.Regime)},
				{"Entered at", state.EnteredAt},
				{"Held for", held},
				{"Vol at entry", fmtPct(state.VolAtEntry)},
				{"Last run", orDash(state.LastRunAt)},
				{"Last verdict", orDash(string(state.LastVerdict))},
				{"Duration history", len(state.DurationsHours)},
			})
			t.Render()
			return nil
		},
	}
}

func fmtMoney(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func fmtQty(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func fmtPct(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
