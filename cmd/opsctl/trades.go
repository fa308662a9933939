package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"

	"github.com/quarterdeck-io/quarterdeck/internal/archive"
	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/reconcile"
	"github.com/quarterdeck-io/quarterdeck/internal/validation"
)

func tradesCmd(ctx context.Context) *cobra.Command {
	var (
		symbol      string
		since       string
		until       string
		limit       int
		fromArchive bool
		xlsxPath    string
	)
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List closed trades from the ledger or the archive",
		Long:  "Reads the scope's immutable trade ledger, or the Postgres archive with --from-archive, and optionally exports the listing to an XLSX workbook.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}
			if symbol != "" {
				symbol = validation.NormalizeSymbol(symbol)
			}

			var trades []reconcile.Trade
			if fromArchive {
				trades, err = archiveTrades(ctx, tgt, symbol, since, until, limit)
			} else {
				trades, err = ledgerTrades(tgt, symbol, since, until, limit)
			}
			if err != nil {
				return err
			}
			if len(trades) == 0 {
				fmt.Printf("No closed trades for %s\n", tgt.scope.Slug())
				return nil
			}

			t := newTable(fmt.Sprintf("CLOSED TRADES (%s)", tgt.scope.Slug()))
			t.AppendHeader(table.Row{"Symbol", "Entry Date", "Entry", "Exit Date", "Exit", "Return", "Confidence"})
			var wins int
			var totalReturn float64
			for _, tr := range trades {
				if tr.ReturnPct > 0 {
					wins++
				}
				totalReturn += tr.ReturnPct
				t.AppendRow(table.Row{
					tr.Symbol, tr.EntryDate, fmtMoney(tr.EntryPrice),
					tr.ExitDate, fmtMoney(tr.ExitPrice),
					fmtPct(tr.ReturnPct), fmt.Sprintf("%.2f", tr.Confidence),
				})
			}
			t.AppendFooter(table.Row{
				fmt.Sprintf("%d trades", len(trades)), "", "", "", "",
				fmt.Sprintf("avg %s", fmtPct(totalReturn/float64(len(trades)))),
				fmt.Sprintf("%.0f%% wins", float64(wins)/float64(len(trades))*100),
			})
			t.Render()

			if xlsxPath != "" {
				if err := writeTradesXLSX(trades, tgt.scope.Slug(), xlsxPath); err != nil {
					return fmt.Errorf("xlsx export: %w", err)
				}
				fmt.Printf("\nExported %d trades to %s\n", len(trades), xlsxPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "filter by symbol")
	cmd.Flags().StringVar(&since, "since", "", "inclusive lower bound on exit date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "inclusive upper bound on exit date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", archive.DefaultTradeLimit, "maximum trades to list, newest first")
	cmd.Flags().BoolVar(&fromArchive, "from-archive", false, "query the Postgres archive instead of the JSONL ledger")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "also export the listing to this XLSX file")
	return cmd
}

// ledgerTrades reads ledger/trades.jsonl, newest exit first.
func ledgerTrades(tgt *target, symbol, since, until string, limit int) ([]reconcile.Trade, error) {
	records, skipped, err := eventlog.ReadAll(tgt.layout.TradesLog())
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		fmt.Printf("Warning: %d ledger records refused by the envelope check\n", skipped)
	}

	var trades []reconcile.Trade
	for _, rec := range records {
		raw, merr := json.Marshal(rec)
		if merr != nil {
			continue
		}
		var tr reconcile.Trade
		if uerr := json.Unmarshal(raw, &tr); uerr != nil || tr.Symbol == "" {
			continue
		}
		if symbol != "" && tr.Symbol != symbol {
			continue
		}
		if since != "" && tr.ExitDate < since {
			continue
		}
		if until != "" && tr.ExitDate > until {
			continue
		}
		trades = append(trades, tr)
	}

	// The ledger appends in close order; newest last. Flip for display.
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

// archiveTrades queries the Postgres mirror.
func archiveTrades(ctx context.Context, tgt *target, symbol, since, until string, limit int) ([]reconcile.Trade, error) {
	if !tgt.cfg.Archive.Enabled {
		return nil, fmt.Errorf("archive is not enabled in configuration")
	}
	store, err := archive.New(ctx, tgt.cfg.Archive.DSN())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	rows, err := store.ListTrades(ctx, archive.TradeFilter{
		Scope:  tgt.scope.Slug(),
		Symbol: symbol,
		Since:  since,
		Until:  until,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	trades := make([]reconcile.Trade, 0, len(rows))
	for _, r := range rows {
		trades = append(trades, r.Trade)
	}
	return trades, nil
}

// writeTradesXLSX exports the listing to a workbook: one Trades sheet
// plus a per-symbol Summary sheet.
func writeTradesXLSX(trades []reconcile.Trade, scopeSlug, path string) error {
	fx := excelize.NewFile()
	defer fx.Close()

	const tradesSheet = "Trades"
	const summarySheet = "Summary"
	fx.SetSheetName(fx.GetSheetName(0), tradesSheet)
	fx.NewSheet(summarySheet)

	headStyle, _ := fx.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})

	headers := []string{"Scope", "Symbol", "Entry date", "Entry price", "Exit date", "Exit price", "Return %", "Confidence"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		fx.SetCellValue(tradesSheet, cell, h)
		fx.SetCellStyle(tradesSheet, cell, cell, headStyle)
	}

	type agg struct {
		trades      int
		wins        int
		totalReturn float64
	}
	bySymbol := map[string]*agg{}
	var order []string

	row := 2
	for _, tr := range trades {
		values := []interface{}{
			scopeSlug,
			tr.Symbol,
			tr.EntryDate,
			tr.EntryPrice,
			tr.ExitDate,
			tr.ExitPrice,
			tr.ReturnPct * 100,
			tr.Confidence,
		}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			fx.SetCellValue(tradesSheet, cell, v)
		}
		row++

		a, ok := bySymbol[tr.Symbol]
		if !ok {
			a = &agg{}
			bySymbol[tr.Symbol] = a
			order = append(order, tr.Symbol)
		}
		a.trades++
		if tr.ReturnPct > 0 {
			a.wins++
		}
		a.totalReturn += tr.ReturnPct
	}

	summaryHeaders := []string{"Symbol", "Trades", "Wins", "Win rate %", "Avg return %"}
	for i, h := range summaryHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		fx.SetCellValue(summarySheet, cell, h)
		fx.SetCellStyle(summarySheet, cell, cell, headStyle)
	}
	row = 2
	for _, sym := range order {
		a := bySymbol[sym]
		values := []interface{}{
			sym,
			a.trades,
			a.wins,
			float64(a.wins) / float64(a.trades) * 100,
			a.totalReturn / float64(a.trades) * 100,
		}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			fx.SetCellValue(summarySheet, cell, v)
		}
		row++
	}

	return fx.SaveAs(path)
}
