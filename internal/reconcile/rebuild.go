package reconcile

import (
	"sort"

	"github.com/quarterdeck-io/quarterdeck/internal/broker"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
)

// qtyEpsilon absorbs float dust so a fully closed position never lingers
// with a quantity like 1e-17.
const qtyEpsilon = 1e-9

// lot is an open slice of a buy fill awaiting a matching sell.
type lot struct {
	qty  float64
	fill broker.Fill
}

// Rebuild derives open positions and closed trades from a fill set. It is
// a pure function: the same fills and stamp always produce the same
// output, which is what makes reconciliation idempotent.
//
// Per symbol, net quantity is the sum of buys minus the sum of sells and
// symbols that net to zero or below are dropped. The entry timestamp is
// the first buy's fill time carried verbatim, never truncated to a date,
// and the weighted average entry price is computed over buy fills only.
// Sells consume buy lots first-in first-out; each consumed slice yields
// one closed trade.
func Rebuild(fills []broker.Fill, reconciledAt string) (map[string]OpenPosition, []ClosedTrade) {
	bySymbol := make(map[string][]broker.Fill)
	for _, f := range fills {
		bySymbol[f.Symbol] = append(bySymbol[f.Symbol], f)
	}

	symbols := make([]string, 0, len(bySymbol))
	for sym := range bySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	positions := make(map[string]OpenPosition)
	var trades []ClosedTrade

	for _, sym := range symbols {
		sf := bySymbol[sym]
		sortFills(sf)

		var (
			open      []lot
			buyQty    float64
			sellQty   float64
			buyCost   float64
			buyCount  int
			firstBuy  *broker.Fill
			lastBuy   *broker.Fill
			fillIDs   = make([]string, 0, len(sf))
			symTrades []ClosedTrade
		)
		for i := range sf {
			f := sf[i]
			fillIDs = append(fillIDs, f.FillID)
			switch f.Side {
			case broker.SideBuy:
				buyQty += f.Qty
				buyCost += f.Qty * f.Price
				buyCount++
				if firstBuy == nil {
					firstBuy = &sf[i]
				}
				lastBuy = &sf[i]
				open = append(open, lot{qty: f.Qty, fill: f})
			case broker.SideSell:
				sellQty += f.Qty
				symTrades = append(symTrades, consumeLots(&open, f)...)
			}
		}
		trades = append(trades, symTrades...)

		net := buyQty - sellQty
		if net <= qtyEpsilon || firstBuy == nil {
			continue
		}

		positions[sym] = OpenPosition{
			Symbol:           sym,
			EntryOrderID:     firstBuy.OrderID,
			EntryTimestamp:   timeutil.FormatZ(firstBuy.FilledAt),
			WeightedAvgEntry: buyCost / buyQty,
			Quantity:         net,
			FillIDs:          fillIDs,
			Fills:            append([]broker.Fill(nil), sf...),
			EntryCount:       buyCount,
			LastEntryTime:    timeutil.FormatZ(lastBuy.FilledAt),
			LastEntryPrice:   lastBuy.Price,
			ReconciledAt:     reconciledAt,
			Source:           SourceBrokerReconciliation,
		}
	}
	return positions, trades
}

// consumeLots matches a sell against open buy lots, oldest first. A sell
// larger than the open quantity consumes everything and the remainder is
// ignored; the net-quantity accounting in Rebuild still sees it.
func consumeLots(open *[]lot, sell broker.Fill) []ClosedTrade {
	remaining := sell.Qty
	var closed []ClosedTrade
	for remaining > qtyEpsilon && len(*open) > 0 {
		l := &(*open)[0]
		matched := l.qty
		if remaining < matched {
			matched = remaining
		}
		l.qty -= matched
		remaining -= matched

		entry := l.fill.Price
		closed = append(closed, ClosedTrade{
			Trade: Trade{
				Symbol:     sell.Symbol,
				EntryDate:  timeutil.DatePart(l.fill.FilledAt),
				EntryPrice: entry,
				ExitDate:   timeutil.DatePart(sell.FilledAt),
				ExitPrice:  sell.Price,
				Confidence: 0,
				ReturnPct:  percentReturn(entry, sell.Price),
			},
			ExitFillID: sell.FillID,
		})
		if l.qty <= qtyEpsilon {
			*open = (*open)[1:]
		}
	}
	return closed
}

func percentReturn(entry, exit float64) float64 {
	if entry == 0 {
		return 0
	}
	return (exit/entry - 1) * 100
}

// sortFills orders chronologically with the fill id as a tiebreaker so
// rebuilds are deterministic even when two fills share a timestamp.
func sortFills(fills []broker.Fill) {
	sort.SliceStable(fills, func(i, j int) bool {
		if fills[i].FilledAt.Equal(fills[j].FilledAt) {
			return fills[i].FillID < fills[j].FillID
		}
		return fills[i].FilledAt.Before(fills[j].FilledAt)
	})
}
