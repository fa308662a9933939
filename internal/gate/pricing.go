package gate

import (
	"github.com/quarterdeck-io/quarterdeck/internal/marketdata"
)

// SelectEntryPrice picks the reference entry price for a signal fired on
// signalDate (YYYY-MM-DD). With useNextOpen the entry is the following
// bar's open; if that bar has not printed yet there is no entry price and
// ok is false. Without useNextOpen the entry is the signal bar's close,
// an explicit opt-in to same-day semantics. The returned date is the bar
// date the price came from.
func SelectEntryPrice(bars []marketdata.Bar, signalDate string, useNextOpen bool) (price float64, date string, ok bool) {
	i := barIndex(bars, signalDate)
	if i < 0 {
		return 0, "", false
	}
	if !useNextOpen {
		return bars[i].Close, bars[i].Date, true
	}
	if i+1 >= len(bars) {
		return 0, "", false
	}
	return bars[i+1].Open, bars[i+1].Date, true
}

// SelectExitPrice mirrors SelectEntryPrice for exits: next bar's open
// under useNextOpen, same bar's close otherwise. One consistent rule for
// both sides of a trade.
func SelectExitPrice(bars []marketdata.Bar, signalDate string, useNextOpen bool) (price float64, date string, ok bool) {
	i := barIndex(bars, signalDate)
	if i < 0 {
		return 0, "", false
	}
	if !useNextOpen {
		return bars[i].Close, bars[i].Date, true
	}
	if i+1 >= len(bars) {
		return 0, "", false
	}
	return bars[i+1].Open, bars[i+1].Date, true
}

func barIndex(bars []marketdata.Bar, date string) int {
	for i, b := range bars {
		if b.Date == date {
			return i
		}
	}
	return -1
}

// EntrySlippage degrades an entry price against the buyer. The realistic
// price is always >= the idealized one.
func EntrySlippage(price, bps float64) float64 {
	return price * (1 + bps/10_000)
}

// ExitSlippage degrades an exit price against the seller. The realistic
// price is always <= the idealized one.
func ExitSlippage(price, bps float64) float64 {
	return price * (1 - bps/10_000)
}
