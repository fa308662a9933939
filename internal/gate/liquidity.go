package gate

import "fmt"

// CheckLiquidity rejects orders too large for the symbol's average daily
// dollar volume. An order sitting exactly at the cap is accepted; only
// strictly exceeding it rejects. Zero or unknown ADV rejects, since an
// unsizeable order is an unsafe order.
func CheckLiquidity(notional, adv, maxADVPct float64) error {
	if adv <= 0 {
		return fmt.Errorf("cannot size order: average daily volume unavailable or zero")
	}
	ratio := notional / adv
	if ratio > maxADVPct {
		return fmt.Errorf("Position too large: notional %.2f is %.4f of ADV %.2f (max %.4f)", notional, ratio, adv, maxADVPct)
	}
	return nil
}
