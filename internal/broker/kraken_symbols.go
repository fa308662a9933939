package broker

import "fmt"

// krakenSymbolTable maps canonical symbols to Kraken's three spellings:
// the altname used when placing orders, the REST pair name returned by
// TradesHistory, and the base asset code returned by Balance. The mapping
// must stay bijective per column; the roundtrip test enforces it.
var krakenSymbolTable = []struct {
	canonical string
	altname   string
	restPair  string
	baseAsset string
}{
	{"BTC-USD", "XBTUSD", "XXBTZUSD", "XXBT"},
	{"ETH-USD", "ETHUSD", "XETHZUSD", "XETH"},
	{"LTC-USD", "LTCUSD", "XLTCZUSD", "XLTC"},
	{"XRP-USD", "XRPUSD", "XXRPZUSD", "XXRP"},
	{"DOGE-USD", "XDGUSD", "XDGUSD", "XXDG"},
	{"SOL-USD", "SOLUSD", "SOLUSD", "SOL"},
	{"ADA-USD", "ADAUSD", "ADAUSD", "ADA"},
	{"DOT-USD", "DOTUSD", "DOTUSD", "DOT"},
	{"AVAX-USD", "AVAXUSD", "AVAXUSD", "AVAX"},
	{"LINK-USD", "LINKUSD", "LINKUSD", "LINK"},
}

// krakenPair converts a canonical symbol to the altname Kraken accepts in
// AddOrder. Unknown symbols are an error, never a guess.
func krakenPair(symbol string) (string, error) {
	for _, row := range krakenSymbolTable {
		if row.canonical == symbol {
			return row.altname, nil
		}
	}
	return "", fmt.Errorf("unsupported kraken symbol: %s", symbol)
}

// krakenSymbolFromAlt converts an order-description pair (altname) back to
// the canonical symbol, or "" when unknown.
func krakenSymbolFromAlt(alt string) string {
	for _, row := range krakenSymbolTable {
		if row.altname == alt {
			return row.canonical
		}
	}
	return ""
}

// krakenSymbolFromPair converts a REST pair name (as returned by
// TradesHistory) back to the canonical symbol, or "" when unknown.
// Kraken sometimes reports the altname here too, so both are accepted.
func krakenSymbolFromPair(pair string) string {
	for _, row := range krakenSymbolTable {
		if row.restPair == pair || row.altname == pair {
			return row.canonical
		}
	}
	return ""
}

// krakenAssetSymbol converts a balance asset code to the canonical USD
// symbol it trades under. Quote currencies and unknown assets report
// false.
func krakenAssetSymbol(asset string) (string, bool) {
	for _, row := range krakenSymbolTable {
		if row.baseAsset == asset {
			return row.canonical, true
		}
	}
	return "", false
}
