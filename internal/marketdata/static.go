package marketdata

import (
	"context"
	"fmt"
	"sync"
)

// Static is a fixture-backed provider implementing every contract in this
// package. Paper scopes and tests wire it with canned data; anything not
// seeded returns a not-found error rather than a silent zero.
type Static struct {
	mu sync.RWMutex

	bars           map[string][]Bar
	adv            map[string]float64
	atr            map[string][2]float64
	annualizedVol  map[string]float64
	marketVerdicts map[string]Verdict
	symbolVerdicts map[string]Verdict
	peerRegimes    map[string]string
	blackouts      map[string]bool // "<symbol>:<date>"
}

// NewStatic creates an empty fixture provider.
func NewStatic() *Static {
	return &Static{
		bars:           make(map[string][]Bar),
		adv:            make(map[string]float64),
		atr:            make(map[string][2]float64),
		annualizedVol:  make(map[string]float64),
		marketVerdicts: make(map[string]Verdict),
		symbolVerdicts: make(map[string]Verdict),
		peerRegimes:    make(map[string]string),
		blackouts:      make(map[string]bool),
	}
}

func (s *Static) SetBars(symbol string, bars []Bar) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[symbol] = bars
	return s
}

func (s *Static) SetADV(symbol string, adv float64) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adv[symbol] = adv
	return s
}

func (s *Static) SetATR(symbol string, current, median float64) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.atr[symbol] = [2]float64{current, median}
	return s
}

func (s *Static) SetAnnualizedVol(symbol string, vol float64) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annualizedVol[symbol] = vol
	return s
}

func (s *Static) SetMarketVerdict(market string, v Verdict) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marketVerdicts[market] = v
	return s
}

func (s *Static) SetSymbolVerdict(symbol string, v Verdict) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbolVerdicts[symbol] = v
	return s
}

func (s *Static) SetPeerRegime(symbol, regime string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerRegimes[symbol] = regime
	return s
}

func (s *Static) SetBlackout(symbol, date string, in bool) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blackouts[symbol+":"+date] = in
	return s
}

func (s *Static) DailyBars(_ context.Context, symbol string, n int) ([]Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars, ok := s.bars[symbol]
	if !ok {
		return nil, fmt.Errorf("no bars for %s", symbol)
	}
	if n > 0 && len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]Bar, len(bars))
	copy(out, bars)
	return out, nil
}

func (s *Static) AvgDailyDollarVolume(_ context.Context, symbol string, _ int) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adv, ok := s.adv[symbol]
	if !ok {
		return 0, fmt.Errorf("no liquidity data for %s", symbol)
	}
	return adv, nil
}

func (s *Static) ATR(_ context.Context, symbol string) (float64, float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.atr[symbol]
	if !ok {
		return 0, 0, fmt.Errorf("no ATR data for %s", symbol)
	}
	return v[0], v[1], nil
}

func (s *Static) AnnualizedVol(_ context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.annualizedVol[symbol]
	if !ok {
		return 0, fmt.Errorf("no volatility data for %s", symbol)
	}
	return v, nil
}

func (s *Static) MarketVerdict(_ context.Context, market string) (*Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.marketVerdicts[market]
	if !ok {
		return nil, fmt.Errorf("no market verdict for %s", market)
	}
	cp := v
	return &cp, nil
}

func (s *Static) SymbolVerdict(_ context.Context, symbol string) (*Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.symbolVerdicts[symbol]
	if !ok {
		return nil, fmt.Errorf("no symbol verdict for %s", symbol)
	}
	cp := v
	return &cp, nil
}

func (s *Static) PeerRegime(_ context.Context, symbol string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerRegimes[symbol], nil
}

func (s *Static) InBlackout(_ context.Context, symbol string, date string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.blackouts[symbol+":"+date]
	if !ok {
		return false, nil
	}
	return in, nil
}
