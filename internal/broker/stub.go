package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Stub is an in-memory paper broker. Market orders fill instantly at the
// last set market price; fills are recorded so reconciliation can replay
// them. Operations a minimal paper broker has no answer for fail loudly
// with ErrUnsupported instead of returning defaults.
type Stub struct {
	mu sync.RWMutex

	equity       float64
	marketPrices map[string]float64
	orders       map[string]*OrderResult
	fills        []Fill
	positions    map[string]*Position

	now func() time.Time
}

// NewStub creates a stub broker with the given starting equity.
func NewStub(equity float64) *Stub {
	log.Info().Float64("equity", equity).Msg("Stub broker initialized (paper trading mode)")
	return &Stub{
		equity:       equity,
		marketPrices: make(map[string]float64),
		orders:       make(map[string]*OrderResult),
		positions:    make(map[string]*Position),
		now:          time.Now,
	}
}

func (s *Stub) Name() string  { return "stub" }
func (s *Stub) IsPaper() bool { return true }

// SetMarketPrice sets the fill price for a symbol.
func (s *Stub) SetMarketPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marketPrices[symbol] = price
}

// SetClock overrides the time source. Tests use this to pin fill timestamps.
func (s *Stub) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SeedFill injects a historical fill without going through order flow.
// Reconciliation tests drive the fill stream this way.
func (s *Stub) SeedFill(f Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordFill(f.Normalize())
}

func (s *Stub) AccountEquity(ctx context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.equity, nil
}

func (s *Stub) BuyingPower(ctx context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.equity, nil
}

func (s *Stub) SubmitMarketOrder(ctx context.Context, intent OrderIntent) (*OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	result := &OrderResult{
		OrderID:    uuid.NewString(),
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Qty:        intent.Qty,
		Status:     OrderStatusPending,
		SubmitTime: now,
	}

	if err := validateIntent(intent); err != nil {
		result.Status = OrderStatusRejected
		result.RejectionReason = err.Error()
		s.orders[result.OrderID] = result
		return copyResult(result), nil
	}

	price, ok := s.marketPrices[intent.Symbol]
	if !ok || price <= 0 {
		result.Status = OrderStatusRejected
		result.RejectionReason = fmt.Sprintf("no market price for %s", intent.Symbol)
		s.orders[result.OrderID] = result
		return copyResult(result), nil
	}

	// Instant full fill at the set price.
	fillAt := now
	result.Status = OrderStatusFilled
	result.FilledQty = intent.Qty
	result.FilledPrice = price
	result.FillTime = &fillAt
	s.orders[result.OrderID] = result

	s.recordFill(Fill{
		FillID:   uuid.NewString(),
		OrderID:  result.OrderID,
		Symbol:   intent.Symbol,
		Qty:      intent.Qty,
		Price:    price,
		FilledAt: fillAt,
		Side:     intent.Side,
	})

	log.Info().
		Str("order_id", result.OrderID).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Float64("qty", intent.Qty).
		Float64("price", price).
		Msg("Stub order filled")

	return copyResult(result), nil
}

func (s *Stub) GetOrderStatus(ctx context.Context, orderID string) (*OrderResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.orders[orderID]
	if !ok {
		return nil, newFatal("stub", "get_order_status", fmt.Errorf("order not found: %s", orderID))
	}
	return copyResult(result), nil
}

func (s *Stub) GetPositions(ctx context.Context) ([]Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Stub) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Stub) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	s.mu.RLock()
	p, ok := s.positions[symbol]
	var qty float64
	if ok {
		qty = p.Qty
	}
	s.mu.RUnlock()

	if !ok || qty <= 0 {
		return nil, newFatal("stub", "close_position", fmt.Errorf("no open position for %s", symbol))
	}
	return s.SubmitMarketOrder(ctx, OrderIntent{
		Symbol:      symbol,
		Qty:         qty,
		Side:        SideSell,
		TimeInForce: TimeInForceDay,
	})
}

// GetMarketHours is unsupported: the stub has no market calendar.
func (s *Stub) GetMarketHours(ctx context.Context, date string) (*MarketHours, error) {
	return nil, newFatal("stub", "get_market_hours", ErrUnsupported)
}

// IsMarketOpen always reports open; the stub trades around the clock.
func (s *Stub) IsMarketOpen(ctx context.Context) (bool, error) {
	return true, nil
}

func (s *Stub) ListFillsSince(ctx context.Context, since time.Time) ([]Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Fill
	for _, f := range s.fills {
		if !f.FilledAt.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

// recordFill appends the fill and folds it into the position book.
// Callers hold the write lock.
func (s *Stub) recordFill(f Fill) {
	s.fills = append(s.fills, f)
	sort.SliceStable(s.fills, func(i, j int) bool { return s.fills[i].FilledAt.Before(s.fills[j].FilledAt) })

	p, ok := s.positions[f.Symbol]
	if !ok {
		p = &Position{Symbol: f.Symbol}
		s.positions[f.Symbol] = p
	}
	switch f.Side {
	case SideBuy:
		total := p.AvgEntryPrice*p.Qty + f.Price*f.Qty
		p.Qty += f.Qty
		if p.Qty > 0 {
			p.AvgEntryPrice = total / p.Qty
		}
	case SideSell:
		p.Qty -= f.Qty
	}
	if p.Qty <= 0 {
		delete(s.positions, f.Symbol)
		return
	}
	if price, ok := s.marketPrices[f.Symbol]; ok {
		p.MarketValue = p.Qty * price
	}
}

func validateIntent(intent OrderIntent) error {
	if intent.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !intent.Side.Valid() {
		return fmt.Errorf("invalid order side: %s", intent.Side)
	}
	if intent.Qty <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	return nil
}

func copyResult(r *OrderResult) *OrderResult {
	cp := *r
	if r.FillTime != nil {
		t := *r.FillTime
		cp.FillTime = &t
	}
	return &cp
}
