package broker

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/atomicio"
)

// NSE cash session, Indian Standard Time.
const (
	nseOpenHour   = 9
	nseOpenMin    = 15
	nseCloseHour  = 15
	nseCloseMin   = 30
	nseTimeZone   = "Asia/Kolkata"
	nseDateLayout = "2006-01-02"
)

// nseSimState is the durable simulator state. Every mutation rewrites the
// whole file atomically, so a crash mid-order leaves either the old state
// or the new one, never a torn mix.
type nseSimState struct {
	Equity float64                 `json:"equity"`
	Prices map[string]float64      `json:"prices"`
	Orders map[string]*OrderResult `json:"orders"`
	Fills  []Fill                  `json:"fills"`
}

// NSESim is a deterministic file-backed simulator for the NSE cash market.
// It persists all state to broker_state.json so restarts replay the exact
// same fill stream, which is what reconciliation tests need.
type NSESim struct {
	mu    sync.Mutex
	path  string
	state *nseSimState
	loc   *time.Location
	now   func() time.Time
}

// NewNSESim loads simulator state from path, initializing a fresh book
// with the given equity when no state file exists yet.
func NewNSESim(path string, equity float64) (*NSESim, error) {
	loc, err := time.LoadLocation(nseTimeZone)
	if err != nil {
		return nil, fmt.Errorf("failed to load NSE timezone: %w", err)
	}

	state := &nseSimState{
		Equity: equity,
		Prices: make(map[string]float64),
		Orders: make(map[string]*OrderResult),
	}
	if err := atomicio.ReadJSON(path, state); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load simulator state: %w", err)
		}
		log.Info().Str("path", path).Float64("equity", equity).Msg("NSE simulator starting with fresh state")
	} else {
		log.Info().Str("path", path).Int("fills", len(state.Fills)).Msg("NSE simulator state loaded")
	}
	if state.Prices == nil {
		state.Prices = make(map[string]float64)
	}
	if state.Orders == nil {
		state.Orders = make(map[string]*OrderResult)
	}

	return &NSESim{path: path, state: state, loc: loc, now: time.Now}, nil
}

func (n *NSESim) Name() string  { return "nsesim" }
func (n *NSESim) IsPaper() bool { return true }

// SetClock overrides the time source for deterministic sessions in tests.
func (n *NSESim) SetClock(now func() time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.now = now
}

// SetMarketPrice sets the fill price for a symbol and persists it.
func (n *NSESim) SetMarketPrice(symbol string, price float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state.Prices[symbol] = price
	return n.persistLocked()
}

// SeedFill records a historical fill directly into the simulator book.
func (n *NSESim) SeedFill(f Fill) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.appendFillLocked(f.Normalize())
	return n.persistLocked()
}

func (n *NSESim) AccountEquity(ctx context.Context) (float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Equity, nil
}

func (n *NSESim) BuyingPower(ctx context.Context) (float64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.Equity, nil
}

func (n *NSESim) SubmitMarketOrder(ctx context.Context, intent OrderIntent) (*OrderResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now().UTC()
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
	} else if !n.sessionOpenAt(n.now()) {
		result.Status = OrderStatusRejected
		result.RejectionReason = "market closed"
	} else if price, ok := n.state.Prices[intent.Symbol]; !ok || price <= 0 {
		result.Status = OrderStatusRejected
		result.RejectionReason = fmt.Sprintf("no market price for %s", intent.Symbol)
	} else {
		fillAt := now
		result.Status = OrderStatusFilled
		result.FilledQty = intent.Qty
		result.FilledPrice = price
		result.FillTime = &fillAt
		n.appendFillLocked(Fill{
			FillID:   uuid.NewString(),
			OrderID:  result.OrderID,
			Symbol:   intent.Symbol,
			Qty:      intent.Qty,
			Price:    price,
			FilledAt: fillAt,
			Side:     intent.Side,
		})
	}

	n.state.Orders[result.OrderID] = result
	if err := n.persistLocked(); err != nil {
		return nil, newFatal("nsesim", "submit_market_order", err)
	}
	return copyResult(result), nil
}

func (n *NSESim) GetOrderStatus(ctx context.Context, orderID string) (*OrderResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	result, ok := n.state.Orders[orderID]
	if !ok {
		return nil, newFatal("nsesim", "get_order_status", fmt.Errorf("order not found: %s", orderID))
	}
	return copyResult(result), nil
}

func (n *NSESim) GetPositions(ctx context.Context) ([]Position, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.positionsLocked(), nil
}

func (n *NSESim) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, p := range n.positionsLocked() {
		if p.Symbol == symbol {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (n *NSESim) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	n.mu.Lock()
	var qty float64
	for _, p := range n.positionsLocked() {
		if p.Symbol == symbol {
			qty = p.Qty
		}
	}
	n.mu.Unlock()

	if qty <= 0 {
		return nil, newFatal("nsesim", "close_position", fmt.Errorf("no open position for %s", symbol))
	}
	return n.SubmitMarketOrder(ctx, OrderIntent{
		Symbol:      symbol,
		Qty:         qty,
		Side:        SideSell,
		TimeInForce: TimeInForceDay,
	})
}

func (n *NSESim) GetMarketHours(ctx context.Context, date string) (*MarketHours, error) {
	day, err := time.ParseInLocation(nseDateLayout, date, n.loc)
	if err != nil {
		return nil, newFatal("nsesim", "get_market_hours", fmt.Errorf("invalid date %q: %w", date, err))
	}
	if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return &MarketHours{Date: date, IsOpen: false}, nil
	}
	open := time.Date(day.Year(), day.Month(), day.Day(), nseOpenHour, nseOpenMin, 0, 0, n.loc)
	close := time.Date(day.Year(), day.Month(), day.Day(), nseCloseHour, nseCloseMin, 0, 0, n.loc)
	return &MarketHours{
		Date:   date,
		IsOpen: true,
		Open:   open.UTC(),
		Close:  close.UTC(),
	}, nil
}

func (n *NSESim) IsMarketOpen(ctx context.Context) (bool, error) {
	return n.sessionOpenAt(n.now()), nil
}

func (n *NSESim) ListFillsSince(ctx context.Context, since time.Time) ([]Fill, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []Fill
	for _, f := range n.state.Fills {
		if !f.FilledAt.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (n *NSESim) sessionOpenAt(t time.Time) bool {
	local := t.In(n.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= nseOpenHour*60+nseOpenMin && minutes < nseCloseHour*60+nseCloseMin
}

func (n *NSESim) positionsLocked() []Position {
	bySymbol := make(map[string]*Position)
	for _, f := range n.state.Fills {
		p, ok := bySymbol[f.Symbol]
		if !ok {
			p = &Position{Symbol: f.Symbol}
			bySymbol[f.Symbol] = p
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
	}

	out := make([]Position, 0, len(bySymbol))
	for _, p := range bySymbol {
		if p.Qty <= 0 {
			continue
		}
		if price, ok := n.state.Prices[p.Symbol]; ok {
			p.MarketValue = p.Qty * price
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (n *NSESim) appendFillLocked(f Fill) {
	n.state.Fills = append(n.state.Fills, f)
	sort.SliceStable(n.state.Fills, func(i, j int) bool {
		return n.state.Fills[i].FilledAt.Before(n.state.Fills[j].FilledAt)
	})
}

func (n *NSESim) persistLocked() error {
	if err := atomicio.WriteJSON(n.path, n.state); err != nil {
		return fmt.Errorf("failed to persist simulator state: %w", err)
	}
	return nil
}
