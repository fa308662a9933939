package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	alpacaPaperURL = "https://paper-api.alpaca.markets"
	alpacaLiveURL  = "https://api.alpaca.markets"
)

// AlpacaConfig contains configuration for the Alpaca adapter.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	Paper     bool
	// BaseURL overrides host selection; tests point it at a local server.
	BaseURL string
}

// Alpaca wraps the official v3 SDK for US equities. Fills come from the
// account activities feed, which is the only replayable execution record
// Alpaca exposes.
type Alpaca struct {
	client *alpaca.Client
	paper  bool
	nyse   *time.Location
}

// NewAlpaca creates an Alpaca adapter against the paper or live host.
func NewAlpaca(cfg AlpacaConfig) (*Alpaca, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("alpaca credentials are required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Paper {
			baseURL = alpacaPaperURL
		} else {
			baseURL = alpacaLiveURL
		}
	}
	nyse, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange timezone: %w", err)
	}

	if cfg.Paper {
		log.Info().Str("base_url", baseURL).Msg("Alpaca adapter initialized (paper trading mode)")
	} else {
		log.Warn().Str("base_url", baseURL).Msg("Alpaca adapter initialized (LIVE TRADING mode)")
	}

	return &Alpaca{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   baseURL,
		}),
		paper: cfg.Paper,
		nyse:  nyse,
	}, nil
}

func (a *Alpaca) Name() string  { return "alpaca" }
func (a *Alpaca) IsPaper() bool { return a.paper }

// wrapAlpacaErr classifies SDK errors by HTTP status where available.
func wrapAlpacaErr(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return classifyHTTP("alpaca", op, apiErr.StatusCode, err)
	}
	if looksTransient(err) {
		return newTransient("alpaca", op, err)
	}
	return newFatal("alpaca", op, err)
}

func (a *Alpaca) AccountEquity(ctx context.Context) (float64, error) {
	acct, err := a.client.GetAccount()
	if err != nil {
		return 0, wrapAlpacaErr("account_equity", err)
	}
	return acct.Equity.InexactFloat64(), nil
}

func (a *Alpaca) BuyingPower(ctx context.Context) (float64, error) {
	acct, err := a.client.GetAccount()
	if err != nil {
		return 0, wrapAlpacaErr("buying_power", err)
	}
	return acct.BuyingPower.InexactFloat64(), nil
}

func (a *Alpaca) SubmitMarketOrder(ctx context.Context, intent OrderIntent) (*OrderResult, error) {
	if err := validateIntent(intent); err != nil {
		return nil, newFatal("alpaca", "submit_market_order", err)
	}

	side := alpaca.Buy
	if intent.Side == SideSell {
		side = alpaca.Sell
	}
	tif := alpaca.Day
	switch intent.TimeInForce {
	case TimeInForceGTC:
		tif = alpaca.GTC
	case TimeInForceIOC:
		tif = alpaca.IOC
	}

	qty := decimal.NewFromFloat(intent.Qty)
	order, err := a.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      intent.Symbol,
		Qty:         &qty,
		Side:        side,
		Type:        alpaca.Market,
		TimeInForce: tif,
	})
	if err != nil {
		return nil, wrapAlpacaErr("submit_market_order", err)
	}

	log.Info().
		Str("order_id", order.ID).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Float64("qty", intent.Qty).
		Msg("Order placed on Alpaca")

	return alpacaOrderResult(order), nil
}

func (a *Alpaca) GetOrderStatus(ctx context.Context, orderID string) (*OrderResult, error) {
	order, err := a.client.GetOrder(orderID)
	if err != nil {
		return nil, wrapAlpacaErr("get_order_status", err)
	}
	return alpacaOrderResult(order), nil
}

func (a *Alpaca) GetPositions(ctx context.Context) ([]Position, error) {
	positions, err := a.client.GetPositions()
	if err != nil {
		return nil, wrapAlpacaErr("get_positions", err)
	}
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, alpacaPosition(p))
	}
	return out, nil
}

func (a *Alpaca) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	p, err := a.client.GetPosition(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, wrapAlpacaErr("get_position", err)
	}
	pos := alpacaPosition(*p)
	return &pos, nil
}

func (a *Alpaca) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	order, err := a.client.ClosePosition(symbol, alpaca.ClosePositionRequest{})
	if err != nil {
		return nil, wrapAlpacaErr("close_position", err)
	}
	return alpacaOrderResult(order), nil
}

func (a *Alpaca) GetMarketHours(ctx context.Context, date string) (*MarketHours, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, newFatal("alpaca", "get_market_hours", fmt.Errorf("invalid date %q: %w", date, err))
	}
	days, err := a.client.GetCalendar(alpaca.GetCalendarRequest{Start: day, End: day})
	if err != nil {
		return nil, wrapAlpacaErr("get_market_hours", err)
	}
	for _, cal := range days {
		if cal.Date != date {
			continue
		}
		open, openErr := time.ParseInLocation("2006-01-02 15:04", date+" "+cal.Open, a.nyse)
		closeAt, closeErr := time.ParseInLocation("2006-01-02 15:04", date+" "+cal.Close, a.nyse)
		if openErr != nil || closeErr != nil {
			return nil, newFatal("alpaca", "get_market_hours",
				fmt.Errorf("failed to parse session times %q-%q", cal.Open, cal.Close))
		}
		return &MarketHours{
			Date:   date,
			IsOpen: true,
			Open:   open.UTC(),
			Close:  closeAt.UTC(),
		}, nil
	}
	// Date absent from the calendar means a holiday or weekend.
	return &MarketHours{Date: date, IsOpen: false}, nil
}

func (a *Alpaca) IsMarketOpen(ctx context.Context) (bool, error) {
	clock, err := a.client.GetClock()
	if err != nil {
		return false, wrapAlpacaErr("is_market_open", err)
	}
	return clock.IsOpen, nil
}

func (a *Alpaca) ListFillsSince(ctx context.Context, since time.Time) ([]Fill, error) {
	activities, err := a.client.GetAccountActivities(alpaca.GetAccountActivitiesRequest{
		ActivityTypes: []string{"FILL"},
		After:         since.UTC(),
		Direction:     "asc",
	})
	if err != nil {
		return nil, wrapAlpacaErr("list_fills_since", err)
	}

	fills := make([]Fill, 0, len(activities))
	for _, act := range activities {
		side := Side(act.Side)
		if !side.Valid() {
			log.Warn().Str("activity_id", act.ID).Str("side", act.Side).Msg("Skipping Alpaca fill with unknown side")
			continue
		}
		fills = append(fills, Fill{
			FillID:   act.ID,
			OrderID:  act.OrderID,
			Symbol:   act.Symbol,
			Qty:      act.Qty.InexactFloat64(),
			Price:    act.Price.InexactFloat64(),
			FilledAt: act.TransactionTime.UTC(),
			Side:     side,
		})
	}
	return fills, nil
}

func alpacaOrderResult(order *alpaca.Order) *OrderResult {
	out := &OrderResult{
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       Side(order.Side),
		FilledQty:  order.FilledQty.InexactFloat64(),
		SubmitTime: order.SubmittedAt.UTC(),
	}
	if order.Qty != nil {
		out.Qty = order.Qty.InexactFloat64()
	}
	if order.FilledAvgPrice != nil {
		out.FilledPrice = order.FilledAvgPrice.InexactFloat64()
	}
	if order.FilledAt != nil {
		t := order.FilledAt.UTC()
		out.FillTime = &t
	}

	switch order.Status {
	case "filled":
		out.Status = OrderStatusFilled
	case "partially_filled":
		out.Status = OrderStatusPartial
	case "canceled", "pending_cancel", "done_for_day":
		out.Status = OrderStatusCancelled
	case "expired":
		out.Status = OrderStatusExpired
	case "rejected", "stopped", "suspended":
		out.Status = OrderStatusRejected
	default:
		// new, accepted, pending_new, calculated, accepted_for_bidding
		out.Status = OrderStatusPending
	}
	return out
}

func alpacaPosition(p alpaca.Position) Position {
	out := Position{
		Symbol:        p.Symbol,
		Qty:           p.Qty.InexactFloat64(),
		AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
	}
	if p.MarketValue != nil {
		out.MarketValue = p.MarketValue.InexactFloat64()
	}
	return out
}
