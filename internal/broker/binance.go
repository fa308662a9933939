package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog/log"
)

// BinanceConfig contains configuration for the Binance spot adapter.
type BinanceConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// Symbols is the watchlist the adapter replays fills for. Binance has
	// no cross-symbol execution feed, so fills are listed per symbol.
	Symbols []string
	Retry   RetryConfig
}

// Binance wraps the spot SDK. Spot only; no futures, no margin.
type Binance struct {
	client  *binance.Client
	cfg     BinanceConfig
	testnet bool

	mu sync.RWMutex
	// orderSymbols remembers which symbol an order was placed for, since
	// Binance order lookups require both symbol and order id.
	orderSymbols map[string]string
}

// NewBinance creates a Binance spot adapter.
func NewBinance(cfg BinanceConfig) (*Binance, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("binance credentials are required")
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance adapter initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("Binance adapter initialized (LIVE TRADING mode)")
	}

	return &Binance{
		client:       client,
		cfg:          cfg,
		testnet:      cfg.Testnet,
		orderSymbols: make(map[string]string),
	}, nil
}

func (b *Binance) Name() string  { return "binance" }
func (b *Binance) IsPaper() bool { return b.testnet }

// wrapBinanceErr classifies SDK errors. The SDK surfaces API failures as
// *common.APIError with the Binance numeric code.
func wrapBinanceErr(op string, err error) error {
	if apiErr, ok := err.(*common.APIError); ok {
		// -1003/-1015 are rate limits, -1001 is an internal error. These
		// retry; everything else is the caller's problem.
		switch apiErr.Code {
		case -1001, -1003, -1015:
			return newTransient("binance", op, err)
		}
		return newFatal("binance", op, err)
	}
	if looksTransient(err) {
		return newTransient("binance", op, err)
	}
	return newFatal("binance", op, err)
}

func (b *Binance) AccountEquity(ctx context.Context) (float64, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, wrapBinanceErr("account_equity", err)
	}

	prices, err := b.client.NewListPricesService().Do(ctx)
	if err != nil {
		return 0, wrapBinanceErr("account_equity", err)
	}
	priceBySymbol := make(map[string]float64, len(prices))
	for _, p := range prices {
		v, perr := strconv.ParseFloat(p.Price, 64)
		if perr == nil {
			priceBySymbol[p.Symbol] = v
		}
	}

	var equity float64
	for _, bal := range acct.Balances {
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		total := free + locked
		if total <= 0 {
			continue
		}
		if bal.Asset == "USDT" {
			equity += total
			continue
		}
		if price, ok := priceBySymbol[bal.Asset+"USDT"]; ok {
			equity += total * price
		}
	}
	return equity, nil
}

func (b *Binance) BuyingPower(ctx context.Context) (float64, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, wrapBinanceErr("buying_power", err)
	}
	for _, bal := range acct.Balances {
		if bal.Asset == "USDT" {
			free, perr := strconv.ParseFloat(bal.Free, 64)
			if perr != nil {
				return 0, newFatal("binance", "buying_power", fmt.Errorf("failed to parse balance %q: %w", bal.Free, perr))
			}
			return free, nil
		}
	}
	return 0, nil
}

func (b *Binance) SubmitMarketOrder(ctx context.Context, intent OrderIntent) (*OrderResult, error) {
	if err := validateIntent(intent); err != nil {
		return nil, newFatal("binance", "submit_market_order", err)
	}
	pair, err := binancePair(intent.Symbol)
	if err != nil {
		return nil, newFatal("binance", "submit_market_order", err)
	}

	side := binance.SideTypeBuy
	if intent.Side == SideSell {
		side = binance.SideTypeSell
	}

	var resp *binance.CreateOrderResponse
	err = withRetry(ctx, b.cfg.Retry, func() error {
		var callErr error
		resp, callErr = b.client.NewCreateOrderService().
			Symbol(pair).
			Side(side).
			Type(binance.OrderTypeMarket).
			Quantity(strconv.FormatFloat(intent.Qty, 'f', -1, 64)).
			Do(ctx)
		if callErr != nil {
			return wrapBinanceErr("submit_market_order", callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	orderID := strconv.FormatInt(resp.OrderID, 10)
	b.mu.Lock()
	b.orderSymbols[orderID] = pair
	b.mu.Unlock()

	log.Info().
		Str("order_id", orderID).
		Str("symbol", intent.Symbol).
		Str("pair", pair).
		Str("side", string(intent.Side)).
		Msg("Order placed on Binance")

	result := &OrderResult{
		OrderID:    orderID,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Qty:        intent.Qty,
		Status:     binanceStatus(resp.Status, resp.ExecutedQuantity),
		SubmitTime: time.UnixMilli(resp.TransactTime).UTC(),
	}
	executed, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	quote, _ := strconv.ParseFloat(resp.CummulativeQuoteQuantity, 64)
	result.FilledQty = executed
	if executed > 0 {
		result.FilledPrice = quote / executed
	}
	if result.Status == OrderStatusFilled {
		t := result.SubmitTime
		result.FillTime = &t
	}
	return result, nil
}

func (b *Binance) GetOrderStatus(ctx context.Context, orderID string) (*OrderResult, error) {
	b.mu.RLock()
	pair, ok := b.orderSymbols[orderID]
	b.mu.RUnlock()
	if !ok {
		return nil, newFatal("binance", "get_order_status", fmt.Errorf("order not found: %s", orderID))
	}
	numericID, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, newFatal("binance", "get_order_status", fmt.Errorf("invalid order id %q: %w", orderID, err))
	}

	var order *binance.Order
	err = withRetry(ctx, b.cfg.Retry, func() error {
		var callErr error
		order, callErr = b.client.NewGetOrderService().Symbol(pair).OrderID(numericID).Do(ctx)
		if callErr != nil {
			return wrapBinanceErr("get_order_status", callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	qty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	executed, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	quote, _ := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)

	result := &OrderResult{
		OrderID:    orderID,
		Symbol:     binanceSymbol(pair),
		Side:       Side(strings.ToLower(string(order.Side))),
		Qty:        qty,
		FilledQty:  executed,
		Status:     binanceStatus(order.Status, order.ExecutedQuantity),
		SubmitTime: time.UnixMilli(order.Time).UTC(),
	}
	if executed > 0 {
		result.FilledPrice = quote / executed
	}
	if result.Status == OrderStatusFilled {
		t := time.UnixMilli(order.UpdateTime).UTC()
		result.FillTime = &t
	}
	return result, nil
}

func (b *Binance) GetPositions(ctx context.Context) ([]Position, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr("get_positions", err)
	}

	var out []Position
	for _, bal := range acct.Balances {
		if bal.Asset == "USDT" {
			continue
		}
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		total := free + locked
		if total <= 0 {
			continue
		}
		out = append(out, Position{
			Symbol: bal.Asset + "-USDT",
			Qty:    total,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (b *Binance) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (b *Binance) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	p, err := b.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Qty <= 0 {
		return nil, newFatal("binance", "close_position", fmt.Errorf("no open position for %s", symbol))
	}
	return b.SubmitMarketOrder(ctx, OrderIntent{
		Symbol:      symbol,
		Qty:         p.Qty,
		Side:        SideSell,
		TimeInForce: TimeInForceIOC,
	})
}

// GetMarketHours reports a full-day session; spot crypto never closes.
func (b *Binance) GetMarketHours(ctx context.Context, date string) (*MarketHours, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, newFatal("binance", "get_market_hours", fmt.Errorf("invalid date %q: %w", date, err))
	}
	return &MarketHours{
		Date:   date,
		IsOpen: true,
		Open:   day,
		Close:  day.Add(24 * time.Hour),
	}, nil
}

func (b *Binance) IsMarketOpen(ctx context.Context) (bool, error) {
	if err := b.client.NewPingService().Do(ctx); err != nil {
		return false, wrapBinanceErr("is_market_open", err)
	}
	return true, nil
}

func (b *Binance) ListFillsSince(ctx context.Context, since time.Time) ([]Fill, error) {
	startMs := since.UTC().UnixMilli()
	var fills []Fill

	for _, symbol := range b.cfg.Symbols {
		pair, err := binancePair(symbol)
		if err != nil {
			return nil, newFatal("binance", "list_fills_since", err)
		}

		var trades []*binance.TradeV3
		err = withRetry(ctx, b.cfg.Retry, func() error {
			var callErr error
			trades, callErr = b.client.NewListTradesService().Symbol(pair).StartTime(startMs).Do(ctx)
			if callErr != nil {
				return wrapBinanceErr("list_fills_since", callErr)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, tr := range trades {
			price, perr := strconv.ParseFloat(tr.Price, 64)
			if perr != nil {
				log.Warn().Int64("trade_id", tr.ID).Str("price", tr.Price).Msg("Skipping Binance trade with bad price")
				continue
			}
			qty, qerr := strconv.ParseFloat(tr.Quantity, 64)
			if qerr != nil {
				log.Warn().Int64("trade_id", tr.ID).Str("qty", tr.Quantity).Msg("Skipping Binance trade with bad quantity")
				continue
			}
			side := SideSell
			if tr.IsBuyer {
				side = SideBuy
			}
			fills = append(fills, Fill{
				// Trade ids are per symbol on Binance; prefix for global identity.
				FillID:   fmt.Sprintf("%s-%d", pair, tr.ID),
				OrderID:  strconv.FormatInt(tr.OrderID, 10),
				Symbol:   symbol,
				Qty:      qty,
				Price:    price,
				FilledAt: time.UnixMilli(tr.Time).UTC(),
				Side:     side,
			})
		}
	}

	sort.Slice(fills, func(i, j int) bool { return fills[i].FilledAt.Before(fills[j].FilledAt) })
	return fills, nil
}

// binanceStatus maps the SDK order status to the adapter state machine.
func binanceStatus(status binance.OrderStatusType, executedQty string) OrderStatus {
	switch status {
	case binance.OrderStatusTypeFilled:
		return OrderStatusFilled
	case binance.OrderStatusTypePartiallyFilled:
		return OrderStatusPartial
	case binance.OrderStatusTypeCanceled:
		return OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return OrderStatusRejected
	case binance.OrderStatusTypeExpired:
		return OrderStatusExpired
	case binance.OrderStatusTypeNew:
		if executed, _ := strconv.ParseFloat(executedQty, 64); executed > 0 {
			return OrderStatusPartial
		}
		return OrderStatusPending
	default:
		return OrderStatusPending
	}
}

// binanceQuotes are the quote assets recognized when splitting a pair back
// into a canonical symbol. Order matters: longest suffix wins.
var binanceQuotes = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

// binancePair converts a canonical "BASE-QUOTE" symbol to Binance's
// concatenated pair.
func binancePair(symbol string) (string, error) {
	base, quote, ok := strings.Cut(symbol, "-")
	if !ok || base == "" || quote == "" {
		return "", fmt.Errorf("unsupported binance symbol: %s", symbol)
	}
	return base + quote, nil
}

// binanceSymbol converts a Binance pair back to canonical "BASE-QUOTE"
// form, or "" when the quote asset is unrecognized.
func binanceSymbol(pair string) string {
	for _, quote := range binanceQuotes {
		if strings.HasSuffix(pair, quote) && len(pair) > len(quote) {
			return pair[:len(pair)-len(quote)] + "-" + quote
		}
	}
	return ""
}
