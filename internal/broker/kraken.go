package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const krakenBaseURL = "https://api.kraken.com"

// KrakenConfig contains configuration for the Kraken adapter.
type KrakenConfig struct {
	APIKey    string
	APISecret string
	// BaseURL overrides the production endpoint; tests point it at a local server.
	BaseURL     string
	HTTPTimeout time.Duration
	Retry       RetryConfig
}

// Kraken talks to the Kraken spot REST API. Spot only: position views are
// derived from asset balances, and there are no margin calls anywhere.
type Kraken struct {
	cfg    KrakenConfig
	base   string
	client *http.Client
	now    func() time.Time
}

// NewKraken creates a Kraken adapter. Kraken has no paper endpoint, so the
// adapter always reports live and the factory refuses to build it for
// paper scopes.
func NewKraken(cfg KrakenConfig) (*Kraken, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("kraken credentials are required")
	}
	if _, err := base64.StdEncoding.DecodeString(cfg.APISecret); err != nil {
		return nil, fmt.Errorf("kraken api secret must be base64: %w", err)
	}
	base := cfg.BaseURL
	if base == "" {
		base = krakenBaseURL
	}
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	log.Warn().Msg("Kraken adapter initialized (LIVE TRADING mode)")

	return &Kraken{
		cfg:    cfg,
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}, nil
}

func (k *Kraken) Name() string  { return "kraken" }
func (k *Kraken) IsPaper() bool { return false }

type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// call performs one signed (or public) request and decodes result into out.
func (k *Kraken) call(ctx context.Context, op, path string, params url.Values, out any) error {
	return withRetry(ctx, k.cfg.Retry, func() error {
		return k.callOnce(ctx, op, path, params, out)
	})
}

func (k *Kraken) callOnce(ctx context.Context, op, path string, params url.Values, out any) error {
	var req *http.Request
	var err error

	if strings.HasPrefix(path, "/0/private/") {
		if params == nil {
			params = url.Values{}
		}
		nonce := strconv.FormatInt(k.now().UnixNano(), 10)
		params.Set("nonce", nonce)
		body := params.Encode()

		req, err = http.NewRequestWithContext(ctx, http.MethodPost, k.base+path, strings.NewReader(body))
		if err != nil {
			return newFatal("kraken", op, err)
		}
		sig, sigErr := krakenSign(path, nonce, body, k.cfg.APISecret)
		if sigErr != nil {
			return newFatal("kraken", op, sigErr)
		}
		req.Header.Set("API-Key", k.cfg.APIKey)
		req.Header.Set("API-Sign", sig)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		target := k.base + path
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return newFatal("kraken", op, err)
		}
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return newTransient("kraken", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return newTransient("kraken", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return classifyHTTP("kraken", op, resp.StatusCode,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var env krakenEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return newFatal("kraken", op, fmt.Errorf("failed to decode response: %w", err))
	}
	if len(env.Error) > 0 {
		apiErr := fmt.Errorf("kraken api error: %s", strings.Join(env.Error, "; "))
		if krakenErrTransient(env.Error) {
			return newTransient("kraken", op, apiErr)
		}
		return newFatal("kraken", op, apiErr)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return newFatal("kraken", op, fmt.Errorf("failed to decode result: %w", err))
		}
	}
	return nil
}

// krakenSign computes API-Sign: HMAC-SHA512(path + SHA256(nonce + body))
// keyed with the base64-decoded secret.
func krakenSign(path, nonce, body, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to decode secret: %w", err)
	}
	inner := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// krakenErrTransient classifies Kraken error codes. Rate limits and
// service outages retry; everything else is fatal for the call.
func krakenErrTransient(errs []string) bool {
	for _, e := range errs {
		if strings.HasPrefix(e, "EService:") ||
			strings.Contains(e, "Rate limit") ||
			strings.Contains(e, "Temporary lockout") {
			return true
		}
	}
	return false
}

func (k *Kraken) AccountEquity(ctx context.Context) (float64, error) {
	var result struct {
		EquivalentBalance string `json:"eb"`
	}
	params := url.Values{"asset": {"ZUSD"}}
	if err := k.call(ctx, "account_equity", "/0/private/TradeBalance", params, &result); err != nil {
		return 0, err
	}
	return parseKrakenFloat(result.EquivalentBalance)
}

func (k *Kraken) BuyingPower(ctx context.Context) (float64, error) {
	var result map[string]string
	if err := k.call(ctx, "buying_power", "/0/private/Balance", nil, &result); err != nil {
		return 0, err
	}
	return parseKrakenFloat(result["ZUSD"])
}

func (k *Kraken) SubmitMarketOrder(ctx context.Context, intent OrderIntent) (*OrderResult, error) {
	if err := validateIntent(intent); err != nil {
		return nil, newFatal("kraken", "submit_market_order", err)
	}
	pair, err := krakenPair(intent.Symbol)
	if err != nil {
		return nil, newFatal("kraken", "submit_market_order", err)
	}

	params := url.Values{
		"pair":      {pair},
		"type":      {string(intent.Side)},
		"ordertype": {"market"},
		"volume":    {strconv.FormatFloat(intent.Qty, 'f', -1, 64)},
	}
	var result struct {
		TxIDs []string `json:"txid"`
	}
	if err := k.call(ctx, "submit_market_order", "/0/private/AddOrder", params, &result); err != nil {
		return nil, err
	}
	if len(result.TxIDs) == 0 {
		return nil, newFatal("kraken", "submit_market_order", fmt.Errorf("no txid in AddOrder response"))
	}

	orderID := result.TxIDs[0]
	log.Info().
		Str("order_id", orderID).
		Str("symbol", intent.Symbol).
		Str("pair", pair).
		Str("side", string(intent.Side)).
		Msg("Order placed on Kraken")

	return &OrderResult{
		OrderID:    orderID,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Qty:        intent.Qty,
		Status:     OrderStatusPending,
		SubmitTime: k.now().UTC(),
	}, nil
}

type krakenOrderInfo struct {
	Status  string `json:"status"`
	Descr   struct {
		Pair string `json:"pair"`
		Type string `json:"type"`
	} `json:"descr"`
	Volume     string  `json:"vol"`
	VolumeExec string  `json:"vol_exec"`
	Price      string  `json:"price"`
	OpenTime   float64 `json:"opentm"`
	CloseTime  float64 `json:"closetm"`
}

func (k *Kraken) GetOrderStatus(ctx context.Context, orderID string) (*OrderResult, error) {
	params := url.Values{"txid": {orderID}}
	var result map[string]krakenOrderInfo
	if err := k.call(ctx, "get_order_status", "/0/private/QueryOrders", params, &result); err != nil {
		return nil, err
	}
	info, ok := result[orderID]
	if !ok {
		return nil, newFatal("kraken", "get_order_status", fmt.Errorf("order not found: %s", orderID))
	}

	qty, _ := parseKrakenFloat(info.Volume)
	filledQty, _ := parseKrakenFloat(info.VolumeExec)
	filledPrice, _ := parseKrakenFloat(info.Price)

	out := &OrderResult{
		OrderID:     orderID,
		Symbol:      krakenSymbolFromAlt(info.Descr.Pair),
		Side:        Side(info.Descr.Type),
		Qty:         qty,
		FilledQty:   filledQty,
		FilledPrice: filledPrice,
		SubmitTime:  krakenTime(info.OpenTime),
	}
	switch info.Status {
	case "closed":
		out.Status = OrderStatusFilled
		t := krakenTime(info.CloseTime)
		out.FillTime = &t
	case "canceled":
		out.Status = OrderStatusCancelled
	case "expired":
		out.Status = OrderStatusExpired
	case "open":
		if filledQty > 0 {
			out.Status = OrderStatusPartial
		} else {
			out.Status = OrderStatusPending
		}
	default:
		out.Status = OrderStatusPending
	}
	return out, nil
}

func (k *Kraken) GetPositions(ctx context.Context) ([]Position, error) {
	var balances map[string]string
	if err := k.call(ctx, "get_positions", "/0/private/Balance", nil, &balances); err != nil {
		return nil, err
	}

	var out []Position
	for asset, amount := range balances {
		qty, err := parseKrakenFloat(amount)
		if err != nil || qty <= 0 {
			continue
		}
		symbol, ok := krakenAssetSymbol(asset)
		if !ok {
			continue
		}
		out = append(out, Position{Symbol: symbol, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (k *Kraken) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	positions, err := k.GetPositions(ctx)
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

func (k *Kraken) ClosePosition(ctx context.Context, symbol string) (*OrderResult, error) {
	p, err := k.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Qty <= 0 {
		return nil, newFatal("kraken", "close_position", fmt.Errorf("no open position for %s", symbol))
	}
	return k.SubmitMarketOrder(ctx, OrderIntent{
		Symbol:      symbol,
		Qty:         p.Qty,
		Side:        SideSell,
		TimeInForce: TimeInForceIOC,
	})
}

// GetMarketHours reports a full-day session; crypto trades around the clock.
func (k *Kraken) GetMarketHours(ctx context.Context, date string) (*MarketHours, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, newFatal("kraken", "get_market_hours", fmt.Errorf("invalid date %q: %w", date, err))
	}
	return &MarketHours{
		Date:   date,
		IsOpen: true,
		Open:   day,
		Close:  day.Add(24 * time.Hour),
	}, nil
}

// IsMarketOpen consults the exchange system status; "online" means orders
// are accepted.
func (k *Kraken) IsMarketOpen(ctx context.Context) (bool, error) {
	var result struct {
		Status string `json:"status"`
	}
	if err := k.call(ctx, "is_market_open", "/0/public/SystemStatus", nil, &result); err != nil {
		return false, err
	}
	return result.Status == "online", nil
}

func (k *Kraken) ListFillsSince(ctx context.Context, since time.Time) ([]Fill, error) {
	params := url.Values{
		"start": {strconv.FormatFloat(float64(since.Unix()), 'f', -1, 64)},
		"trades": {"true"},
	}
	var result struct {
		Trades map[string]struct {
			OrderTxID string  `json:"ordertxid"`
			Pair      string  `json:"pair"`
			Time      float64 `json:"time"`
			Type      string  `json:"type"`
			Price     string  `json:"price"`
			Volume    string  `json:"vol"`
		} `json:"trades"`
	}
	if err := k.call(ctx, "list_fills_since", "/0/private/TradesHistory", params, &result); err != nil {
		return nil, err
	}

	fills := make([]Fill, 0, len(result.Trades))
	for id, tr := range result.Trades {
		price, err := parseKrakenFloat(tr.Price)
		if err != nil {
			log.Warn().Str("trade_id", id).Str("price", tr.Price).Msg("Skipping Kraken trade with bad price")
			continue
		}
		qty, err := parseKrakenFloat(tr.Volume)
		if err != nil {
			log.Warn().Str("trade_id", id).Str("vol", tr.Volume).Msg("Skipping Kraken trade with bad volume")
			continue
		}
		symbol := krakenSymbolFromPair(tr.Pair)
		if symbol == "" {
			log.Warn().Str("trade_id", id).Str("pair", tr.Pair).Msg("Skipping Kraken trade with unknown pair")
			continue
		}
		fills = append(fills, Fill{
			FillID:   id,
			OrderID:  tr.OrderTxID,
			Symbol:   symbol,
			Qty:      qty,
			Price:    price,
			FilledAt: krakenTime(tr.Time),
			Side:     Side(tr.Type),
		})
	}
	sort.Slice(fills, func(i, j int) bool { return fills[i].FilledAt.Before(fills[j].FilledAt) })
	return fills, nil
}

func parseKrakenFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse kraken number %q: %w", s, err)
	}
	return v, nil
}

func krakenTime(unix float64) time.Time {
	sec := int64(unix)
	nsec := int64((unix - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
