package broker

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKrakenSecret = base64.StdEncoding.EncodeToString([]byte("test-secret"))

func newTestKraken(t *testing.T, handler http.Handler) *Kraken {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	k, err := NewKraken(KrakenConfig{
		APIKey:    "test-key",
		APISecret: testKrakenSecret,
		BaseURL:   server.URL,
		Retry:     RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1},
	})
	require.NoError(t, err)
	return k
}

func TestKrakenSymbolRoundtrip(t *testing.T) {
	// The mapping must be bijective: canonical -> altname -> canonical and
	// canonical -> REST pair -> canonical both roundtrip for every row.
	for _, row := range krakenSymbolTable {
		alt, err := krakenPair(row.canonical)
		require.NoError(t, err)
		assert.Equal(t, row.canonical, krakenSymbolFromAlt(alt), "altname roundtrip for %s", row.canonical)
		assert.Equal(t, row.canonical, krakenSymbolFromPair(row.restPair), "pair roundtrip for %s", row.canonical)

		symbol, ok := krakenAssetSymbol(row.baseAsset)
		require.True(t, ok)
		assert.Equal(t, row.canonical, symbol)
	}

	_, err := krakenPair("SHIB-USD")
	assert.Error(t, err)
	assert.Empty(t, krakenSymbolFromPair("MYSTERYPAIR"))
}

func TestKrakenSignsPrivateRequests(t *testing.T) {
	var gotKey, gotSign, gotNonce string

	mux := http.NewServeMux()
	mux.HandleFunc("/0/private/Balance", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("API-Key")
		gotSign = r.Header.Get("API-Sign")
		require.NoError(t, r.ParseForm())
		gotNonce = r.PostForm.Get("nonce")

		expected, err := krakenSign("/0/private/Balance", gotNonce, r.PostForm.Encode(), testKrakenSecret)
		require.NoError(t, err)
		assert.Equal(t, expected, gotSign)

		w.Write([]byte(`{"error":[],"result":{"ZUSD":"1234.5678","XXBT":"0.5"}}`))
	})

	k := newTestKraken(t, mux)
	power, err := k.BuyingPower(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1234.5678, power)
	assert.Equal(t, "test-key", gotKey)
	assert.NotEmpty(t, gotNonce)
}

func TestKrakenSubmitMarketOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/0/private/AddOrder", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "XBTUSD", r.PostForm.Get("pair"))
		assert.Equal(t, "buy", r.PostForm.Get("type"))
		assert.Equal(t, "market", r.PostForm.Get("ordertype"))
		assert.Equal(t, "0.5", r.PostForm.Get("volume"))
		w.Write([]byte(`{"error":[],"result":{"txid":["OABC12-DEF34-GHI56"],"descr":{"order":"buy 0.5 XBTUSD @ market"}}}`))
	})

	k := newTestKraken(t, mux)
	result, err := k.SubmitMarketOrder(context.Background(), OrderIntent{
		Symbol: "BTC-USD",
		Qty:    0.5,
		Side:   SideBuy,
	})
	require.NoError(t, err)
	assert.Equal(t, "OABC12-DEF34-GHI56", result.OrderID)
	assert.Equal(t, OrderStatusPending, result.Status)
	assert.Equal(t, "BTC-USD", result.Symbol)
}

func TestKrakenGetOrderStatusFilled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/0/private/QueryOrders", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":[],"result":{"OABC12-DEF34-GHI56":{
			"status":"closed",
			"descr":{"pair":"XBTUSD","type":"buy"},
			"vol":"0.5","vol_exec":"0.5","price":"97000.1",
			"opentm":1770324955.123,"closetm":1770324956.5}}}`))
	})

	k := newTestKraken(t, mux)
	result, err := k.GetOrderStatus(context.Background(), "OABC12-DEF34-GHI56")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, result.Status)
	assert.Equal(t, "BTC-USD", result.Symbol)
	assert.Equal(t, SideBuy, result.Side)
	assert.Equal(t, 0.5, result.FilledQty)
	assert.Equal(t, 97000.1, result.FilledPrice)
	require.NotNil(t, result.FillTime)
	assert.Equal(t, time.UTC, result.FillTime.Location())
}

func TestKrakenListFillsSince(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/0/private/TradesHistory", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":[],"result":{"trades":{
			"T2": {"ordertxid":"O2","pair":"XXBTZUSD","time":1770328555.0,"type":"sell","price":"97500.0","vol":"0.2"},
			"T1": {"ordertxid":"O1","pair":"XXBTZUSD","time":1770324955.0,"type":"buy","price":"97000.0","vol":"0.5"},
			"TBAD": {"ordertxid":"O3","pair":"UNKNOWNPAIR","time":1770328556.0,"type":"buy","price":"1.0","vol":"1.0"}
		},"count":3}}`))
	})

	k := newTestKraken(t, mux)
	fills, err := k.ListFillsSince(context.Background(), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, fills, 2, "unknown pairs are skipped, not fatal")

	assert.Equal(t, "T1", fills[0].FillID)
	assert.Equal(t, "O1", fills[0].OrderID)
	assert.Equal(t, "BTC-USD", fills[0].Symbol)
	assert.Equal(t, SideBuy, fills[0].Side)
	assert.Equal(t, 0.5, fills[0].Qty)
	assert.True(t, fills[0].FilledAt.Before(fills[1].FilledAt), "fills sorted chronologically")
	assert.Equal(t, time.UTC, fills[0].FilledAt.Location())
}

func TestKrakenErrorClassification(t *testing.T) {
	t.Run("api error is fatal", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/0/private/AddOrder", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error":["EOrder:Insufficient funds"],"result":null}`))
		})
		k := newTestKraken(t, mux)
		_, err := k.SubmitMarketOrder(context.Background(), OrderIntent{Symbol: "BTC-USD", Qty: 1, Side: SideBuy})
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	})

	t.Run("service unavailable is transient", func(t *testing.T) {
		calls := 0
		mux := http.NewServeMux()
		mux.HandleFunc("/0/private/Balance", func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Write([]byte(`{"error":["EService:Unavailable"],"result":null}`))
		})
		k := newTestKraken(t, mux)
		_, err := k.BuyingPower(context.Background())
		require.Error(t, err)
		assert.Greater(t, calls, 1, "transient errors retry")
	})

	t.Run("http 500 is transient", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/0/public/SystemStatus", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
		k := newTestKraken(t, mux)
		_, err := k.IsMarketOpen(context.Background())
		require.Error(t, err)
	})
}

func TestKrakenIsMarketOpen(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/0/public/SystemStatus", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":[],"result":{"status":"online","timestamp":"2026-02-05T20:55:55Z"}}`))
	})

	k := newTestKraken(t, mux)
	open, err := k.IsMarketOpen(context.Background())
	require.NoError(t, err)
	assert.True(t, open)
}

func TestKrakenRequiresCredentials(t *testing.T) {
	_, err := NewKraken(KrakenConfig{})
	assert.Error(t, err)

	_, err = NewKraken(KrakenConfig{APIKey: "k", APISecret: "not base64!!"})
	assert.Error(t, err)
}
