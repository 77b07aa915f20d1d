package oanda

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rustyeddy/stratlab/broker"
	"github.com/rustyeddy/stratlab/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarketOrder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/accounts/001-001/orders", r.URL.Path)

		var body struct {
			Order map[string]any `json:"order"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "MARKET", body.Order["type"])
		assert.Equal(t, "-1000", body.Order["units"])
		assert.Equal(t, map[string]any{"price": "1.11"}, body.Order["stopLossOnFill"])
		assert.NotContains(t, body.Order, "takeProfitOnFill")

		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `{"orderFillTransaction":{"id":"7","price":"1.10012",
			"time":"2024-01-01T00:00:00.000000000Z","tradeOpened":{"tradeID":"8"}}}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	fill, err := c.MarketOrder(context.Background(), broker.OrderRequest{
		Instrument: "EUR_USD",
		Units:      decimal.NewFromInt(-1000),
		StopLoss:   decimal.NewNullDecimal(decimal.RequireFromString("1.11")),
	})
	require.NoError(t, err)
	assert.Equal(t, "8", fill.TradeID)
	assert.True(t, fill.Price.Equal(decimal.RequireFromString("1.10012")))
	assert.Equal(t, t0, fill.Time)
}

func TestMarketOrder_CancelledNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprint(w, `{"orderCancelTransaction":{"reason":"MARKET_HALTED"}}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	c.MaxRetries = 3
	_, err := c.MarketOrder(context.Background(), broker.OrderRequest{
		Instrument: "EUR_USD", Units: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MARKET_HALTED")
	assert.Equal(t, int32(1), hits.Load())
}

func TestMarketOrder_RequiresAccount(t *testing.T) {
	t.Parallel()

	c := &Client{Token: "x"}
	_, err := c.MarketOrder(context.Background(), broker.OrderRequest{Instrument: "EUR_USD", Units: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, common.ErrConfig)
	_, err = c.CloseTrade(context.Background(), "1")
	assert.ErrorIs(t, err, common.ErrConfig)
}

func TestCloseTrade(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v3/accounts/001-001/trades/8/close", r.URL.Path)
		_, _ = fmt.Fprint(w, `{"orderFillTransaction":{"id":"9","price":"1.1050","time":"2024-01-01T00:00:00Z"}}`)
	}))
	defer srv.Close()

	fill, err := testClient(t, srv).CloseTrade(context.Background(), "8")
	require.NoError(t, err)
	assert.Equal(t, "8", fill.TradeID)
	assert.Equal(t, "1.105", fill.Price.String())
}
