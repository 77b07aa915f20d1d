package oanda

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rustyeddy/stratlab/broker"
	"github.com/rustyeddy/stratlab/common"
	"github.com/shopspring/decimal"
)

var _ broker.OrderRouter = (*Client)(nil)

type priceLevel struct {
	Price string `json:"price"`
}

type marketOrder struct {
	Type         string      `json:"type"`
	Instrument   string      `json:"instrument"`
	Units        string      `json:"units"`
	TimeInForce  string      `json:"timeInForce"`
	PositionFill string      `json:"positionFill"`
	StopLoss     *priceLevel `json:"stopLossOnFill,omitempty"`
	TakeProfit   *priceLevel `json:"takeProfitOnFill,omitempty"`
}

type fillTransaction struct {
	ID          string `json:"id"`
	Price       string `json:"price"`
	Time        string `json:"time"`
	TradeOpened *struct {
		TradeID string `json:"tradeID"`
	} `json:"tradeOpened,omitempty"`
}

type orderResp struct {
	Fill   *fillTransaction `json:"orderFillTransaction,omitempty"`
	Cancel *struct {
		Reason string `json:"reason"`
	} `json:"orderCancelTransaction,omitempty"`
}

// MarketOrder places a fill-or-kill market order. Orders are not retried.
func (c *Client) MarketOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderFill, error) {
	if c.AccountID == "" {
		return broker.OrderFill{}, fmt.Errorf("%w: oanda: missing account id", common.ErrConfig)
	}
	if req.Instrument == "" || req.Units.IsZero() {
		return broker.OrderFill{}, fmt.Errorf("%w: oanda: order needs instrument and units", common.ErrConfig)
	}

	o := marketOrder{
		Type:         "MARKET",
		Instrument:   req.Instrument,
		Units:        req.Units.String(),
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}
	if req.StopLoss.Valid {
		o.StopLoss = &priceLevel{Price: req.StopLoss.Decimal.String()}
	}
	if req.TakeProfit.Valid {
		o.TakeProfit = &priceLevel{Price: req.TakeProfit.Decimal.String()}
	}
	body, err := json.Marshal(map[string]any{"order": o})
	if err != nil {
		return broker.OrderFill{}, err
	}

	path := "/v3/accounts/" + url.PathEscape(c.AccountID) + "/orders"
	resp, err := c.send(ctx, http.MethodPost, path, body)
	if err != nil {
		return broker.OrderFill{}, err
	}
	fill, err := parseFill(resp)
	if err != nil {
		return broker.OrderFill{}, fmt.Errorf("oanda: order %s %s: %w", req.Instrument, req.Units, err)
	}
	return fill, nil
}

// CloseTrade closes all units of an open trade at market.
func (c *Client) CloseTrade(ctx context.Context, tradeID string) (broker.OrderFill, error) {
	if c.AccountID == "" {
		return broker.OrderFill{}, fmt.Errorf("%w: oanda: missing account id", common.ErrConfig)
	}
	path := "/v3/accounts/" + url.PathEscape(c.AccountID) + "/trades/" + url.PathEscape(tradeID) + "/close"
	resp, err := c.send(ctx, http.MethodPut, path, []byte(`{"units":"ALL"}`))
	if err != nil {
		return broker.OrderFill{}, err
	}
	fill, err := parseFill(resp)
	if err != nil {
		return broker.OrderFill{}, fmt.Errorf("oanda: close trade %s: %w", tradeID, err)
	}
	fill.TradeID = tradeID
	return fill, nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if c.Token == "" {
		return nil, fmt.Errorf("%w: oanda: missing token", common.ErrConfig)
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	b, err := c.do(ctx, method, path, nil, body)
	if err != nil {
		return nil, fmt.Errorf("oanda %s %s: %w", method, path, err)
	}
	return b, nil
}

func parseFill(b []byte) (broker.OrderFill, error) {
	var r orderResp
	if err := json.Unmarshal(b, &r); err != nil {
		return broker.OrderFill{}, fmt.Errorf("decode response: %w", err)
	}
	if r.Fill == nil {
		if r.Cancel != nil {
			return broker.OrderFill{}, fmt.Errorf("cancelled: %s", r.Cancel.Reason)
		}
		return broker.OrderFill{}, fmt.Errorf("no fill in response")
	}
	px, err := decimal.NewFromString(r.Fill.Price)
	if err != nil {
		return broker.OrderFill{}, fmt.Errorf("bad fill price %q: %w", r.Fill.Price, err)
	}
	at, err := time.Parse(time.RFC3339Nano, r.Fill.Time)
	if err != nil {
		return broker.OrderFill{}, fmt.Errorf("bad fill time %q: %w", r.Fill.Time, err)
	}
	fill := broker.OrderFill{TradeID: r.Fill.ID, Price: px, Time: at.UTC()}
	if r.Fill.TradeOpened != nil && r.Fill.TradeOpened.TradeID != "" {
		fill.TradeID = r.Fill.TradeOpened.TradeID
	}
	return fill, nil
}
