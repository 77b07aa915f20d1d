package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rustyeddy/stratlab/broker"
	"github.com/rustyeddy/stratlab/market"
	"github.com/rustyeddy/stratlab/sim"
	"github.com/rustyeddy/stratlab/strategies"
	"github.com/shopspring/decimal"
)

// Fill is where an order was executed. TradeID is empty for local fills.
type Fill struct {
	TradeID string
	Price   decimal.Decimal
	Time    time.Time
}

// Executor turns the engine's orders into fills. bar is the bar being
// processed.
type Executor interface {
	Open(ctx context.Context, req strategies.OrderRequest, bar market.Bar) (Fill, error)
	Close(ctx context.Context, t sim.Trade, bar market.Bar) (Fill, error)
}

// SimulatedExecutor fills at the bar close, paying half the spread on each
// side.
type SimulatedExecutor struct {
	Spread decimal.Decimal
}

var two = decimal.NewFromInt(2)

func (x SimulatedExecutor) price(bar market.Bar, buy bool) decimal.Decimal {
	px := decimal.NewFromFloat(bar.Close)
	half := x.Spread.Div(two)
	if buy {
		return px.Add(half)
	}
	return px.Sub(half)
}

func (x SimulatedExecutor) Open(_ context.Context, req strategies.OrderRequest, bar market.Bar) (Fill, error) {
	return Fill{Price: x.price(bar, req.Long), Time: bar.End()}, nil
}

func (x SimulatedExecutor) Close(_ context.Context, t sim.Trade, bar market.Bar) (Fill, error) {
	return Fill{Price: x.price(bar, !t.Long), Time: bar.End()}, nil
}

// BrokerExecutor forwards orders to a live broker and reports its fills.
type BrokerExecutor struct {
	Router broker.OrderRouter
}

func (x BrokerExecutor) Open(ctx context.Context, req strategies.OrderRequest, _ market.Bar) (Fill, error) {
	units := req.Size
	if !req.Long {
		units = units.Neg()
	}
	f, err := x.Router.MarketOrder(ctx, broker.OrderRequest{
		Instrument: req.Instrument,
		Units:      units,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	})
	if err != nil {
		return Fill{}, fmt.Errorf("route order: %w", err)
	}
	return Fill{TradeID: f.TradeID, Price: f.Price, Time: f.Time}, nil
}

func (x BrokerExecutor) Close(ctx context.Context, t sim.Trade, _ market.Bar) (Fill, error) {
	f, err := x.Router.CloseTrade(ctx, t.ID)
	if err != nil {
		return Fill{}, fmt.Errorf("route close %s: %w", t.ID, err)
	}
	return Fill{TradeID: t.ID, Price: f.Price, Time: f.Time}, nil
}
