package strategies

import (
	"context"
	"errors"
	"fmt"

	"github.com/rustyeddy/stratlab/indicators"
	"github.com/rustyeddy/stratlab/market"
	"github.com/rustyeddy/stratlab/risk"
	"github.com/rustyeddy/stratlab/sim"
	"github.com/shopspring/decimal"
)

// EMACross trades a fast/slow EMA crossover.
//   - Enters only on a cross
//   - Reverses on the opposite cross (close then open)
//   - Sizes with risk.SizeForRisk from a fixed stop distance in pips
//
// Params: fast (10), slow (30), risk_pct (0.005), stop_pips (20), rr (2),
// pip (0.0001).
type EMACross struct {
	FastPeriod int
	SlowPeriod int
	RiskPct    float64
	StopPips   float64
	RR         float64
	Pip        float64

	fast *indicators.EMA
	slow *indicators.EMA

	lastDiff     float64
	haveLastDiff bool

	openTradeID string
	openLong    bool
}

func NewEMACross(p Params) (Strategy, error) {
	s := &EMACross{
		FastPeriod: p.Int("fast", 10),
		SlowPeriod: p.Int("slow", 30),
		RiskPct:    p.Float("risk_pct", 0.005),
		StopPips:   p.Float("stop_pips", 20),
		RR:         p.Float("rr", 2),
		Pip:        p.Float("pip", 0.0001),
	}
	switch {
	case s.FastPeriod <= 0 || s.SlowPeriod <= 0:
		return nil, fmt.Errorf("periods must be positive (fast=%d slow=%d)", s.FastPeriod, s.SlowPeriod)
	case s.FastPeriod >= s.SlowPeriod:
		return nil, fmt.Errorf("fast period %d must be below slow %d", s.FastPeriod, s.SlowPeriod)
	case s.RiskPct <= 0 || s.StopPips <= 0 || s.Pip <= 0:
		return nil, fmt.Errorf("risk_pct, stop_pips and pip must be positive")
	}
	if s.RR <= 0 {
		s.RR = 2
	}
	s.fast = indicators.NewEMA(s.FastPeriod)
	s.slow = indicators.NewEMA(s.SlowPeriod)
	return s, nil
}

func (s *EMACross) Name() string { return "ema-cross" }

func (s *EMACross) Indicators() map[string]float64 {
	return indicators.Snapshot(s.fast, s.slow)
}

func (s *EMACross) OnBar(ctx context.Context, tc TradeContext, bar market.Bar) error {
	s.fast.Update(bar)
	s.slow.Update(bar)
	if !s.fast.Ready() || !s.slow.Ready() {
		return nil
	}

	diff := s.fast.Value() - s.slow.Value()
	if !s.haveLastDiff {
		s.lastDiff = diff
		s.haveLastDiff = true
		return nil
	}

	bullCross := diff > 0 && s.lastDiff <= 0
	bearCross := diff < 0 && s.lastDiff >= 0
	s.lastDiff = diff

	switch {
	case bullCross:
		return s.onSignal(ctx, tc, bar, true)
	case bearCross:
		return s.onSignal(ctx, tc, bar, false)
	}
	return nil
}

// syncOpenState forgets a trade the engine already closed at its stop or
// take profit.
func (s *EMACross) syncOpenState(tc TradeContext) {
	if s.openTradeID == "" {
		return
	}
	for _, t := range tc.OpenTrades() {
		if t.ID == s.openTradeID {
			return
		}
	}
	s.openTradeID = ""
}

func (s *EMACross) onSignal(ctx context.Context, tc TradeContext, bar market.Bar, long bool) error {
	s.syncOpenState(tc)

	if s.openTradeID != "" {
		if s.openLong == long {
			return nil
		}
		_, err := tc.Close(ctx, s.openTradeID, "REVERSE")
		if err != nil && !errors.Is(err, sim.ErrTradeClosed) && !errors.Is(err, sim.ErrTradeNotFound) {
			return err
		}
		s.openTradeID = ""
	}

	entry := decimal.NewFromFloat(bar.Close)
	dist := decimal.NewFromFloat(s.StopPips * s.Pip)
	reward := dist.Mul(decimal.NewFromFloat(s.RR))

	stop, tp := entry.Sub(dist), entry.Add(reward)
	if !long {
		stop, tp = entry.Add(dist), entry.Sub(reward)
	}

	size := risk.SizeForRisk(tc.Account().Equity, s.RiskPct, entry, stop)
	if !size.IsPositive() {
		return nil
	}

	t, err := tc.Open(ctx, OrderRequest{
		Instrument: bar.Instrument,
		Size:       size,
		Long:       long,
		StopLoss:   decimal.NewNullDecimal(stop),
		TakeProfit: decimal.NewNullDecimal(tp),
	})
	if errors.Is(err, risk.ErrRejected) {
		return nil
	}
	if err != nil {
		return err
	}
	s.openTradeID = t.ID
	s.openLong = long
	return nil
}
