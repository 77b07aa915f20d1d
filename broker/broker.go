// Package broker defines the market data client contract and the paging
// loop every broker implementation shares.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/stratlab/common"
	"github.com/rustyeddy/stratlab/market"
	"github.com/shopspring/decimal"
)

// ErrTimeout is returned when a single broker call exceeds its deadline. It is
// recoverable: callers may retry the fetch.
var ErrTimeout = fmt.Errorf("%w: broker call timed out", common.ErrDataFetch)

// CandleHandler receives a candle stream. OnCandle returning false stops the
// stream; OnComplete is then never called.
type CandleHandler interface {
	OnCandle(bar market.Bar) bool
	OnComplete()
	OnError(err error)
}

// HandlerFuncs adapts closures to a CandleHandler. Nil funcs are no-ops and a
// nil Candle accepts every bar.
type HandlerFuncs struct {
	Candle   func(market.Bar) bool
	Complete func()
	Error    func(error)
}

func (h HandlerFuncs) OnCandle(b market.Bar) bool {
	if h.Candle == nil {
		return true
	}
	return h.Candle(b)
}

func (h HandlerFuncs) OnComplete() {
	if h.Complete != nil {
		h.Complete()
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// CandleRequest describes a historical window [From, To).
type CandleRequest struct {
	Instrument string
	From       time.Time
	To         time.Time
	Period     time.Duration
}

func (r CandleRequest) String() string {
	return fmt.Sprintf("%s %s [%s, %s)", r.Instrument, r.Period,
		r.From.UTC().Format(time.RFC3339), r.To.UTC().Format(time.RFC3339))
}

// Validate rejects windows that cannot be fetched. now is the reference
// clock; To may not be after it.
func (r CandleRequest) Validate(now time.Time) error {
	switch {
	case r.Instrument == "":
		return fmt.Errorf("%w: missing instrument", common.ErrConfig)
	case r.Period <= 0:
		return fmt.Errorf("%w: period must be positive, got %s", common.ErrConfig, r.Period)
	case !r.From.Before(r.To):
		return fmt.Errorf("%w: from %s is not before to %s", common.ErrConfig,
			r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	case r.To.After(now):
		return fmt.Errorf("%w: to %s is in the future", common.ErrConfig, r.To.Format(time.RFC3339))
	}
	return nil
}

// MarketDataClient streams historical candles through a CandleHandler.
type MarketDataClient interface {
	FetchCandles(ctx context.Context, req CandleRequest, h CandleHandler) error
}

// BatchRequest asks a broker for at most Count candles starting at From.
type BatchRequest struct {
	Instrument string
	From       time.Time
	Count      int
	Period     time.Duration
}

// BatchFetcher is the single-request primitive a broker provides.
type BatchFetcher interface {
	FetchBatch(ctx context.Context, req BatchRequest) ([]market.Bar, error)
	MaxCandles() int
}

// StreamCandles pages through req using f. Invalid requests fail before any
// callback. Every other failure is reported through h.OnError exactly once
// and returned.
func StreamCandles(ctx context.Context, f BatchFetcher, now func() time.Time, req CandleRequest, h CandleHandler) error {
	if now == nil {
		now = time.Now
	}
	if err := req.Validate(now()); err != nil {
		return err
	}
	max := f.MaxCandles()
	if max <= 0 {
		return fmt.Errorf("%w: broker max candles must be positive, got %d", common.ErrConfig, max)
	}

	fail := func(err error) error {
		if !errors.Is(err, common.ErrDataFetch) {
			err = fmt.Errorf("%w: %s: %w", common.ErrDataFetch, req, err)
		}
		h.OnError(err)
		return err
	}

	start := req.From
	for start.Before(req.To) {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		bars, err := f.FetchBatch(ctx, BatchRequest{
			Instrument: req.Instrument,
			From:       start,
			Count:      max,
			Period:     req.Period,
		})
		if err != nil {
			return fail(err)
		}
		if len(bars) == 0 {
			break
		}
		if len(bars) > max {
			return fail(fmt.Errorf("broker returned %d candles, limit %d", len(bars), max))
		}

		last := bars[len(bars)-1]
		next := last.Time.Add(req.Period)
		if !next.After(start) {
			return fail(fmt.Errorf("batch at %s did not advance", start.Format(time.RFC3339)))
		}

		for _, b := range bars {
			if b.Time.Before(start) || !b.Time.Before(req.To) {
				continue
			}
			if !h.OnCandle(b) {
				return nil
			}
		}
		start = next
	}

	h.OnComplete()
	return nil
}

// OrderRequest is a market order forwarded to a live broker.
type OrderRequest struct {
	Instrument string
	Units      decimal.Decimal // positive long, negative short
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
}

type OrderFill struct {
	TradeID string
	Price   decimal.Decimal
	Time    time.Time
}

// OrderRouter places and closes orders with a live broker.
type OrderRouter interface {
	MarketOrder(ctx context.Context, req OrderRequest) (OrderFill, error)
	CloseTrade(ctx context.Context, tradeID string) (OrderFill, error)
}
