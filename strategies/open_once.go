package strategies

import (
	"context"
	"errors"
	"fmt"

	"github.com/rustyeddy/stratlab/market"
	"github.com/rustyeddy/stratlab/risk"
	"github.com/shopspring/decimal"
)

// OpenOnce opens a single position on the first bar it is allowed to and
// then holds it.
//
// Params: size (units, default 1000), long (1 or 0, default 1).
type OpenOnce struct {
	Size   decimal.Decimal
	Long   bool
	opened bool
}

func NewOpenOnce(p Params) (Strategy, error) {
	size := p.Float("size", 1000)
	if size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %g", size)
	}
	return &OpenOnce{Size: decimal.NewFromFloat(size), Long: p.Bool("long", true)}, nil
}

func (s *OpenOnce) Name() string { return "open-once" }

func (s *OpenOnce) OnBar(ctx context.Context, tc TradeContext, bar market.Bar) error {
	if s.opened {
		return nil
	}
	_, err := tc.Open(ctx, OrderRequest{Instrument: bar.Instrument, Size: s.Size, Long: s.Long})
	if errors.Is(err, risk.ErrRejected) {
		return nil
	}
	if err != nil {
		return err
	}
	s.opened = true
	return nil
}
