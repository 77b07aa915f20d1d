package strategies

import (
	"context"

	"github.com/rustyeddy/stratlab/market"
)

// Noop does nothing.
type Noop struct{}

func NewNoop(Params) (Strategy, error) { return Noop{}, nil }

func (Noop) Name() string { return "noop" }

func (Noop) OnBar(ctx context.Context, tc TradeContext, bar market.Bar) error {
	return nil
}
