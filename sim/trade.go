package sim

import (
	"time"

	"github.com/shopspring/decimal"
)

// Close reasons.
const (
	ReasonStopLoss   = "STOP_LOSS"
	ReasonTakeProfit = "TAKE_PROFIT"
	ReasonStrategy   = "STRATEGY"
	ReasonEndOfRun   = "END_OF_RUN"
)

// Trade is one position. While open, Profit holds the last unrealized mark;
// once closed it holds the realized profit and the trade no longer changes.
type Trade struct {
	ID         string              `json:"id"`
	Instrument string              `json:"instrument"`
	Size       decimal.Decimal     `json:"size"` // units, always positive
	Long       bool                `json:"long"`
	OpenTime   time.Time           `json:"open_time"`
	OpenPrice  decimal.Decimal     `json:"open_price"`
	StopLoss   decimal.NullDecimal `json:"stop_loss"`
	TakeProfit decimal.NullDecimal `json:"take_profit"`

	Closed      bool            `json:"closed"`
	CloseTime   time.Time       `json:"close_time,omitempty"`
	ClosePrice  decimal.Decimal `json:"close_price"`
	Profit      decimal.Decimal `json:"profit"`
	CloseReason string          `json:"close_reason,omitempty"`
}

// PL returns the profit of the trade if it were closed at price.
func (t Trade) PL(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(t.OpenPrice)
	if !t.Long {
		diff = diff.Neg()
	}
	return diff.Mul(t.Size)
}

// Risk is the loss taken if the stop loss is hit, zero without one.
func (t Trade) Risk() decimal.Decimal {
	if !t.StopLoss.Valid {
		return decimal.Zero
	}
	return t.PL(t.StopLoss.Decimal).Neg()
}

// exitLevel reports where a bar with the given range closes the trade.
// The stop is checked first when a bar spans both levels.
func (t Trade) exitLevel(open, high, low decimal.Decimal) (decimal.Decimal, string, bool) {
	if t.Long {
		if t.StopLoss.Valid && low.LessThanOrEqual(t.StopLoss.Decimal) {
			return gapFill(open, t.StopLoss.Decimal, true), ReasonStopLoss, true
		}
		if t.TakeProfit.Valid && high.GreaterThanOrEqual(t.TakeProfit.Decimal) {
			return gapFill(open, t.TakeProfit.Decimal, false), ReasonTakeProfit, true
		}
		return decimal.Zero, "", false
	}
	if t.StopLoss.Valid && high.GreaterThanOrEqual(t.StopLoss.Decimal) {
		return gapFill(open, t.StopLoss.Decimal, false), ReasonStopLoss, true
	}
	if t.TakeProfit.Valid && low.LessThanOrEqual(t.TakeProfit.Decimal) {
		return gapFill(open, t.TakeProfit.Decimal, true), ReasonTakeProfit, true
	}
	return decimal.Zero, "", false
}

// gapFill fills at the open when the bar gapped through the level.
func gapFill(open, level decimal.Decimal, below bool) decimal.Decimal {
	if below && open.LessThan(level) {
		return open
	}
	if !below && open.GreaterThan(level) {
		return open
	}
	return level
}
