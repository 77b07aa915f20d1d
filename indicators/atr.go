package indicators

import (
	"fmt"
	"math"

	"github.com/rustyeddy/stratlab/market"
)

// ATR is a streaming Average True Range with Wilder smoothing.
type ATR struct {
	period    int
	count     int
	warmupSum float64
	atr       float64
	prevClose float64
	hasPrev   bool
}

func NewATR(period int) *ATR {
	if period <= 0 {
		period = 1
	}
	return &ATR{period: period}
}

func (a *ATR) Name() string { return fmt.Sprintf("ATR(%d)", a.period) }

// Warmup is period+1: the first bar only provides a previous close.
func (a *ATR) Warmup() int { return a.period + 1 }

func (a *ATR) Ready() bool { return a.count >= a.period }

func (a *ATR) Reset() {
	*a = ATR{period: a.period}
}

func (a *ATR) Update(b market.Bar) {
	if !a.hasPrev {
		a.prevClose = b.Close
		a.hasPrev = true
		return
	}
	tr := math.Max(b.High-b.Low, math.Max(math.Abs(b.High-a.prevClose), math.Abs(b.Low-a.prevClose)))
	a.prevClose = b.Close

	a.count++
	switch {
	case a.count < a.period:
		a.warmupSum += tr
	case a.count == a.period:
		a.warmupSum += tr
		a.atr = a.warmupSum / float64(a.period)
	default:
		a.atr = (a.atr*float64(a.period-1) + tr) / float64(a.period)
	}
}

func (a *ATR) Value() float64 {
	if !a.Ready() {
		return 0
	}
	return a.atr
}
