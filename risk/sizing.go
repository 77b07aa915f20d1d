package risk

import (
	"github.com/shopspring/decimal"
)

// SizeForRisk returns the whole number of units that loses riskPct of
// equity if price moves from entry to stop. It is zero when entry == stop.
func SizeForRisk(equity decimal.Decimal, riskPct float64, entry, stop decimal.Decimal) decimal.Decimal {
	move := entry.Sub(stop).Abs()
	if move.IsZero() || !equity.IsPositive() || riskPct <= 0 {
		return decimal.Zero
	}
	amount := equity.Mul(decimal.NewFromFloat(riskPct))
	return amount.Div(move).Floor()
}

// RR is the reward to risk ratio of an entry.
func RR(entry, stop, takeProfit decimal.Decimal) float64 {
	risk := entry.Sub(stop).Abs()
	if risk.IsZero() {
		return 0
	}
	return takeProfit.Sub(entry).Abs().Div(risk).InexactFloat64()
}
