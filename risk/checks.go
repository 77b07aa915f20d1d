package risk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rustyeddy/stratlab/config"
	"github.com/shopspring/decimal"
)

// ErrRejected marks an entry refused by the risk checks.
var ErrRejected = errors.New("rejected by risk checks")

// Limits bound new entries. A zero limit disables its check.
type Limits struct {
	MaxDailyLossPct    float64
	MaxRiskPerTradePct float64
	MaxOpenTrades      int
}

func LimitsFromConfig(c config.RiskConfig) Limits {
	return Limits{
		MaxDailyLossPct:    c.MaxDailyLossPct,
		MaxRiskPerTradePct: c.MaxRiskPerTradePct,
		MaxOpenTrades:      c.MaxOpenTrades,
	}
}

// Intent is a proposed entry.
type Intent struct {
	Instrument string
	Size       decimal.Decimal
	Long       bool
	Entry      decimal.Decimal
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
}

// PlannedRisk is the loss if the stop is hit; zero without a stop.
func (in Intent) PlannedRisk() decimal.Decimal {
	if !in.StopLoss.Valid {
		return decimal.Zero
	}
	return in.Entry.Sub(in.StopLoss.Decimal).Abs().Mul(in.Size)
}

// AccountState is the part of the account the checks need.
type AccountState struct {
	Equity     decimal.Decimal
	OpenTrades int
}

type Violation struct {
	Code string
	Msg  string
}

type Decision struct {
	Allowed    bool
	Violations []Violation

	PlannedRisk    decimal.Decimal
	PlannedRiskPct float64
	DailyLossPct   float64
}

func (d *Decision) add(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
}

// Err is nil when the entry is allowed and wraps ErrRejected otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	msgs := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		msgs[i] = v.Code + ": " + v.Msg
	}
	return fmt.Errorf("%w: %s", ErrRejected, strings.Join(msgs, "; "))
}

// Evaluate checks intent against the limits. A nil daily skips the daily
// loss check.
func Evaluate(l Limits, in Intent, acct AccountState, daily *DailyEquity) Decision {
	d := Decision{Allowed: true}

	if !in.Size.IsPositive() || !in.Entry.IsPositive() {
		d.add("NO_SIZE_OR_ENTRY", "size and entry must be positive")
		return d
	}

	if l.MaxOpenTrades > 0 && acct.OpenTrades >= l.MaxOpenTrades {
		d.add("TOO_MANY_OPEN_TRADES",
			fmt.Sprintf("open trades %d >= max %d", acct.OpenTrades, l.MaxOpenTrades))
	}

	d.PlannedRisk = in.PlannedRisk()
	if acct.Equity.IsPositive() {
		d.PlannedRiskPct = d.PlannedRisk.Div(acct.Equity).InexactFloat64()
	}
	if l.MaxRiskPerTradePct > 0 && d.PlannedRiskPct > l.MaxRiskPerTradePct {
		d.add("RISK_TOO_HIGH",
			fmt.Sprintf("planned risk %.2f%% exceeds max %.2f%%",
				100*d.PlannedRiskPct, 100*l.MaxRiskPerTradePct))
	}

	if daily != nil && daily.LastEquity.IsPositive() {
		d.DailyLossPct = daily.LastEquity.Sub(acct.Equity).Div(daily.LastEquity).InexactFloat64()
		if l.MaxDailyLossPct > 0 && d.DailyLossPct >= l.MaxDailyLossPct {
			d.add("DAILY_LOSS_LIMIT",
				fmt.Sprintf("down %.2f%% from day start %s, limit %.2f%%",
					100*d.DailyLossPct, daily.LastEquity.StringFixed(2), 100*l.MaxDailyLossPct))
		}
	}
	return d
}
