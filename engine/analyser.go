package engine

import (
	"fmt"
	"io"
	"time"

	"github.com/rustyeddy/stratlab/market"
	"github.com/rustyeddy/stratlab/sim"
	"github.com/shopspring/decimal"
)

// Result summarizes a backtest.
type Result struct {
	StrategyID string        `json:"strategy_id"`
	Strategy   string        `json:"strategy"`
	Instrument string        `json:"instrument"`
	Period     time.Duration `json:"period"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Bars       int           `json:"bars"`

	InitialBalance decimal.Decimal `json:"initial_balance"`
	FinalBalance   decimal.Decimal `json:"final_balance"`
	FinalEquity    decimal.Decimal `json:"final_equity"`

	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	WinRate float64 `json:"win_rate"` // percent

	NetProfit    decimal.Decimal `json:"net_profit"`
	GrossProfit  decimal.Decimal `json:"gross_profit"`
	GrossLoss    decimal.Decimal `json:"gross_loss"` // positive
	ReturnPct    float64         `json:"return_pct"`
	ProfitFactor float64         `json:"profit_factor"` // 0 when there are no losses
	MaxDDPct     float64         `json:"max_drawdown_pct"`
}

// Analyser tracks the equity curve of a run for the drawdown figure.
type Analyser struct {
	initial decimal.Decimal
	peak    float64
	maxDD   float64
	samples int
}

func NewAnalyser(initial decimal.Decimal) *Analyser {
	return &Analyser{initial: initial, peak: initial.InexactFloat64()}
}

func (a *Analyser) Observe(_ time.Time, equity decimal.Decimal) {
	eq := equity.InexactFloat64()
	a.samples++
	if eq > a.peak {
		a.peak = eq
		return
	}
	if a.peak > 0 {
		if dd := (a.peak - eq) / a.peak * 100; dd > a.maxDD {
			a.maxDD = dd
		}
	}
}

func (a *Analyser) MaxDrawdownPct() float64 { return a.maxDD }

// Result computes the trade statistics from the closed trades and the final
// account.
func (a *Analyser) Result(closed []sim.Trade, acct sim.Account) Result {
	r := Result{
		InitialBalance: a.initial,
		FinalBalance:   acct.Balance,
		FinalEquity:    acct.Equity,
		Trades:         len(closed),
		GrossProfit:    decimal.Zero,
		GrossLoss:      decimal.Zero,
		MaxDDPct:       a.maxDD,
	}
	for _, t := range closed {
		switch {
		case t.Profit.IsPositive():
			r.Wins++
			r.GrossProfit = r.GrossProfit.Add(t.Profit)
		case t.Profit.IsNegative():
			r.Losses++
			r.GrossLoss = r.GrossLoss.Add(t.Profit.Abs())
		}
	}
	if r.Trades > 0 {
		r.WinRate = 100 * float64(r.Wins) / float64(r.Trades)
	}
	r.NetProfit = acct.Equity.Sub(a.initial)
	if a.initial.IsPositive() {
		r.ReturnPct = r.NetProfit.Div(a.initial).InexactFloat64() * 100
	}
	if r.GrossLoss.IsPositive() {
		r.ProfitFactor = r.GrossProfit.Div(r.GrossLoss).InexactFloat64()
	}
	return r
}

func PrintResult(w io.Writer, r Result) {
	fmt.Fprintln(w, "==================================================")
	fmt.Fprintln(w, " Backtest Result")
	fmt.Fprintln(w, "==================================================")

	fmt.Fprintf(w, "Run ID:        %s\n", r.StrategyID)
	fmt.Fprintf(w, "Strategy:      %s\n", r.Strategy)
	fmt.Fprintf(w, "Instrument:    %s\n", r.Instrument)
	if tf, err := market.PeriodString(r.Period); err == nil {
		fmt.Fprintf(w, "Timeframe:     %s\n", tf)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Period")
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Start:         %s\n", r.Start.Format(time.RFC3339))
	fmt.Fprintf(w, "End:           %s\n", r.End.Format(time.RFC3339))
	fmt.Fprintf(w, "Bars:          %d\n", r.Bars)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Trade Statistics")
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Trades:        %d\n", r.Trades)
	fmt.Fprintf(w, "Wins:          %d\n", r.Wins)
	fmt.Fprintf(w, "Losses:        %d\n", r.Losses)
	fmt.Fprintf(w, "Win Rate:      %.2f%%\n", r.WinRate)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Account Performance")
	fmt.Fprintln(w, "--------------------------------------------------")
	fmt.Fprintf(w, "Start Balance: %s\n", r.InitialBalance.StringFixed(2))
	fmt.Fprintf(w, "End Balance:   %s\n", r.FinalBalance.StringFixed(2))
	fmt.Fprintf(w, "End Equity:    %s\n", r.FinalEquity.StringFixed(2))
	fmt.Fprintf(w, "Net P/L:       %s\n", r.NetProfit.StringFixed(2))
	fmt.Fprintf(w, "Return:        %.2f%%\n", r.ReturnPct)

	if r.ProfitFactor > 0 {
		fmt.Fprintf(w, "Profit Factor: %.2f\n", r.ProfitFactor)
	}
	if r.MaxDDPct > 0 {
		fmt.Fprintf(w, "Max Drawdown:  %.2f%%\n", r.MaxDDPct)
	}
	fmt.Fprintln(w)
}
