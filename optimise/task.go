package optimise

import (
	"time"

	"github.com/rustyeddy/stratlab/engine"
	"github.com/rustyeddy/stratlab/strategies"
	"github.com/shopspring/decimal"
)

type State string

const (
	Pending   State = "PENDING"
	Running   State = "RUNNING"
	Completed State = "COMPLETED"
	Failed    State = "FAILED"
)

type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Percent   float64 `json:"percent"`
}

func NewProgress(total, completed, failed int) Progress {
	p := Progress{Total: total, Completed: completed, Failed: failed}
	if total > 0 {
		p.Percent = 100 * float64(completed+failed) / float64(total)
	}
	return p
}

// Summary aggregates a finished task. Best is chosen by net profit among
// the runs that did not fail.
type Summary struct {
	Runs          int               `json:"runs"`
	Completed     int               `json:"completed"`
	Failed        int               `json:"failed"`
	BestRunID     string            `json:"best_run_id,omitempty"`
	BestParams    strategies.Params `json:"best_params,omitempty"`
	BestNetProfit decimal.Decimal   `json:"best_net_profit"`
	MeanProfit    decimal.Decimal   `json:"mean_profit"`
}

type Task struct {
	ID         string    `json:"id"`
	Config     Config    `json:"config"`
	State      State     `json:"state"`
	Progress   Progress  `json:"progress"`
	Summary    *Summary  `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// RunResult is the outcome of one parameter combination.
type RunResult struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	Parameters strategies.Params `json:"parameters"`
	Result     engine.Result     `json:"result"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (r RunResult) Failed() bool { return r.Error != "" }

// Summarize builds the summary of a task from its run results.
func Summarize(results []RunResult) Summary {
	s := Summary{Runs: len(results), BestNetProfit: decimal.Zero, MeanProfit: decimal.Zero}
	total := decimal.Zero
	for _, r := range results {
		if r.Failed() {
			s.Failed++
			continue
		}
		s.Completed++
		total = total.Add(r.Result.NetProfit)
		if s.BestRunID == "" || r.Result.NetProfit.GreaterThan(s.BestNetProfit) {
			s.BestRunID = r.ID
			s.BestParams = r.Parameters
			s.BestNetProfit = r.Result.NetProfit
		}
	}
	if s.Completed > 0 {
		s.MeanProfit = total.Div(decimal.NewFromInt(int64(s.Completed)))
	}
	return s
}
