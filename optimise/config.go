// Package optimise expands a strategy's parameter ranges into concrete runs
// and schedules them as independent backtests.
package optimise

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rustyeddy/stratlab/common"
	"github.com/rustyeddy/stratlab/market"
	"github.com/rustyeddy/stratlab/strategies"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedPeriod rejects any bar period but one day.
var ErrUnsupportedPeriod = fmt.Errorf("%w: unsupported period", common.ErrConfig)

// SupportedPeriod is the only bar period optimisations run on.
const SupportedPeriod = 24 * time.Hour

const (
	// DefaultMaxRuns caps Config.Expand when no cap is given.
	DefaultMaxRuns = 10_000

	// MaxRangeValues bounds the values a single range may produce.
	MaxRangeValues = 1_000_000
)

// ParameterRange is one strategy parameter. A selected range is swept over
// Values when given, otherwise from Start to End inclusive by Step. An
// unselected one contributes Fixed, or Start when Fixed is unset.
type ParameterRange struct {
	Name     string    `json:"name" yaml:"name"`
	Start    float64   `json:"start" yaml:"start"`
	End      float64   `json:"end" yaml:"end"`
	Step     float64   `json:"step" yaml:"step"`
	Values   []float64 `json:"values,omitempty" yaml:"values,omitempty"`
	Fixed    *float64  `json:"fixed,omitempty" yaml:"fixed,omitempty"`
	Selected bool      `json:"selected" yaml:"selected"`
}

func (r ParameterRange) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: parameter range without name", common.ErrConfig)
	}
	if !r.Selected {
		return nil
	}
	if len(r.Values) > 0 {
		if len(r.Values) > MaxRangeValues {
			return fmt.Errorf("%w: parameter %s: %d values, limit %d", common.ErrConfig, r.Name, len(r.Values), MaxRangeValues)
		}
		for _, v := range r.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: parameter %s: bad value %g", common.ErrConfig, r.Name, v)
			}
		}
		return nil
	}
	switch {
	case math.IsNaN(r.Start) || math.IsNaN(r.End) || math.IsNaN(r.Step):
		return fmt.Errorf("%w: parameter %s: NaN bound", common.ErrConfig, r.Name)
	case math.IsInf(r.Start, 0) || math.IsInf(r.End, 0) || math.IsInf(r.Step, 0):
		return fmt.Errorf("%w: parameter %s: infinite bound", common.ErrConfig, r.Name)
	case r.Step <= 0:
		return fmt.Errorf("%w: parameter %s: step must be positive", common.ErrConfig, r.Name)
	case r.End < r.Start:
		return fmt.Errorf("%w: parameter %s: end %g before start %g", common.ErrConfig, r.Name, r.End, r.Start)
	}
	if n := r.steps(); n.GreaterThan(decimal.NewFromInt(MaxRangeValues)) {
		return fmt.Errorf("%w: parameter %s: %s values, limit %d", common.ErrConfig, r.Name, n, MaxRangeValues)
	}
	return nil
}

// steps is floor((end-start)/step)+1 for a selected start/end/step range.
func (r ParameterRange) steps() decimal.Decimal {
	start := decimal.NewFromFloat(r.Start)
	end := decimal.NewFromFloat(r.End)
	step := decimal.NewFromFloat(r.Step)
	return end.Sub(start).Div(step).Floor().Add(decimal.NewFromInt(1))
}

// Count returns how many values Expand yields without enumerating them.
func (r ParameterRange) Count() (int, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	switch {
	case !r.Selected:
		return 1, nil
	case len(r.Values) > 0:
		return len(r.Values), nil
	}
	return int(r.steps().IntPart()), nil
}

// Expand enumerates the values of the range. Steps are added in decimal so
// 0.1 increments do not drift.
func (r ParameterRange) Expand() ([]float64, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if !r.Selected {
		if r.Fixed != nil {
			return []float64{*r.Fixed}, nil
		}
		return []float64{r.Start}, nil
	}
	if len(r.Values) > 0 {
		return append([]float64(nil), r.Values...), nil
	}

	start := decimal.NewFromFloat(r.Start)
	end := decimal.NewFromFloat(r.End)
	step := decimal.NewFromFloat(r.Step)

	var out []float64
	for v := start; v.LessThanOrEqual(end); v = v.Add(step) {
		out = append(out, v.InexactFloat64())
	}
	return out, nil
}

// Config is an optimisation submission.
type Config struct {
	Strategy    string           `json:"strategy" yaml:"strategy"`
	Instrument  string           `json:"instrument" yaml:"instrument"`
	Period      string           `json:"period" yaml:"period"` // e.g. D, 24h
	From        time.Time        `json:"from" yaml:"from"`
	To          time.Time        `json:"to" yaml:"to"`
	InitialCash float64          `json:"initial_cash" yaml:"initial_cash"`
	Spread      float64          `json:"spread" yaml:"spread"`
	Speed       string           `json:"speed,omitempty" yaml:"speed,omitempty"`
	Parameters  []ParameterRange `json:"parameters" yaml:"parameters"`
}

func (c Config) PeriodDuration() (time.Duration, error) {
	p, err := market.ParsePeriod(c.Period)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrUnsupportedPeriod, c.Period, err)
	}
	if p != SupportedPeriod {
		return 0, fmt.Errorf("%w: %q, only D is supported", ErrUnsupportedPeriod, c.Period)
	}
	return p, nil
}

// Validate checks the submission. reg may be nil to skip the strategy
// lookup.
func (c Config) Validate(now time.Time, reg *strategies.Registry) error {
	if _, err := c.PeriodDuration(); err != nil {
		return err
	}
	switch {
	case c.Strategy == "":
		return fmt.Errorf("%w: missing strategy", common.ErrConfig)
	case reg != nil && !reg.Has(c.Strategy):
		return fmt.Errorf("%w: unknown strategy %q", common.ErrConfig, c.Strategy)
	case c.Instrument == "":
		return fmt.Errorf("%w: missing instrument", common.ErrConfig)
	case c.InitialCash <= 0:
		return fmt.Errorf("%w: initial cash must be positive", common.ErrConfig)
	case c.Spread < 0:
		return fmt.Errorf("%w: negative spread", common.ErrConfig)
	case c.From.IsZero() || c.To.IsZero() || !c.From.Before(c.To):
		return fmt.Errorf("%w: need from < to", common.ErrConfig)
	case c.To.After(now):
		return fmt.Errorf("%w: to %s is in the future", common.ErrConfig, c.To.Format(time.RFC3339))
	}

	seen := make(map[string]bool, len(c.Parameters))
	var errs error
	for _, r := range c.Parameters {
		if seen[r.Name] {
			errs = multierr.Append(errs, fmt.Errorf("%w: duplicate parameter %q", common.ErrConfig, r.Name))
		}
		seen[r.Name] = true
		errs = multierr.Append(errs, r.Validate())
	}
	return errs
}

// Expand returns the Cartesian product of every range's values, first range
// varying slowest. More than maxRuns combinations is a configuration error
// raised before any value is built; maxRuns <= 0 means DefaultMaxRuns.
func (c Config) Expand(maxRuns int) ([]strategies.Params, error) {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	total := 1
	for _, r := range c.Parameters {
		n, err := r.Count()
		if err != nil {
			return nil, err
		}
		if n > maxRuns/total {
			return nil, fmt.Errorf("%w: parameter sweep exceeds %d runs", common.ErrConfig, maxRuns)
		}
		total *= n
	}

	values := make([][]float64, len(c.Parameters))
	for i, r := range c.Parameters {
		v, err := r.Expand()
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	runs := make([]strategies.Params, 0, total)
	idx := make([]int, len(values))
	for {
		p := make(strategies.Params, len(values))
		for i, r := range c.Parameters {
			p[r.Name] = values[i][idx[i]]
		}
		runs = append(runs, p)

		k := len(idx) - 1
		for ; k >= 0; k-- {
			idx[k]++
			if idx[k] < len(values[k]) {
				break
			}
			idx[k] = 0
		}
		if k < 0 {
			return runs, nil
		}
	}
}

// LoadConfigFile parses a YAML submission.
func LoadConfigFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read submission: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("%w: parse submission %s: %v", common.ErrConfig, path, err)
	}
	return c, nil
}
