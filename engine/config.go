package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/stratlab/common"
	"github.com/rustyeddy/stratlab/config"
	"github.com/rustyeddy/stratlab/data"
	"github.com/rustyeddy/stratlab/events"
	"github.com/rustyeddy/stratlab/internal/id"
	"github.com/rustyeddy/stratlab/risk"
	"github.com/rustyeddy/stratlab/strategies"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Mode int

const (
	Backtest Mode = iota
	Live
)

func (m Mode) String() string {
	if m == Live {
		return "live"
	}
	return "backtest"
}

// Speed paces a backtest replay. Instant does not sleep.
type Speed int

const (
	SpeedInstant Speed = iota
	SpeedVeryFast
	SpeedFast
	SpeedNormal
	SpeedSlow
)

var speedNames = []string{"instant", "very_fast", "fast", "normal", "slow"}

func (s Speed) String() string {
	if int(s) >= 0 && int(s) < len(speedNames) {
		return speedNames[s]
	}
	return fmt.Sprintf("Speed(%d)", int(s))
}

// Delay is the pause after each bar.
func (s Speed) Delay() time.Duration {
	switch s {
	case SpeedVeryFast:
		return time.Millisecond
	case SpeedFast:
		return 10 * time.Millisecond
	case SpeedNormal:
		return 100 * time.Millisecond
	case SpeedSlow:
		return time.Second
	}
	return 0
}

func ParseSpeed(s string) (Speed, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return SpeedInstant, nil
	}
	for i, n := range speedNames {
		if n == s {
			return Speed(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown speed %q", common.ErrConfig, s)
}

// Config describes one run.
type Config struct {
	StrategyID  string
	AccountID   string
	Mode        Mode
	Instrument  string
	Period      time.Duration
	From, To    time.Time // [From, To); To may be zero in Live mode
	InitialCash decimal.Decimal
	Spread      decimal.Decimal
	Speed       Speed

	SnapshotEvery   int
	CloseOnComplete bool

	Risk     risk.Limits
	FailOpen bool // allow entries when the day-start equity is unknown
}

// ConfigFrom fills the engine and risk sections of the application config.
// The caller sets the run specific fields.
func ConfigFrom(c *config.Config) (Config, error) {
	speed, err := ParseSpeed(c.Engine.Speed)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Spread:          decimal.NewFromFloat(c.Engine.Spread),
		Speed:           speed,
		SnapshotEvery:   c.Engine.SnapshotEvery,
		CloseOnComplete: c.Engine.CloseOnComplete,
		Risk:            risk.LimitsFromConfig(c.Risk),
		FailOpen:        c.Risk.FailOpen,
	}, nil
}

func (c *Config) normalize() error {
	if c.StrategyID == "" {
		c.StrategyID = id.New()
	}
	if c.AccountID == "" {
		c.AccountID = c.StrategyID
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 10
	}
	switch {
	case c.Instrument == "":
		return fmt.Errorf("%w: engine: missing instrument", common.ErrConfig)
	case c.Period <= 0:
		return fmt.Errorf("%w: engine: period must be positive", common.ErrConfig)
	case !c.InitialCash.IsPositive():
		return fmt.Errorf("%w: engine: initial cash must be positive, got %s", common.ErrConfig, c.InitialCash)
	case c.Spread.IsNegative():
		return fmt.Errorf("%w: engine: negative spread", common.ErrConfig)
	case c.Mode != Backtest && c.Mode != Live:
		return fmt.Errorf("%w: engine: unknown mode %d", common.ErrConfig, c.Mode)
	}
	if c.Mode == Backtest {
		if c.From.IsZero() || c.To.IsZero() || !c.From.Before(c.To) {
			return fmt.Errorf("%w: engine: backtest needs from < to", common.ErrConfig)
		}
	}
	return nil
}

// Deps are the collaborators of an engine. Only Strategy is required.
type Deps struct {
	Strategy strategies.Strategy
	Data     *data.Manager
	Sink     events.Sink
	Risk     risk.Manager
	Executor Executor
	Logger   *zap.Logger
}
