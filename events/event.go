// Package events carries what the engine reports about a run to any number
// of listeners without the engine waiting on them.
package events

import (
	"time"

	"github.com/rustyeddy/stratlab/market"
	"github.com/rustyeddy/stratlab/sim"
)

type Kind string

const (
	KindProgress   Kind = "progress"
	KindAccount    Kind = "account"
	KindTrades     Kind = "trades"
	KindIndicators Kind = "indicators"
	KindLogs       Kind = "logs"
	KindBarSeries  Kind = "bar_series"
)

// Event is immutable once published. Payload is one of the payload types
// below, matching Kind.
type Event struct {
	Kind       Kind      `json:"kind"`
	StrategyID string    `json:"strategy_id"`
	Instrument string    `json:"instrument,omitempty"`
	Time       time.Time `json:"time"`
	Payload    any       `json:"payload"`
}

// Progress reports how much of the run's span has been simulated.
type Progress struct {
	Percent float64       `json:"percent"`
	Elapsed time.Duration `json:"elapsed"`
	Total   time.Duration `json:"total"`
	Bars    int           `json:"bars"`
	State   string        `json:"state"`
}

type Trades struct {
	Open   []sim.Trade `json:"open"`
	Closed []sim.Trade `json:"closed"`
}

type Indicators map[string]float64

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Log struct {
	Level   Level             `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type BarSeries struct {
	Bars []market.Bar `json:"bars"`
}

func NewProgress(strategyID, instrument string, at time.Time, p Progress) Event {
	return Event{Kind: KindProgress, StrategyID: strategyID, Instrument: instrument, Time: at, Payload: p}
}

func NewAccount(strategyID string, at time.Time, a sim.Account) Event {
	return Event{Kind: KindAccount, StrategyID: strategyID, Time: at, Payload: a}
}

func NewTrades(strategyID, instrument string, at time.Time, open, closed []sim.Trade) Event {
	return Event{Kind: KindTrades, StrategyID: strategyID, Instrument: instrument, Time: at,
		Payload: Trades{Open: open, Closed: closed}}
}

func NewIndicators(strategyID, instrument string, at time.Time, values map[string]float64) Event {
	return Event{Kind: KindIndicators, StrategyID: strategyID, Instrument: instrument, Time: at,
		Payload: Indicators(values)}
}

func NewLog(strategyID string, at time.Time, level Level, msg string, fields map[string]string) Event {
	return Event{Kind: KindLogs, StrategyID: strategyID, Time: at,
		Payload: Log{Level: level, Message: msg, Fields: fields}}
}

func NewBarSeries(strategyID, instrument string, at time.Time, bars []market.Bar) Event {
	return Event{Kind: KindBarSeries, StrategyID: strategyID, Instrument: instrument, Time: at,
		Payload: BarSeries{Bars: bars}}
}
