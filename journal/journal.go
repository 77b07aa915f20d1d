// Package journal persists trades, equity, engine events and optimisation
// tasks.
package journal

import (
	"time"

	"github.com/rustyeddy/stratlab/sim"
)

// TradeRecord is a closed trade. Units are negative for shorts.
type TradeRecord struct {
	RunID      string
	TradeID    string
	Instrument string
	Units      float64
	EntryPrice float64
	ExitPrice  float64
	OpenTime   time.Time
	CloseTime  time.Time
	RealizedPL float64
	Reason     string
}

type EquitySnapshot struct {
	AccountID string
	Time      time.Time
	Balance   float64
	Equity    float64
	OpenValue float64
}

type Journal interface {
	RecordTrade(TradeRecord) error
	RecordEquity(EquitySnapshot) error
	Close() error
}

func TradeFromSim(runID string, t sim.Trade) TradeRecord {
	units := t.Size.InexactFloat64()
	if !t.Long {
		units = -units
	}
	return TradeRecord{
		RunID:      runID,
		TradeID:    t.ID,
		Instrument: t.Instrument,
		Units:      units,
		EntryPrice: t.OpenPrice.InexactFloat64(),
		ExitPrice:  t.ClosePrice.InexactFloat64(),
		OpenTime:   t.OpenTime.UTC(),
		CloseTime:  t.CloseTime.UTC(),
		RealizedPL: t.Profit.InexactFloat64(),
		Reason:     t.CloseReason,
	}
}

func EquityFromSim(at time.Time, a sim.Account) EquitySnapshot {
	return EquitySnapshot{
		AccountID: a.ID,
		Time:      at.UTC(),
		Balance:   a.Balance.InexactFloat64(),
		Equity:    a.Equity.InexactFloat64(),
		OpenValue: a.OpenPositionValue().InexactFloat64(),
	}
}
