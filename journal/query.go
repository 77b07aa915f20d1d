package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/stratlab/risk"
	"github.com/shopspring/decimal"
)

const tradeColumns = `run_id, trade_id, instrument, units, entry_price, exit_price, open_time, close_time, realized_pl, reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(s scanner) (TradeRecord, error) {
	var rec TradeRecord
	err := s.Scan(
		&rec.RunID,
		&rec.TradeID,
		&rec.Instrument,
		&rec.Units,
		&rec.EntryPrice,
		&rec.ExitPrice,
		&rec.OpenTime,
		&rec.CloseTime,
		&rec.RealizedPL,
		&rec.Reason,
	)
	return rec, err
}

// GetTrade returns a single trade record of a run.
func (j *SQLite) GetTrade(runID, tradeID string) (TradeRecord, error) {
	row := j.db.QueryRow(`SELECT `+tradeColumns+` FROM trades WHERE run_id = ? AND trade_id = ?`, runID, tradeID)
	rec, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TradeRecord{}, fmt.Errorf("trade %q not found", tradeID)
		}
		return TradeRecord{}, err
	}
	return rec, nil
}

// ListTradesClosedBetween returns trades whose close_time is within [start, end).
func (j *SQLite) ListTradesClosedBetween(start, end time.Time) ([]TradeRecord, error) {
	return j.queryTrades(`SELECT `+tradeColumns+` FROM trades
		WHERE close_time >= ? AND close_time < ?
		ORDER BY close_time ASC, trade_id ASC`, start.UTC(), end.UTC())
}

func (j *SQLite) ListTradesByRun(runID string) ([]TradeRecord, error) {
	return j.queryTrades(`SELECT `+tradeColumns+` FROM trades
		WHERE run_id = ?
		ORDER BY close_time ASC, trade_id ASC`, runID)
}

func (j *SQLite) queryTrades(q string, args ...any) ([]TradeRecord, error) {
	rows, err := j.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// TradeStats summarizes the realized trades of a run.
type TradeStats struct {
	Trades       int
	Wins         int
	Losses       int
	GrossProfit  float64
	GrossLoss    float64 // positive
	ProfitFactor float64 // 0 without losses
}

func (j *SQLite) TradeStats(runID string) (TradeStats, error) {
	var s TradeStats
	err := j.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN realized_pl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN realized_pl < 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN realized_pl > 0 THEN realized_pl ELSE 0 END), 0),
			COALESCE(-SUM(CASE WHEN realized_pl < 0 THEN realized_pl ELSE 0 END), 0)
		FROM trades WHERE run_id = ?`, runID,
	).Scan(&s.Trades, &s.Wins, &s.Losses, &s.GrossProfit, &s.GrossLoss)
	if err != nil {
		return TradeStats{}, err
	}
	if s.GrossLoss > 0 {
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	}
	return s, nil
}

// ListEquityBetween returns the equity snapshots of an account within
// [start, end).
func (j *SQLite) ListEquityBetween(accountID string, start, end time.Time) ([]EquitySnapshot, error) {
	rows, err := j.db.Query(`
		SELECT account_id, time, balance, equity, open_value
		FROM equity
		WHERE account_id = ? AND time >= ? AND time < ?
		ORDER BY time ASC`, accountID, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquitySnapshot
	for rows.Next() {
		var e EquitySnapshot
		if err := rows.Scan(&e.AccountID, &e.Time, &e.Balance, &e.Equity, &e.OpenValue); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DayStartEquity returns the first equity recorded for the account on the
// current UTC day. It serves the live risk manager.
type DayStartEquity struct {
	DB  *SQLite
	Now func() time.Time
}

var _ risk.EquityLookup = DayStartEquity{}

func (d DayStartEquity) DayStartEquity(ctx context.Context, accountID string) (risk.DailyEquity, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	day := now().UTC().Truncate(24 * time.Hour)

	var (
		at     time.Time
		equity float64
	)
	err := d.DB.db.QueryRowContext(ctx, `
		SELECT time, equity FROM equity
		WHERE account_id = ? AND time >= ? AND time < ?
		ORDER BY time ASC LIMIT 1`,
		accountID, day, day.Add(24*time.Hour),
	).Scan(&at, &equity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return risk.DailyEquity{}, fmt.Errorf("no equity recorded for %s on %s", accountID, day.Format(time.DateOnly))
		}
		return risk.DailyEquity{}, err
	}
	return risk.DailyEquity{
		AccountID:  accountID,
		LastEquity: decimal.NewFromFloat(equity),
		UpdatedAt:  at,
	}, nil
}

// EventRecord is a stored event with its JSON payload.
type EventRecord struct {
	ID         int64
	StrategyID string
	Kind       string
	Instrument string
	Time       time.Time
	Payload    string
}

// ListEvents returns the events of a strategy in insertion order. An empty
// kind returns every kind.
func (j *SQLite) ListEvents(strategyID, kind string) ([]EventRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, strategy_id, kind, instrument, time, payload
		FROM events
		WHERE strategy_id = ? AND (? = '' OR kind = ?)
		ORDER BY id ASC`, strategyID, kind, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.StrategyID, &e.Kind, &e.Instrument, &e.Time, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
