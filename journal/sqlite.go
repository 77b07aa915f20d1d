package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/stratlab/events"
)

type SQLite struct {
	db *sql.DB
}

var _ Journal = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path. Write
// transactions take the lock up front so concurrent task claims serialize.
func NewSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// RecordTrade stores a closed trade. Recording the same trade again
// replaces it.
func (j *SQLite) RecordTrade(t TradeRecord) error {
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO trades
		(run_id, trade_id, instrument, units, entry_price, exit_price, open_time, close_time, realized_pl, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.TradeID, t.Instrument, t.Units, t.EntryPrice,
		t.ExitPrice, t.OpenTime.UTC(), t.CloseTime.UTC(), t.RealizedPL, t.Reason,
	)
	return err
}

func (j *SQLite) RecordEquity(e EquitySnapshot) error {
	_, err := j.db.Exec(`
		INSERT INTO equity
		(account_id, time, balance, equity, open_value)
		VALUES (?, ?, ?, ?, ?)`,
		e.AccountID, e.Time.UTC(), e.Balance, e.Equity, e.OpenValue,
	)
	return err
}

// RecordEvent stores an event with its payload as JSON.
func (j *SQLite) RecordEvent(ev events.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("journal: marshal %s payload: %w", ev.Kind, err)
	}
	_, err = j.db.Exec(`
		INSERT INTO events (strategy_id, kind, instrument, time, payload)
		VALUES (?, ?, ?, ?, ?)`,
		ev.StrategyID, string(ev.Kind), ev.Instrument, ev.Time.UTC(), string(payload),
	)
	return err
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
