// Package risk supplies the day-start equity baseline and the entry checks
// the engine applies before opening trades.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DailyEquity is a read-only snapshot of the equity an account started the
// trading day with.
type DailyEquity struct {
	AccountID  string          `json:"account_id"`
	LastEquity decimal.Decimal `json:"last_equity"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Manager answers the day-start equity query. ok is false when the value is
// unavailable; callers decide how to proceed.
type Manager interface {
	CurrentDayStartingEquity(ctx context.Context) (de DailyEquity, ok bool)
}

// Observer is implemented by managers that derive the baseline from the
// simulated account as bars are processed.
type Observer interface {
	Observe(at time.Time, equity decimal.Decimal)
}

// BacktestManager records the equity seen at the first bar of each UTC day.
type BacktestManager struct {
	mu        sync.Mutex
	accountID string
	day       time.Time
	equity    DailyEquity
	seen      bool
}

func NewBacktestManager(accountID string) *BacktestManager {
	return &BacktestManager{accountID: accountID}
}

func (m *BacktestManager) Observe(at time.Time, equity decimal.Decimal) {
	day := at.UTC().Truncate(24 * time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen && day.Equal(m.day) {
		return
	}
	m.day = day
	m.seen = true
	m.equity = DailyEquity{AccountID: m.accountID, LastEquity: equity, UpdatedAt: at}
}

func (m *BacktestManager) CurrentDayStartingEquity(ctx context.Context) (DailyEquity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity, m.seen
}

// EquityLookup fetches the day-start equity from an external service.
type EquityLookup interface {
	DayStartEquity(ctx context.Context, accountID string) (DailyEquity, error)
}

type EquityLookupFunc func(ctx context.Context, accountID string) (DailyEquity, error)

func (f EquityLookupFunc) DayStartEquity(ctx context.Context, accountID string) (DailyEquity, error) {
	return f(ctx, accountID)
}

// LiveManager asks an external service, bounded by Timeout. Failures are
// logged and reported as absent.
type LiveManager struct {
	Lookup    EquityLookup
	AccountID string
	Timeout   time.Duration
	Logger    *zap.Logger
}

func NewLiveManager(lookup EquityLookup, accountID string, timeout time.Duration, logger *zap.Logger) *LiveManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveManager{Lookup: lookup, AccountID: accountID, Timeout: timeout, Logger: logger.Named("risk")}
}

func (m *LiveManager) CurrentDayStartingEquity(ctx context.Context) (DailyEquity, bool) {
	if m.Lookup == nil {
		return DailyEquity{}, false
	}
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	type result struct {
		de  DailyEquity
		err error
	}
	ch := make(chan result, 1)
	go func() {
		de, err := m.Lookup.DayStartEquity(ctx, m.AccountID)
		ch <- result{de, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			m.Logger.Warn("day-start equity lookup failed", zap.String("account_id", m.AccountID), zap.Error(r.err))
			return DailyEquity{}, false
		}
		return r.de, true
	case <-ctx.Done():
		m.Logger.Warn("day-start equity lookup timed out", zap.String("account_id", m.AccountID), zap.Error(ctx.Err()))
		return DailyEquity{}, false
	}
}
