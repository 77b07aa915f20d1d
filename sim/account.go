// Package sim holds the simulated account and trade state a strategy run
// mutates as bars arrive.
package sim

import (
	"fmt"
	"sync"

	"github.com/rustyeddy/stratlab/common"
	"github.com/shopspring/decimal"
)

type Account struct {
	ID             string          `json:"id"`
	Currency       string          `json:"currency"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Balance        decimal.Decimal `json:"balance"`
	Equity         decimal.Decimal `json:"equity"`
}

// OpenPositionValue is equity minus balance: the unrealized P&L of every
// open trade.
func (a Account) OpenPositionValue() decimal.Decimal {
	return a.Equity.Sub(a.Balance)
}

// AccountManager guards one account. The initial balance is fixed at
// construction.
type AccountManager struct {
	mu       sync.RWMutex
	id       string
	currency string
	initial  decimal.Decimal
	balance  decimal.Decimal
	equity   decimal.Decimal
}

func NewAccountManager(id, currency string, initial decimal.Decimal) (*AccountManager, error) {
	if !initial.IsPositive() {
		return nil, fmt.Errorf("%w: initial balance must be positive, got %s", common.ErrConfig, initial)
	}
	if currency == "" {
		currency = "USD"
	}
	return &AccountManager{
		id:       id,
		currency: currency,
		initial:  initial,
		balance:  initial,
		equity:   initial,
	}, nil
}

func (m *AccountManager) ID() string { return m.id }

func (m *AccountManager) InitialBalance() decimal.Decimal { return m.initial }

func (m *AccountManager) Balance() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance
}

func (m *AccountManager) SetBalance(v decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = v
}

func (m *AccountManager) Equity() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity
}

func (m *AccountManager) SetEquity(v decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = v
}

func (m *AccountManager) OpenPositionValue() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity.Sub(m.balance)
}

func (m *AccountManager) Snapshot() Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Account{
		ID:             m.id,
		Currency:       m.currency,
		InitialBalance: m.initial,
		Balance:        m.balance,
		Equity:         m.equity,
	}
}
