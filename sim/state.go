package sim

import (
	"fmt"
	"time"

	"github.com/rustyeddy/stratlab/common"
	"github.com/rustyeddy/stratlab/market"
	"github.com/shopspring/decimal"
)

// TradeStateManager keeps the account consistent with the trade book:
// realized profit moves into the balance, and equity is always balance plus
// the unrealized profit of open trades.
type TradeStateManager struct {
	Account *AccountManager
	Trades  *TradeManager
}

func NewTradeStateManager(acct *AccountManager, trades *TradeManager) *TradeStateManager {
	return &TradeStateManager{Account: acct, Trades: trades}
}

// Update applies bar: open trades on its instrument whose stop loss or take
// profit lies within the bar are closed at that level, the rest are marked
// at the bar close. It returns the trades closed by this bar.
func (s *TradeStateManager) Update(bar market.Bar) ([]Trade, error) {
	open := decimal.NewFromFloat(bar.Open)
	high := decimal.NewFromFloat(bar.High)
	low := decimal.NewFromFloat(bar.Low)
	closePx := decimal.NewFromFloat(bar.Close)

	var closed []Trade
	for _, t := range s.Trades.OpenTrades() {
		if t.Instrument != bar.Instrument {
			continue
		}
		if level, reason, hit := t.exitLevel(open, high, low); hit {
			ct, err := s.close(t.ID, level, bar.End(), reason)
			if err != nil {
				return closed, err
			}
			closed = append(closed, ct)
			continue
		}
		if _, err := s.Trades.MarkProfit(t.ID, closePx); err != nil {
			return closed, err
		}
	}
	s.syncEquity()
	return closed, nil
}

// Revalue marks every open trade on instrument at price.
func (s *TradeStateManager) Revalue(instrument string, price decimal.Decimal) error {
	for _, t := range s.Trades.OpenTrades() {
		if t.Instrument != instrument {
			continue
		}
		if _, err := s.Trades.MarkProfit(t.ID, price); err != nil {
			return err
		}
	}
	s.syncEquity()
	return nil
}

// Open records a fill. The trade is marked at its own fill price so equity
// is unchanged.
func (s *TradeStateManager) Open(req OpenRequest) (Trade, error) {
	t, err := s.Trades.Open(req)
	if err != nil {
		return Trade{}, err
	}
	s.syncEquity()
	return t, nil
}

// Close realizes the trade into the balance.
func (s *TradeStateManager) Close(tradeID string, price decimal.Decimal, at time.Time, reason string) (Trade, error) {
	t, err := s.close(tradeID, price, at, reason)
	if err != nil {
		return Trade{}, err
	}
	s.syncEquity()
	return t, nil
}

func (s *TradeStateManager) close(tradeID string, price decimal.Decimal, at time.Time, reason string) (Trade, error) {
	t, err := s.Trades.Close(tradeID, price, at, reason)
	if err != nil {
		return Trade{}, err
	}
	s.Account.SetBalance(s.Account.Balance().Add(t.Profit))
	return t, nil
}

func (s *TradeStateManager) syncEquity() {
	s.Account.SetEquity(s.Account.Balance().Add(s.Trades.Unrealized()))
}

// Check verifies equity == balance + unrealized.
func (s *TradeStateManager) Check() error {
	bal, eq := s.Account.Balance(), s.Account.Equity()
	want := bal.Add(s.Trades.Unrealized())
	if !eq.Equal(want) {
		return fmt.Errorf("%w: equity %s != balance %s + unrealized %s", common.ErrExecution,
			eq, bal, s.Trades.Unrealized())
	}
	return nil
}
