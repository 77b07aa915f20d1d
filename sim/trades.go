package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/stratlab/internal/id"
	"github.com/shopspring/decimal"
)

var (
	ErrTradeNotFound = errors.New("trade not found")
	ErrTradeClosed   = errors.New("trade already closed")
	ErrMissingClose  = errors.New("close requires price and time")
	ErrInvalidOrder  = errors.New("invalid order")
)

// OpenRequest describes a fill.
type OpenRequest struct {
	ID         string // broker trade id; generated when empty
	Instrument string
	Size       decimal.Decimal
	Long       bool
	Price      decimal.Decimal
	Time       time.Time
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
}

func (r OpenRequest) Validate() error {
	switch {
	case r.Instrument == "":
		return fmt.Errorf("%w: missing instrument", ErrInvalidOrder)
	case !r.Size.IsPositive():
		return fmt.Errorf("%w: size must be positive, got %s", ErrInvalidOrder, r.Size)
	case !r.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidOrder, r.Price)
	case r.Time.IsZero():
		return fmt.Errorf("%w: missing fill time", ErrInvalidOrder)
	}
	below, above := r.StopLoss, r.TakeProfit
	if !r.Long {
		below, above = r.TakeProfit, r.StopLoss
	}
	if below.Valid && below.Decimal.GreaterThanOrEqual(r.Price) {
		return fmt.Errorf("%w: level %s must be below fill %s", ErrInvalidOrder, below.Decimal, r.Price)
	}
	if above.Valid && above.Decimal.LessThanOrEqual(r.Price) {
		return fmt.Errorf("%w: level %s must be above fill %s", ErrInvalidOrder, above.Decimal, r.Price)
	}
	return nil
}

// TradeManager owns every trade of one run. Trades handed out are copies.
type TradeManager struct {
	mu     sync.RWMutex
	trades map[string]*Trade
	order  []string
}

func NewTradeManager() *TradeManager {
	return &TradeManager{trades: make(map[string]*Trade)}
}

func (m *TradeManager) Open(req OpenRequest) (Trade, error) {
	if err := req.Validate(); err != nil {
		return Trade{}, err
	}
	tradeID := req.ID
	if tradeID == "" {
		tradeID = id.New()
	}
	t := &Trade{
		ID:         tradeID,
		Instrument: req.Instrument,
		Size:       req.Size,
		Long:       req.Long,
		OpenTime:   req.Time,
		OpenPrice:  req.Price,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Profit:     decimal.Zero,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.trades[t.ID]; dup {
		return Trade{}, fmt.Errorf("%w: duplicate trade id %q", ErrInvalidOrder, t.ID)
	}
	m.trades[t.ID] = t
	m.order = append(m.order, t.ID)
	return *t, nil
}

// Close freezes the trade at price and time and returns the realized trade.
func (m *TradeManager) Close(tradeID string, price decimal.Decimal, at time.Time, reason string) (Trade, error) {
	if !price.IsPositive() || at.IsZero() {
		return Trade{}, fmt.Errorf("close trade %q: %w", tradeID, ErrMissingClose)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[tradeID]
	if !ok {
		return Trade{}, fmt.Errorf("close trade %q: %w", tradeID, ErrTradeNotFound)
	}
	if t.Closed {
		return Trade{}, fmt.Errorf("close trade %q: %w", tradeID, ErrTradeClosed)
	}
	if at.Before(t.OpenTime) {
		return Trade{}, fmt.Errorf("close trade %q: close time %s before open %s", tradeID,
			at.Format(time.RFC3339), t.OpenTime.Format(time.RFC3339))
	}
	if reason == "" {
		reason = ReasonStrategy
	}

	t.Closed = true
	t.ClosePrice = price
	t.CloseTime = at
	t.Profit = t.PL(price)
	t.CloseReason = reason
	return *t, nil
}

// MarkProfit records the unrealized profit of an open trade at price.
func (m *TradeManager) MarkProfit(tradeID string, price decimal.Decimal) (Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[tradeID]
	if !ok {
		return Trade{}, fmt.Errorf("mark trade %q: %w", tradeID, ErrTradeNotFound)
	}
	if t.Closed {
		return Trade{}, fmt.Errorf("mark trade %q: %w", tradeID, ErrTradeClosed)
	}
	t.Profit = t.PL(price)
	return *t, nil
}

func (m *TradeManager) Get(tradeID string) (Trade, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[tradeID]
	if !ok {
		return Trade{}, false
	}
	return *t, true
}

// OpenTrades returns open trades in open order.
func (m *TradeManager) OpenTrades() []Trade {
	return m.filter(func(t *Trade) bool { return !t.Closed })
}

// ClosedTrades returns closed trades ordered by close time.
func (m *TradeManager) ClosedTrades() []Trade {
	out := m.filter(func(t *Trade) bool { return t.Closed })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CloseTime.Before(out[j].CloseTime) })
	return out
}

func (m *TradeManager) All() []Trade {
	return m.filter(func(*Trade) bool { return true })
}

func (m *TradeManager) filter(keep func(*Trade) bool) []Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Trade
	for _, tid := range m.order {
		if t := m.trades[tid]; keep(t) {
			out = append(out, *t)
		}
	}
	return out
}

// Unrealized sums the marked profit of open trades.
func (m *TradeManager) Unrealized() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := decimal.Zero
	for _, t := range m.trades {
		if !t.Closed {
			sum = sum.Add(t.Profit)
		}
	}
	return sum
}
