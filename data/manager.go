// Package data owns the canonical bar sequence for a run and dispatches it,
// in time order, to registered listeners.
package data

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/stratlab/market"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrOutOfOrder rejects a bar that is not strictly after the previous
	// bar for the same instrument.
	ErrOutOfOrder = errors.New("bar out of order")

	// ErrDetach may be returned by a listener to unsubscribe itself.
	ErrDetach = errors.New("detach listener")

	// ErrListener wraps errors returned by listeners from Push.
	ErrListener = errors.New("listener failed")
)

// Listener receives every bar pushed through a Manager. OnBar for bar i
// returns before bar i+1 is dispatched.
type Listener interface {
	OnBar(ctx context.Context, bar market.Bar) error
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(ctx context.Context, bar market.Bar) error

func (f ListenerFunc) OnBar(ctx context.Context, bar market.Bar) error { return f(ctx, bar) }

// TickListener receives quote updates.
type TickListener interface {
	OnTick(ctx context.Context, tick market.Tick) error
}

type subscription struct {
	id   uint64
	bar  Listener
	tick TickListener
}

type Manager struct {
	mu     sync.Mutex
	series *market.BarSeries
	ticks  *market.TickStore
	last   map[string]time.Time
	subs   []subscription
	nextID uint64
	logger *zap.Logger
}

func NewManager(capacity int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		series: market.NewBarSeries(capacity),
		ticks:  market.NewTickStore(),
		last:   make(map[string]time.Time),
		logger: logger.Named("data"),
	}
}

// AddListener subscribes l and returns the id used to remove it. Listeners
// implementing TickListener also receive ticks.
func (m *Manager) AddListener(l Listener) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sub := subscription{id: m.nextID, bar: l}
	if tl, ok := l.(TickListener); ok {
		sub.tick = tl
	}
	m.subs = append(m.subs, sub)
	return sub.id
}

// RemoveListener unsubscribes the listener with the given id. It reports
// whether it was subscribed.
func (m *Manager) RemoveListener(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subs {
		if sub.id == id {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Series returns a snapshot of the retained bars, oldest first.
func (m *Manager) Series() []market.Bar {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.series.Bars()
}

func (m *Manager) Ticks() *market.TickStore { return m.ticks }

// Push validates and appends bar, then calls every listener in order.
// Listeners that fail are detached; their errors are returned combined.
func (m *Manager) Push(ctx context.Context, bar market.Bar) error {
	if err := bar.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if last, ok := m.last[bar.Instrument]; ok && !bar.Time.After(last) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s %s not after %s", ErrOutOfOrder, bar.Instrument,
			bar.Time.Format(time.RFC3339), last.Format(time.RFC3339))
	}
	m.last[bar.Instrument] = bar.Time
	m.series.Add(bar)
	subs := append([]subscription(nil), m.subs...)
	m.mu.Unlock()

	var errs error
	for _, sub := range subs {
		err := sub.bar.OnBar(ctx, bar)
		if err == nil {
			continue
		}
		m.RemoveListener(sub.id)
		if errors.Is(err, ErrDetach) {
			continue
		}
		m.logger.Warn("listener detached", zap.String("instrument", bar.Instrument),
			zap.Time("time", bar.Time), zap.Error(err))
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrListener, errs)
	}
	return nil
}

// PushTick stores tick and forwards it to tick listeners.
func (m *Manager) PushTick(ctx context.Context, tick market.Tick) error {
	if tick.Instrument == "" {
		return fmt.Errorf("tick: missing instrument")
	}
	m.ticks.Set(tick)

	m.mu.Lock()
	subs := append([]subscription(nil), m.subs...)
	m.mu.Unlock()

	var errs error
	for _, sub := range subs {
		if sub.tick == nil {
			continue
		}
		if err := sub.tick.OnTick(ctx, tick); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Replay drains src through Push. It stops early, without error, once every
// listener has detached. Invalid bars end the replay; a failing listener
// only ends it when no other listener remains.
func (m *Manager) Replay(ctx context.Context, src Source) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		bar, ok, err := src.Next(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		err = m.Push(ctx, bar)
		if err != nil && !errors.Is(err, ErrListener) {
			return n, err
		}
		n++
		if m.Listeners() == 0 {
			return n, err
		}
	}
}
