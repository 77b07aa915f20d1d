// Package strategies defines the Strategy contract, the factory registry
// strategies are created from, and the builtin strategies.
package strategies

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rustyeddy/stratlab/common"
	"github.com/rustyeddy/stratlab/market"
	"github.com/rustyeddy/stratlab/sim"
	"github.com/shopspring/decimal"
)

// OrderRequest is a market entry at the current bar. Size is in units.
type OrderRequest struct {
	Instrument string
	Size       decimal.Decimal
	Long       bool
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
}

// TradeContext is what a strategy may do during OnBar. Entries pass the
// risk checks; a refused entry wraps risk.ErrRejected.
type TradeContext interface {
	Open(ctx context.Context, req OrderRequest) (sim.Trade, error)
	Close(ctx context.Context, tradeID, reason string) (sim.Trade, error)
	OpenTrades() []sim.Trade
	Account() sim.Account
	// Series is the retained lookback window, oldest first.
	Series() []market.Bar
}

// Strategy is called once per bar. It must not retain tc between calls.
type Strategy interface {
	Name() string
	OnBar(ctx context.Context, tc TradeContext, bar market.Bar) error
}

// IndicatorReporter is implemented by strategies that publish indicator
// values.
type IndicatorReporter interface {
	Indicators() map[string]float64
}

// Params are the numeric parameters a strategy is configured with.
type Params map[string]float64

func (p Params) Float(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

func (p Params) Int(name string, def int) int {
	if v, ok := p[name]; ok {
		return int(math.Round(v))
	}
	return def
}

func (p Params) Bool(name string, def bool) bool {
	if v, ok := p[name]; ok {
		return v != 0
	}
	return def
}

// Clone returns a copy safe to modify.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, p[k])
	}
	return strings.Join(parts, ",")
}

// Factory builds a fresh strategy instance. Every run gets its own instance.
type Factory func(p Params) (Strategy, error)

// Registry maps strategy identifiers to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f Factory) error {
	key := normalize(name)
	if key == "" || f == nil {
		return fmt.Errorf("register strategy: name and factory required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[key]; dup {
		return fmt.Errorf("register strategy: %q already registered", key)
	}
	r.factories[key] = f
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[normalize(name)]
	return ok
}

// New builds the named strategy. Unknown names and bad params are
// configuration errors.
func (r *Registry) New(name string, p Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q (supported: %s)", common.ErrConfig, name,
			strings.Join(r.Names(), ", "))
	}
	s, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("%w: strategy %q: %w", common.ErrConfig, name, err)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// RegisterBuiltins adds noop, open-once and ema-cross.
func RegisterBuiltins(r *Registry) error {
	for name, f := range map[string]Factory{
		"noop":      NewNoop,
		"open-once": NewOpenOnce,
		"ema-cross": NewEMACross,
	} {
		if err := r.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}

// Builtins returns a registry holding the builtin strategies.
func Builtins() *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		panic(err)
	}
	return r
}
