package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rustyeddy/stratlab/common"
	"go.uber.org/zap"
)

// Registry tracks running engines by strategy id. Engines leave the
// registry on their own when they end.
type Registry struct {
	runs   sync.Map // string -> *Engine
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger.Named("registry")}
}

func (r *Registry) Add(e *Engine) error {
	if e == nil {
		return fmt.Errorf("%w: registry: engine", common.ErrNilPointer)
	}
	if _, loaded := r.runs.LoadOrStore(e.ID(), e); loaded {
		return fmt.Errorf("%w: strategy %q already registered", common.ErrConfig, e.ID())
	}
	go func() {
		<-e.Done()
		r.runs.CompareAndDelete(e.ID(), e)
		r.logger.Debug("run removed", zap.String("strategy_id", e.ID()), zap.Stringer("state", e.State()))
	}()
	return nil
}

func (r *Registry) Get(id string) (*Engine, bool) {
	v, ok := r.runs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Engine), true
}

// Remove forgets id without stopping it.
func (r *Registry) Remove(id string) bool {
	_, ok := r.runs.LoadAndDelete(id)
	return ok
}

// Stop stops the engine registered under id.
func (r *Registry) Stop(id string) bool {
	e, ok := r.Get(id)
	if !ok {
		return false
	}
	e.Stop()
	return true
}

// List returns the registered ids in order.
func (r *Registry) List() []string {
	var ids []string
	r.runs.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	n := 0
	r.runs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Drain stops every engine and waits for them to end or for ctx.
func (r *Registry) Drain(ctx context.Context) error {
	var engines []*Engine
	r.runs.Range(func(k, v any) bool {
		engines = append(engines, v.(*Engine))
		r.runs.Delete(k)
		return true
	})
	for _, e := range engines {
		e.Stop()
	}
	for _, e := range engines {
		select {
		case <-e.Done():
		case <-ctx.Done():
			return fmt.Errorf("registry drain: %w", ctx.Err())
		}
	}
	r.logger.Info("registry drained", zap.Int("runs", len(engines)))
	return nil
}
