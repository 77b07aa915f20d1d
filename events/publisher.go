package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Listener consumes events. Each listener sees events in publish order.
// Errors returned are logged; they never reach the publisher's caller.
type Listener interface {
	OnEvent(ev Event) error
	OnError(strategyID string, err error)
}

// ListenerFuncs adapts closures to a Listener. Nil funcs are no-ops.
type ListenerFuncs struct {
	Event func(Event) error
	Error func(strategyID string, err error)
}

func (f ListenerFuncs) OnEvent(ev Event) error {
	if f.Event == nil {
		return nil
	}
	return f.Event(ev)
}

func (f ListenerFuncs) OnError(strategyID string, err error) {
	if f.Error != nil {
		f.Error(strategyID, err)
	}
}

// Sink is the publishing side the engine depends on.
type Sink interface {
	Publish(ev Event)
	PublishError(strategyID string, err error)
}

type discard struct{}

func (discard) Publish(Event)              {}
func (discard) PublishError(string, error) {}

// Discard drops every event.
var Discard Sink = discard{}

// Publisher fans events out to listeners. Each listener has its own
// unbounded FIFO queue and goroutine, so Publish never blocks on a slow
// listener.
type Publisher struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
	closed bool
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewPublisher(logger *zap.Logger, listeners ...Listener) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		subs:   make(map[uint64]*subscriber),
		logger: logger.Named("events"),
	}
	for _, l := range listeners {
		p.Add(l)
	}
	return p
}

// Add registers l and returns an id for Remove. Adding to a closed
// publisher returns 0.
func (p *Publisher) Add(l Listener) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	p.nextID++
	s := newSubscriber(p.nextID, l, p.logger)
	p.subs[s.id] = s
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		s.run()
	}()
	return s.id
}

// Remove unregisters a listener. Events already queued for it are still
// delivered.
func (p *Publisher) Remove(id uint64) bool {
	p.mu.Lock()
	s, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()
	if ok {
		s.close()
	}
	return ok
}

func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *Publisher) Publish(ev Event) {
	p.enqueue(item{ev: ev})
}

// PublishError routes a run failure to every listener's OnError, in order
// with the events published before it.
func (p *Publisher) PublishError(strategyID string, err error) {
	p.enqueue(item{strategyID: strategyID, err: err, isErr: true})
}

func (p *Publisher) enqueue(it item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Debug("publish after close dropped")
		return
	}
	for _, s := range p.subs {
		s.push(it)
	}
}

// Close stops accepting events and waits until every queue has drained or
// ctx is done.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for id, s := range p.subs {
			s.close()
			delete(p.subs, id)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("events: close: %w", ctx.Err())
	}
}

type item struct {
	ev         Event
	strategyID string
	err        error
	isErr      bool
}

type subscriber struct {
	id     uint64
	l      Listener
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []item
	closed bool
}

func newSubscriber(id uint64, l Listener, logger *zap.Logger) *subscriber {
	s := &subscriber{id: id, l: l, logger: logger}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(it item) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, it)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		it := s.queue[0]
		s.queue[0] = item{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(it)
	}
}

func (s *subscriber) deliver(it item) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked", zap.Uint64("listener", s.id), zap.Any("panic", r))
		}
	}()
	if it.isErr {
		s.l.OnError(it.strategyID, it.err)
		return
	}
	if err := s.l.OnEvent(it.ev); err != nil {
		s.logger.Warn("listener failed",
			zap.Uint64("listener", s.id),
			zap.String("kind", string(it.ev.Kind)),
			zap.String("strategy_id", it.ev.StrategyID),
			zap.Error(err))
	}
}
