// Package engine drives a strategy bar by bar over historical or live data,
// keeping the simulated account consistent and reporting through events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rustyeddy/stratlab/broker"
	"github.com/rustyeddy/stratlab/common"
	"github.com/rustyeddy/stratlab/data"
	"github.com/rustyeddy/stratlab/events"
	"github.com/rustyeddy/stratlab/market"
	"github.com/rustyeddy/stratlab/risk"
	"github.com/rustyeddy/stratlab/sim"
	"github.com/rustyeddy/stratlab/strategies"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Engine struct {
	cfg      Config
	strategy strategies.Strategy
	data     *data.Manager
	sink     events.Sink
	risk     risk.Manager
	exec     Executor
	logger   *zap.Logger

	state    stateBox
	account  *sim.AccountManager
	trades   *sim.TradeManager
	tsm      *sim.TradeStateManager
	analyser *Analyser

	// mu serializes bar and tick processing.
	mu      sync.Mutex
	bars    int
	lastBar market.Bar
	start   time.Time

	ctl      sync.Mutex
	cancel   context.CancelFunc
	sub      uint64
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

var (
	_ data.Listener     = (*Engine)(nil)
	_ data.TickListener = (*Engine)(nil)
)

func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if deps.Strategy == nil {
		return nil, fmt.Errorf("%w: engine: strategy", common.ErrNilPointer)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("engine").With(zap.String("strategy_id", cfg.StrategyID))

	acct, err := sim.NewAccountManager(cfg.AccountID, "", cfg.InitialCash)
	if err != nil {
		return nil, err
	}
	trades := sim.NewTradeManager()

	e := &Engine{
		cfg:      cfg,
		strategy: deps.Strategy,
		data:     deps.Data,
		sink:     deps.Sink,
		risk:     deps.Risk,
		exec:     deps.Executor,
		logger:   logger,
		account:  acct,
		trades:   trades,
		tsm:      sim.NewTradeStateManager(acct, trades),
		analyser: NewAnalyser(cfg.InitialCash),
		start:    cfg.From,
		done:     make(chan struct{}),
	}
	if e.data == nil {
		e.data = data.NewManager(500, logger)
	}
	if e.sink == nil {
		e.sink = events.Discard
	}
	if e.risk == nil {
		e.risk = risk.NewBacktestManager(cfg.AccountID)
	}
	if e.exec == nil {
		e.exec = SimulatedExecutor{Spread: cfg.Spread}
	}
	return e, nil
}

func (e *Engine) ID() string     { return e.cfg.StrategyID }
func (e *Engine) Config() Config { return e.cfg }
func (e *Engine) State() State   { return e.state.load() }

// Done is closed once the engine reaches a terminal state.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err is the failure that ended the run, if any.
func (e *Engine) Err() error {
	e.ctl.Lock()
	defer e.ctl.Unlock()
	return e.err
}

func (e *Engine) Account() sim.Account { return e.account.Snapshot() }
func (e *Engine) Trades() []sim.Trade  { return e.trades.All() }

// Result is the analysis of a completed backtest.
func (e *Engine) Result() (Result, bool) {
	if e.cfg.Mode != Backtest || e.State() != Completed {
		return Result{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result(), true
}

// Run replays a finite source as a backtest.
func (e *Engine) Run(ctx context.Context, src data.Source) error {
	if e.cfg.Mode != Backtest {
		return fmt.Errorf("%w: engine: Run needs backtest mode, use RunLive", common.ErrConfig)
	}
	return e.run(ctx, func(ctx context.Context) error {
		_, err := e.data.Replay(ctx, src)
		return err
	})
}

// RunLive follows an unbounded source until it ends, ctx is done or Stop is
// called.
func (e *Engine) RunLive(ctx context.Context, src data.Source) error {
	if e.cfg.Mode != Live {
		return fmt.Errorf("%w: engine: RunLive needs live mode", common.ErrConfig)
	}
	return e.run(ctx, func(ctx context.Context) error {
		_, err := e.data.Replay(ctx, src)
		return err
	})
}

// RunStream feeds candles from a market data client through the data
// manager.
func (e *Engine) RunStream(ctx context.Context, client broker.MarketDataClient, req broker.CandleRequest) error {
	return e.run(ctx, func(ctx context.Context) error {
		_, err := e.data.Stream(ctx, client, req)
		return err
	})
}

func (e *Engine) run(parent context.Context, drive func(context.Context) error) error {
	if _, err := e.state.to(Running); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	e.ctl.Lock()
	e.cancel = cancel
	e.ctl.Unlock()

	e.logger.Info("run started",
		zap.Stringer("mode", e.cfg.Mode),
		zap.String("strategy", e.strategy.Name()),
		zap.String("instrument", e.cfg.Instrument),
		zap.Time("from", e.cfg.From),
		zap.Time("to", e.cfg.To))

	sub := e.data.AddListener(e)
	e.ctl.Lock()
	e.sub = sub
	e.ctl.Unlock()
	err := drive(ctx)
	e.data.RemoveListener(sub)

	switch e.State() {
	case Failed:
		return e.Err()
	case Stopped:
		return nil
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if parent.Err() != nil && errors.Is(err, parent.Err()) {
			e.Stop()
			return err
		}
		return e.fail(err)
	}
	return e.complete(ctx)
}

// Stop ends the run and detaches the engine from its data manager. It is a
// no-op once the engine has ended.
func (e *Engine) Stop() {
	if _, err := e.state.to(Stopped); err != nil {
		return
	}
	e.ctl.Lock()
	if e.sub != 0 {
		e.data.RemoveListener(e.sub)
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.ctl.Unlock()
	e.logger.Info("run stopped")

	e.mu.Lock()
	at := e.lastBar.End()
	if e.lastBar.Time.IsZero() {
		at = time.Now().UTC()
	}
	e.publishProgress(at, Stopped)
	e.mu.Unlock()
	e.finish()
}

func (e *Engine) finish() {
	e.doneOnce.Do(func() { close(e.done) })
}

func (e *Engine) fail(cause error) error {
	var ee *ExecutionError
	if !errors.As(cause, &ee) {
		ee = &ExecutionError{StrategyID: e.cfg.StrategyID, Err: cause}
	}
	if _, err := e.state.to(Failed); err != nil {
		return ee
	}
	e.ctl.Lock()
	e.err = ee
	e.ctl.Unlock()

	e.logger.Error("run failed", zap.Error(cause))
	e.sink.PublishError(e.cfg.StrategyID, ee)
	e.finish()
	return ee
}

func (e *Engine) complete(ctx context.Context) error {
	e.mu.Lock()
	if e.cfg.Mode == Backtest && e.cfg.CloseOnComplete && e.bars > 0 {
		for _, t := range e.trades.OpenTrades() {
			if _, err := e.closeTrade(ctx, t.ID, sim.ReasonEndOfRun); err != nil {
				e.mu.Unlock()
				return e.fail(err)
			}
		}
	}
	if err := e.tsm.Check(); err != nil {
		e.mu.Unlock()
		return e.fail(err)
	}
	at := e.cfg.To
	if at.IsZero() {
		at = e.lastBar.End()
	}
	e.analyser.Observe(at, e.account.Equity())
	res := e.result()
	e.mu.Unlock()

	if _, err := e.state.to(Completed); err != nil {
		// stopped while finishing
		return nil
	}
	e.logger.Info("run completed",
		zap.Int("bars", res.Bars),
		zap.Int("trades", res.Trades),
		zap.String("net_profit", res.NetProfit.StringFixed(2)))

	e.publishSnapshots(at)
	e.publishProgress(at, Completed)
	e.finish()
	return nil
}

func (e *Engine) result() Result {
	r := e.analyser.Result(e.trades.ClosedTrades(), e.account.Snapshot())
	r.StrategyID = e.cfg.StrategyID
	r.Strategy = e.strategy.Name()
	r.Instrument = e.cfg.Instrument
	r.Period = e.cfg.Period
	r.Start = e.cfg.From
	r.End = e.cfg.To
	r.Bars = e.bars
	return r
}

// OnBar processes one bar: exits, strategy, progress and snapshots.
func (e *Engine) OnBar(ctx context.Context, bar market.Bar) error {
	if e.State() != Running {
		return data.ErrDetach
	}
	if bar.Instrument != e.cfg.Instrument {
		return nil
	}
	if !e.cfg.From.IsZero() && bar.Time.Before(e.cfg.From) {
		return nil
	}
	if !e.cfg.To.IsZero() && !bar.Time.Before(e.cfg.To) {
		return nil
	}

	e.mu.Lock()
	err := e.step(ctx, bar)
	e.mu.Unlock()
	if err != nil {
		return e.fail(err)
	}

	if e.cfg.Mode == Backtest {
		if d := e.cfg.Speed.Delay(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
	}
	return nil
}

func (e *Engine) step(ctx context.Context, bar market.Bar) error {
	if obs, ok := e.risk.(risk.Observer); ok {
		obs.Observe(bar.Time, e.account.Equity())
	}

	closed, err := e.tsm.Update(bar)
	if err != nil {
		return err
	}
	for _, t := range closed {
		e.logger.Debug("trade closed",
			zap.String("trade_id", t.ID),
			zap.String("reason", t.CloseReason),
			zap.String("profit", t.Profit.StringFixed(2)))
	}
	if err := e.tsm.Check(); err != nil {
		return err
	}

	if e.start.IsZero() {
		e.start = bar.Time
	}
	e.lastBar = bar
	e.bars++

	if err := e.callStrategy(ctx, bar); err != nil {
		return err
	}
	if err := e.tsm.Check(); err != nil {
		return err
	}

	e.analyser.Observe(bar.End(), e.account.Equity())
	e.publishProgress(bar.End(), Running)
	if e.bars%e.cfg.SnapshotEvery == 0 {
		e.publishSnapshots(bar.End())
	}
	return nil
}

func (e *Engine) callStrategy(ctx context.Context, bar market.Bar) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", e.strategy.Name(), r)
		}
	}()
	return e.strategy.OnBar(ctx, &tradeContext{e: e}, bar)
}

// OnTick revalues open trades at the tick mid price.
func (e *Engine) OnTick(_ context.Context, tick market.Tick) error {
	if e.State() != Running || tick.Instrument != e.cfg.Instrument || tick.Mid <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tsm.Revalue(tick.Instrument, decimal.NewFromFloat(tick.Mid))
}

func (e *Engine) progress(at time.Time, st State) events.Progress {
	p := events.Progress{Bars: e.bars, State: st.String()}
	if !e.start.IsZero() && at.After(e.start) {
		p.Elapsed = at.Sub(e.start)
	}
	if !e.cfg.To.IsZero() && e.cfg.To.After(e.start) {
		p.Total = e.cfg.To.Sub(e.start)
		if p.Elapsed > p.Total {
			p.Elapsed = p.Total
		}
		p.Percent = 100 * float64(p.Elapsed) / float64(p.Total)
	}
	if st == Completed {
		p.Percent = 100
	}
	return p
}

func (e *Engine) publishProgress(at time.Time, st State) {
	e.sink.Publish(events.NewProgress(e.cfg.StrategyID, e.cfg.Instrument, at, e.progress(at, st)))
}

func (e *Engine) publishSnapshots(at time.Time) {
	id := e.cfg.StrategyID
	e.sink.Publish(events.NewAccount(id, at, e.account.Snapshot()))
	e.sink.Publish(events.NewTrades(id, e.cfg.Instrument, at, e.trades.OpenTrades(), e.trades.ClosedTrades()))
	if ir, ok := e.strategy.(strategies.IndicatorReporter); ok {
		e.sink.Publish(events.NewIndicators(id, e.cfg.Instrument, at, ir.Indicators()))
	}
	e.sink.Publish(events.NewBarSeries(id, e.cfg.Instrument, at, e.data.Series()))
}

func (e *Engine) publishLog(level events.Level, msg string, fields map[string]string) {
	at := e.lastBar.End()
	if e.lastBar.Time.IsZero() {
		at = time.Now().UTC()
	}
	e.sink.Publish(events.NewLog(e.cfg.StrategyID, at, level, msg, fields))
}

// gate applies the risk checks to a proposed entry.
func (e *Engine) gate(ctx context.Context, in risk.Intent) error {
	acct := risk.AccountState{Equity: e.account.Equity(), OpenTrades: len(e.trades.OpenTrades())}

	var daily *risk.DailyEquity
	if de, ok := e.risk.CurrentDayStartingEquity(ctx); ok {
		daily = &de
	} else {
		e.logger.Warn("day-start equity unavailable", zap.Bool("fail_open", e.cfg.FailOpen))
		e.publishLog(events.LevelWarn, "day-start equity unavailable", map[string]string{
			"account_id": e.cfg.AccountID,
			"fail_open":  strconv.FormatBool(e.cfg.FailOpen),
		})
		if !e.cfg.FailOpen {
			return fmt.Errorf("%w: day-start equity unavailable", risk.ErrRejected)
		}
	}

	d := risk.Evaluate(e.cfg.Risk, in, acct, daily)
	if err := d.Err(); err != nil {
		e.logger.Info("entry rejected", zap.Error(err))
		e.publishLog(events.LevelInfo, "entry rejected", map[string]string{
			"instrument": in.Instrument,
			"reason":     err.Error(),
		})
		return err
	}
	return nil
}

func (e *Engine) openTrade(ctx context.Context, req strategies.OrderRequest) (sim.Trade, error) {
	if e.State() != Running {
		return sim.Trade{}, fmt.Errorf("engine: open in state %s", e.State())
	}
	if req.Instrument == "" {
		req.Instrument = e.cfg.Instrument
	}
	if req.Instrument != e.lastBar.Instrument {
		return sim.Trade{}, fmt.Errorf("%w: no price for %s", sim.ErrInvalidOrder, req.Instrument)
	}

	in := risk.Intent{
		Instrument: req.Instrument,
		Size:       req.Size,
		Long:       req.Long,
		Entry:      decimal.NewFromFloat(e.lastBar.Close),
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	}
	if err := e.gate(ctx, in); err != nil {
		return sim.Trade{}, err
	}

	fill, err := e.exec.Open(ctx, req, e.lastBar)
	if err != nil {
		return sim.Trade{}, err
	}
	t, err := e.tsm.Open(sim.OpenRequest{
		ID:         fill.TradeID,
		Instrument: req.Instrument,
		Size:       req.Size,
		Long:       req.Long,
		Price:      fill.Price,
		Time:       fill.Time,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	})
	if err != nil {
		return sim.Trade{}, err
	}
	e.logger.Debug("trade opened",
		zap.String("trade_id", t.ID),
		zap.Bool("long", t.Long),
		zap.String("size", t.Size.String()),
		zap.String("price", t.OpenPrice.String()))
	return t, nil
}

func (e *Engine) closeTrade(ctx context.Context, tradeID, reason string) (sim.Trade, error) {
	t, ok := e.trades.Get(tradeID)
	if !ok {
		return sim.Trade{}, fmt.Errorf("close trade %q: %w", tradeID, sim.ErrTradeNotFound)
	}
	if t.Closed {
		return sim.Trade{}, fmt.Errorf("close trade %q: %w", tradeID, sim.ErrTradeClosed)
	}
	fill, err := e.exec.Close(ctx, t, e.lastBar)
	if err != nil {
		return sim.Trade{}, err
	}
	return e.tsm.Close(tradeID, fill.Price, fill.Time, reason)
}

// tradeContext is handed to the strategy for the duration of one OnBar.
// The engine mutex is held throughout.
type tradeContext struct {
	e *Engine
}

func (tc *tradeContext) Open(ctx context.Context, req strategies.OrderRequest) (sim.Trade, error) {
	return tc.e.openTrade(ctx, req)
}

func (tc *tradeContext) Close(ctx context.Context, tradeID, reason string) (sim.Trade, error) {
	return tc.e.closeTrade(ctx, tradeID, reason)
}

func (tc *tradeContext) OpenTrades() []sim.Trade { return tc.e.trades.OpenTrades() }
func (tc *tradeContext) Account() sim.Account    { return tc.e.account.Snapshot() }
func (tc *tradeContext) Series() []market.Bar    { return tc.e.data.Series() }
