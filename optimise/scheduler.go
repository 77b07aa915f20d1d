package optimise

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/stratlab/broker"
	"github.com/rustyeddy/stratlab/common"
	"github.com/rustyeddy/stratlab/data"
	"github.com/rustyeddy/stratlab/engine"
	"github.com/rustyeddy/stratlab/events"
	"github.com/rustyeddy/stratlab/internal/id"
	"github.com/rustyeddy/stratlab/market"
	"github.com/rustyeddy/stratlab/strategies"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BarLoader supplies the bars a task runs over. They are loaded once per
// task and shared read-only by every run.
type BarLoader interface {
	LoadBars(ctx context.Context, cfg Config) ([]market.Bar, error)
}

type BarLoaderFunc func(ctx context.Context, cfg Config) ([]market.Bar, error)

func (f BarLoaderFunc) LoadBars(ctx context.Context, cfg Config) ([]market.Bar, error) {
	return f(ctx, cfg)
}

// ClientLoader fetches bars from a market data client.
type ClientLoader struct {
	Client broker.MarketDataClient
}

func (l ClientLoader) LoadBars(ctx context.Context, cfg Config) ([]market.Bar, error) {
	period, err := cfg.PeriodDuration()
	if err != nil {
		return nil, err
	}
	return data.Collect(ctx, l.Client, broker.CandleRequest{
		Instrument: cfg.Instrument,
		From:       cfg.From,
		To:         cfg.To,
		Period:     period,
	})
}

// FileLoader reads bars from a CSV or Parquet file.
type FileLoader struct {
	Path string
}

func (l FileLoader) LoadBars(ctx context.Context, cfg Config) ([]market.Bar, error) {
	src, err := data.OpenFile(l.Path, cfg.From, cfg.To)
	if err != nil {
		return nil, err
	}
	defer data.CloseSource(src)

	all, err := data.ReadAll(ctx, src)
	if err != nil {
		return nil, err
	}
	bars := all[:0]
	for _, b := range all {
		if b.Instrument == cfg.Instrument {
			bars = append(bars, b)
		}
	}
	return bars, nil
}

var errNilLoader = fmt.Errorf("%w: scheduler: loader", common.ErrNilPointer)

// Scheduler claims pending tasks and runs their parameter sweeps.
type Scheduler struct {
	Store        Store
	Loader       BarLoader
	Strategies   *strategies.Registry
	Workers      int
	PollInterval time.Duration
	MaxRuns      int

	// SeriesCapacity bounds the lookback window of each run; 0 keeps every bar.
	SeriesCapacity int

	// Engine carries the engine settings not part of a submission, such as
	// risk limits and snapshot cadence.
	Engine   engine.Config
	Sink     events.Sink
	Registry *engine.Registry
	Logger   *zap.Logger
	Now      func() time.Time
}

func (s *Scheduler) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger.Named("optimise")
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Scheduler) seriesCapacity(n int) int {
	if s.SeriesCapacity > 0 && s.SeriesCapacity < n {
		return s.SeriesCapacity
	}
	return n
}

func (s *Scheduler) registry() *strategies.Registry {
	if s.Strategies == nil {
		return strategies.Builtins()
	}
	return s.Strategies
}

// Submit validates cfg and stores it as a pending task.
func (s *Scheduler) Submit(ctx context.Context, cfg Config) (Task, error) {
	if err := cfg.Validate(s.now(), s.registry()); err != nil {
		return Task{}, err
	}
	runs, err := cfg.Expand(s.MaxRuns)
	if err != nil {
		return Task{}, err
	}
	t, err := s.Store.Create(ctx, Task{
		ID:       id.New(),
		Config:   cfg,
		Progress: NewProgress(len(runs), 0, 0),
	})
	if err != nil {
		return Task{}, err
	}
	s.logger().Info("task submitted",
		zap.String("task_id", t.ID),
		zap.String("strategy", cfg.Strategy),
		zap.Int("runs", len(runs)))
	return t, nil
}

// SubmitFile submits a YAML file.
func (s *Scheduler) SubmitFile(ctx context.Context, path string) (Task, error) {
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return Task{}, err
	}
	return s.Submit(ctx, cfg)
}

// Run processes tasks until ctx is done, polling when none are pending.
func (s *Scheduler) Run(ctx context.Context) error {
	poll := s.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	for {
		found, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger().Error("task processing failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if found {
			continue
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RunOnce claims and processes a single task. found is false when nothing
// was pending.
func (s *Scheduler) RunOnce(ctx context.Context) (found bool, err error) {
	if s.Loader == nil {
		return false, errNilLoader
	}
	task, ok, err := s.Store.ClaimNextPending(ctx)
	if err != nil || !ok {
		return false, err
	}
	return true, s.Process(ctx, task)
}

// Process runs every parameter combination of a RUNNING task. Failed runs
// are recorded and counted without stopping their siblings.
func (s *Scheduler) Process(ctx context.Context, task Task) error {
	log := s.logger().With(zap.String("task_id", task.ID))
	if s.Loader == nil {
		return s.fail(ctx, task, errNilLoader)
	}

	runs, err := task.Config.Expand(s.MaxRuns)
	if err != nil {
		return s.fail(ctx, task, err)
	}
	bars, err := s.Loader.LoadBars(ctx, task.Config)
	if err != nil {
		return s.fail(ctx, task, fmt.Errorf("load bars: %w", err))
	}
	if len(bars) == 0 {
		return s.fail(ctx, task, fmt.Errorf("%w: no bars for %s", common.ErrDataFetch, task.Config.Instrument))
	}
	if err := s.Store.UpdateProgress(ctx, task.ID, NewProgress(len(runs), 0, 0)); err != nil {
		return s.fail(ctx, task, fmt.Errorf("update progress: %w", err))
	}
	log.Info("task started", zap.Int("runs", len(runs)), zap.Int("bars", len(bars)))

	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)

	var (
		mu        sync.Mutex
		results   []RunResult
		completed int
		failed    int
		storeErrs error
	)
	for _, p := range runs {
		p := p
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r := s.runOne(ctx, task, p, bars)
			if ctx.Err() != nil {
				return ctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			results = append(results, r)
			if r.Failed() {
				failed++
				log.Warn("run failed", zap.String("params", p.String()), zap.String("error", r.Error))
			} else {
				completed++
			}
			storeErrs = multierr.Append(storeErrs, s.Store.SaveResult(ctx, r))
			storeErrs = multierr.Append(storeErrs,
				s.Store.UpdateProgress(ctx, task.ID, NewProgress(len(runs), completed, failed)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return s.fail(ctx, task, err)
	}
	if storeErrs != nil {
		return s.fail(ctx, task, storeErrs)
	}

	sum := Summarize(results)
	if err := s.Store.Complete(ctx, task.ID, sum); err != nil {
		return s.fail(ctx, task, fmt.Errorf("complete task: %w", err))
	}
	log.Info("task completed",
		zap.Int("completed", sum.Completed),
		zap.Int("failed", sum.Failed),
		zap.String("best_params", sum.BestParams.String()),
		zap.String("best_net_profit", sum.BestNetProfit.StringFixed(2)))
	return nil
}

// fail marks the task FAILED even when ctx is already cancelled, so no task
// is left RUNNING.
func (s *Scheduler) fail(ctx context.Context, task Task, cause error) error {
	s.logger().Error("task failed", zap.String("task_id", task.ID), zap.Error(cause))
	if err := s.Store.Fail(context.WithoutCancel(ctx), task.ID, cause.Error()); err != nil {
		return multierr.Append(cause, err)
	}
	return cause
}

func (s *Scheduler) runOne(ctx context.Context, task Task, p strategies.Params, bars []market.Bar) RunResult {
	r := RunResult{ID: id.New(), TaskID: task.ID, Parameters: p, CreatedAt: s.now()}
	res, err := s.backtest(ctx, task, r.ID, p, bars)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Result = res
	return r
}

func (s *Scheduler) backtest(ctx context.Context, task Task, runID string, p strategies.Params, bars []market.Bar) (engine.Result, error) {
	strat, err := s.registry().New(task.Config.Strategy, p)
	if err != nil {
		return engine.Result{}, err
	}
	period, err := task.Config.PeriodDuration()
	if err != nil {
		return engine.Result{}, err
	}
	speed, err := engine.ParseSpeed(task.Config.Speed)
	if err != nil {
		return engine.Result{}, err
	}

	cfg := s.Engine
	cfg.StrategyID = runID
	cfg.AccountID = runID
	cfg.Mode = engine.Backtest
	cfg.Instrument = task.Config.Instrument
	cfg.Period = period
	cfg.From = task.Config.From
	cfg.To = task.Config.To
	cfg.InitialCash = decimal.NewFromFloat(task.Config.InitialCash)
	cfg.Spread = decimal.NewFromFloat(task.Config.Spread)
	cfg.Speed = speed

	e, err := engine.New(cfg, engine.Deps{
		Strategy: strat,
		Data:     data.NewManager(s.seriesCapacity(len(bars)), s.Logger),
		Sink:     s.Sink,
		Logger:   s.Logger,
	})
	if err != nil {
		return engine.Result{}, err
	}
	if s.Registry != nil {
		if err := s.Registry.Add(e); err != nil {
			return engine.Result{}, err
		}
	}
	if err := e.Run(ctx, data.NewSliceSource(bars)); err != nil {
		return engine.Result{}, err
	}
	res, ok := e.Result()
	if !ok {
		return engine.Result{}, errors.New("run ended without a result")
	}
	return res, nil
}
