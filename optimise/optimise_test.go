package optimise

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rustyeddy/stratlab/common"
	"github.com/rustyeddy/stratlab/engine"
	"github.com/rustyeddy/stratlab/market"
	"github.com/rustyeddy/stratlab/strategies"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	t0  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now = t0.AddDate(1, 0, 0)
)

func fixed(v float64) *float64 { return &v }

func dailyBars(closes ...float64) []market.Bar {
	out := make([]market.Bar, len(closes))
	for i, c := range closes {
		out[i] = market.Bar{
			Instrument: "EUR_USD",
			Period:     24 * time.Hour,
			Time:       t0.AddDate(0, 0, i),
			Open:       c,
			High:       c + 0.001,
			Low:        c - 0.001,
			Close:      c,
			Volume:     1000,
		}
	}
	return out
}

func baseConfig() Config {
	return Config{
		Strategy:    "open-once",
		Instrument:  "EUR_USD",
		Period:      "D",
		From:        t0,
		To:          t0.AddDate(0, 0, 5),
		InitialCash: 10000,
	}
}

func TestParameterRange_Expand(t *testing.T) {
	t.Parallel()

	v, err := ParameterRange{Name: "a", Start: 0, End: 2, Step: 1, Selected: true}.Expand()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, v)

	v, err = ParameterRange{Name: "pct", Start: 0.1, End: 0.3, Step: 0.1, Selected: true}.Expand()
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, v)

	v, err = ParameterRange{Name: "b", Start: 1, End: 9, Step: 1, Fixed: fixed(5)}.Expand()
	require.NoError(t, err)
	assert.Equal(t, []float64{5}, v)

	v, err = ParameterRange{Name: "c", Start: 3}.Expand()
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, v)

	_, err = ParameterRange{Name: "d", Start: 0, End: 1, Step: 0, Selected: true}.Expand()
	assert.ErrorIs(t, err, common.ErrConfig)
	_, err = ParameterRange{Name: "e", Start: 2, End: 1, Step: 1, Selected: true}.Expand()
	assert.ErrorIs(t, err, common.ErrConfig)

	// an explicit list wins over start/end/step
	v, err = ParameterRange{Name: "f", Values: []float64{8, 13, 21}, Selected: true}.Expand()
	require.NoError(t, err)
	assert.Equal(t, []float64{8, 13, 21}, v)

	v, err = ParameterRange{Name: "g", Values: []float64{8, 13}, Start: 1}.Expand()
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, v)

	_, err = ParameterRange{Name: "h", Values: []float64{math.NaN()}, Selected: true}.Expand()
	assert.ErrorIs(t, err, common.ErrConfig)
}

func TestConfig_ExpandSelectedOnly(t *testing.T) {
	t.Parallel()

	c := baseConfig()
	c.Parameters = []ParameterRange{
		{Name: "A", Start: 0, End: 2, Step: 1, Selected: true},
		{Name: "B", Fixed: fixed(5)},
	}
	runs, err := c.Expand(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, p := range runs {
		assert.Equal(t, float64(i), p["A"])
		assert.Equal(t, 5.0, p["B"])
	}
}

func TestConfig_ExpandCartesian(t *testing.T) {
	t.Parallel()

	c := baseConfig()
	c.Parameters = []ParameterRange{
		{Name: "fast", Start: 5, End: 10, Step: 5, Selected: true},
		{Name: "slow", Start: 20, End: 40, Step: 10, Selected: true},
	}
	runs, err := c.Expand(100)
	require.NoError(t, err)
	require.Len(t, runs, 6)
	assert.Equal(t, strategies.Params{"fast": 5, "slow": 20}, runs[0])
	assert.Equal(t, strategies.Params{"fast": 5, "slow": 40}, runs[2])
	assert.Equal(t, strategies.Params{"fast": 10, "slow": 40}, runs[5])

	_, err = c.Expand(5)
	assert.ErrorIs(t, err, common.ErrConfig)

	c.Parameters = nil
	runs, err = c.Expand(1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestConfig_ExpandHugeRangeRejectedUpFront(t *testing.T) {
	t.Parallel()

	c := baseConfig()
	c.Parameters = []ParameterRange{
		{Name: "slow", Start: 0, End: 1e12, Step: 1, Selected: true},
	}
	done := make(chan error, 1)
	go func() {
		_, err := c.Expand(10)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, common.ErrConfig)
	case <-time.After(time.Second):
		t.Fatal("expansion of a huge range did not fail fast")
	}

	c.Parameters = []ParameterRange{
		{Name: "fast", Start: 1, End: 1000, Step: 1, Selected: true},
		{Name: "slow", Start: 1, End: 1000, Step: 1, Selected: true},
	}
	_, err := c.Expand(10_000)
	assert.ErrorIs(t, err, common.ErrConfig)

	c.Parameters = []ParameterRange{
		{Name: "rr", Values: make([]float64, MaxRangeValues+1), Selected: true},
	}
	_, err = c.Expand(0)
	assert.ErrorIs(t, err, common.ErrConfig)
}

func TestParameterRange_Count(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		r    ParameterRange
		want int
	}{
		{"unselected", ParameterRange{Name: "a", Start: 1, End: 9, Step: 1}, 1},
		{"values", ParameterRange{Name: "b", Values: []float64{1, 2, 3}, Selected: true}, 3},
		{"whole", ParameterRange{Name: "c", Start: 0, End: 2, Step: 1, Selected: true}, 3},
		{"decimal", ParameterRange{Name: "d", Start: 0.1, End: 0.3, Step: 0.1, Selected: true}, 3},
		{"uneven", ParameterRange{Name: "e", Start: 0, End: 1, Step: 0.3, Selected: true}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := tt.r.Count()
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
			v, err := tt.r.Expand()
			require.NoError(t, err)
			assert.Len(t, v, n)
		})
	}

	_, err := ParameterRange{Name: "f", Start: 0, End: 1e9, Step: 1, Selected: true}.Count()
	assert.ErrorIs(t, err, common.ErrConfig)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	reg := strategies.Builtins()
	require.NoError(t, baseConfig().Validate(now, reg))

	for _, p := range []string{"H1", "M5", "W", "bogus"} {
		c := baseConfig()
		c.Period = p
		err := c.Validate(now, reg)
		assert.ErrorIs(t, err, ErrUnsupportedPeriod, p)
		assert.ErrorIs(t, err, common.ErrConfig, p)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"strategy", func(c *Config) { c.Strategy = "martingale" }},
		{"instrument", func(c *Config) { c.Instrument = "" }},
		{"cash", func(c *Config) { c.InitialCash = 0 }},
		{"future", func(c *Config) { c.To = now.Add(time.Hour) }},
		{"range", func(c *Config) { c.From = c.To }},
		{"duplicate", func(c *Config) {
			c.Parameters = []ParameterRange{{Name: "size", Start: 1}, {Name: "size", Start: 2}}
		}},
	}
	for _, tt := range tests {
		c := baseConfig()
		tt.mutate(&c)
		assert.ErrorIs(t, c.Validate(now, reg), common.ErrConfig, tt.name)
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
strategy: ema-cross
instrument: EUR_USD
period: D
from: 2024-01-01T00:00:00Z
to: 2024-06-01T00:00:00Z
initial_cash: 10000
spread: 0.0001
parameters:
  - name: fast
    start: 5
    end: 15
    step: 5
    selected: true
  - name: slow
    fixed: 50
  - name: rr
    values: [1.5, 2]
    selected: true
`), 0o644))

	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ema-cross", c.Strategy)
	assert.Equal(t, t0, c.From)
	assert.Equal(t, 10000.0, c.InitialCash)
	require.Len(t, c.Parameters, 3)
	require.NotNil(t, c.Parameters[1].Fixed)
	assert.Equal(t, 50.0, *c.Parameters[1].Fixed)
	assert.Equal(t, []float64{1.5, 2}, c.Parameters[2].Values)

	runs, err := c.Expand(0)
	require.NoError(t, err)
	assert.Len(t, runs, 6)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, Task{ID: "t1", Config: baseConfig(), Progress: NewProgress(4, 0, 0)})
	require.NoError(t, err)

	err = s.UpdateProgress(ctx, "t1", NewProgress(4, 1, 0))
	assert.ErrorIs(t, err, ErrTaskNotRunning)
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, Pending, got.State)
	assert.Equal(t, 0, got.Progress.Completed)

	task, ok, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Running, task.State)

	_, ok, err = s.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UpdateProgress(ctx, "t1", NewProgress(4, 3, 1)))
	require.NoError(t, s.Complete(ctx, "t1", Summary{Runs: 4}))
	got, _ = s.Get(ctx, "t1")
	assert.Equal(t, Completed, got.State)
	assert.Equal(t, 100.0, got.Progress.Percent)

	assert.ErrorIs(t, s.UpdateProgress(ctx, "t1", NewProgress(4, 0, 0)), ErrTaskNotRunning)
	assert.ErrorIs(t, s.Fail(ctx, "t1", "late"), ErrTaskNotRunning)
	got, _ = s.Get(ctx, "t1")
	assert.Equal(t, 3, got.Progress.Completed)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, s.SaveResult(ctx, RunResult{TaskID: "nope"}), ErrTaskNotFound)
}

func TestMemoryStore_SingleClaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, Task{ID: "only"})
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := s.ClaimNextPending(ctx); ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	res := func(id string, profit string) RunResult {
		return RunResult{ID: id, Parameters: strategies.Params{"x": 1},
			Result: engine.Result{NetProfit: decimal.RequireFromString(profit)}}
	}
	s := Summarize([]RunResult{res("a", "-5"), res("b", "15"), {ID: "c", Error: "boom"}, res("d", "2")})
	assert.Equal(t, 4, s.Runs)
	assert.Equal(t, 3, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, "b", s.BestRunID)
	assert.True(t, s.BestNetProfit.Equal(decimal.NewFromInt(15)))
	assert.True(t, s.MeanProfit.Equal(decimal.NewFromInt(4)))
}

func newScheduler(t *testing.T, loader BarLoader) (*Scheduler, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return &Scheduler{
		Store:        store,
		Loader:       loader,
		Strategies:   strategies.Builtins(),
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		MaxRuns:      100,
		Logger:       zaptest.NewLogger(t),
		Now:          func() time.Time { return now },
	}, store
}

func TestScheduler_ProcessSweep(t *testing.T) {
	t.Parallel()

	bars := dailyBars(1.10, 1.11, 1.12, 1.13, 1.14)
	var loads int
	var mu sync.Mutex
	s, store := newScheduler(t, BarLoaderFunc(func(ctx context.Context, cfg Config) ([]market.Bar, error) {
		mu.Lock()
		loads++
		mu.Unlock()
		return bars, nil
	}))
	s.Registry = engine.NewRegistry(nil)

	cfg := baseConfig()
	cfg.Parameters = []ParameterRange{
		{Name: "size", Start: 0, End: 2000, Step: 1000, Selected: true},
		{Name: "long", Fixed: fixed(1)},
	}
	ctx := context.Background()
	task, err := s.Submit(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, Pending, task.State)
	assert.Equal(t, 3, task.Progress.Total)

	found, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, loads)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, Completed, got.State)
	assert.Equal(t, NewProgress(3, 2, 1), got.Progress)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 2, got.Summary.Completed)
	assert.Equal(t, 1, got.Summary.Failed)
	assert.Equal(t, 2000.0, got.Summary.BestParams["size"])
	assert.True(t, got.Summary.BestNetProfit.Equal(decimal.NewFromInt(80)), got.Summary.BestNetProfit.String())

	results, err := store.Results(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	found, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestScheduler_LoaderFailureFailsTask(t *testing.T) {
	t.Parallel()

	s, store := newScheduler(t, BarLoaderFunc(func(context.Context, Config) ([]market.Bar, error) {
		return nil, errors.New("broker down")
	}))
	ctx := context.Background()
	task, err := s.Submit(ctx, baseConfig())
	require.NoError(t, err)

	_, err = s.RunOnce(ctx)
	require.Error(t, err)

	got, _ := store.Get(ctx, task.ID)
	assert.Equal(t, Failed, got.State)
	assert.Contains(t, got.Error, "broker down")
}

func TestScheduler_SubmitRejects(t *testing.T) {
	t.Parallel()

	s, store := newScheduler(t, nil)
	cfg := baseConfig()
	cfg.Period = "H4"
	_, err := s.Submit(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnsupportedPeriod)

	cfg = baseConfig()
	cfg.Parameters = []ParameterRange{{Name: "size", Start: 1, End: 1000, Step: 1, Selected: true}}
	_, err = s.Submit(context.Background(), cfg)
	assert.ErrorIs(t, err, common.ErrConfig)

	tasks, _ := store.List(context.Background())
	assert.Empty(t, tasks)
}

func TestScheduler_RunPolls(t *testing.T) {
	t.Parallel()

	s, store := newScheduler(t, BarLoaderFunc(func(context.Context, Config) ([]market.Bar, error) {
		return dailyBars(1.1, 1.2), nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	task, err := s.Submit(ctx, baseConfig())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, _ := store.Get(ctx, task.ID)
		return got.State == Completed
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestScheduler_NilLoader(t *testing.T) {
	t.Parallel()

	s, store := newScheduler(t, nil)
	ctx := context.Background()
	task, err := s.Submit(ctx, baseConfig())
	require.NoError(t, err)

	found, err := s.RunOnce(ctx)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	assert.False(t, found)
	got, _ := store.Get(ctx, task.ID)
	assert.Equal(t, Pending, got.State)

	claimed, ok, err := store.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotPanics(t, func() { err = s.Process(ctx, claimed) })
	assert.ErrorIs(t, err, common.ErrNilPointer)
	got, _ = store.Get(ctx, task.ID)
	assert.Equal(t, Failed, got.State)
}

type flakyStore struct {
	*MemoryStore
	progressErr error
	completeErr error
}

func (s *flakyStore) UpdateProgress(ctx context.Context, id string, p Progress) error {
	if s.progressErr != nil {
		return s.progressErr
	}
	return s.MemoryStore.UpdateProgress(ctx, id, p)
}

func (s *flakyStore) Complete(ctx context.Context, id string, sum Summary) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	return s.MemoryStore.Complete(ctx, id, sum)
}

func TestScheduler_StoreFailureFailsTask(t *testing.T) {
	t.Parallel()

	diskFull := errors.New("disk full")
	tests := []struct {
		name  string
		store func(*MemoryStore) *flakyStore
	}{
		{"progress", func(m *MemoryStore) *flakyStore { return &flakyStore{MemoryStore: m, progressErr: diskFull} }},
		{"complete", func(m *MemoryStore) *flakyStore { return &flakyStore{MemoryStore: m, completeErr: diskFull} }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, mem := newScheduler(t, BarLoaderFunc(func(context.Context, Config) ([]market.Bar, error) {
				return dailyBars(1.1, 1.2), nil
			}))
			s.Store = tt.store(mem)
			ctx := context.Background()
			task, err := s.Submit(ctx, baseConfig())
			require.NoError(t, err)

			_, err = s.RunOnce(ctx)
			assert.ErrorIs(t, err, diskFull)

			got, err := mem.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, Failed, got.State)
			assert.Contains(t, got.Error, "disk full")
		})
	}
}

func TestScheduler_CancelledTaskMarkedFailed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	s, store := newScheduler(t, BarLoaderFunc(func(context.Context, Config) ([]market.Bar, error) {
		cancel()
		return nil, context.Canceled
	}))
	task, err := s.Submit(context.Background(), baseConfig())
	require.NoError(t, err)

	_, err = s.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	got, _ := store.Get(context.Background(), task.ID)
	assert.Equal(t, Failed, got.State)
}
