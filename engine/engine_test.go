package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func hourBars(closes ...float64) []market.Bar {
	out := make([]market.Bar, len(closes))
	for i, c := range closes {
		out[i] = market.Bar{
			Instrument: "EUR_USD",
			Period:     time.Hour,
			Time:       t0.Add(time.Duration(i) * time.Hour),
			Open:       c,
			High:       c + 0.0010,
			Low:        c - 0.0010,
			Close:      c,
			Volume:     100,
		}
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
	errs   []error
}

func (s *recordingSink) Publish(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) PublishError(_ string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *recordingSink) kind(k events.Kind) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) progress(state State) []events.Progress {
	var out []events.Progress
	for _, ev := range s.kind(events.KindProgress) {
		if p := ev.Payload.(events.Progress); p.State == state.String() {
			out = append(out, p)
		}
	}
	return out
}

type funcStrategy struct {
	fn func(ctx context.Context, tc strategies.TradeContext, bar market.Bar) error
}

func (funcStrategy) Name() string { return "func" }

func (f funcStrategy) OnBar(ctx context.Context, tc strategies.TradeContext, bar market.Bar) error {
	return f.fn(ctx, tc, bar)
}

func backtestConfig(n int) Config {
	return Config{
		StrategyID:      "run-1",
		Mode:            Backtest,
		Instrument:      "EUR_USD",
		Period:          time.Hour,
		From:            t0,
		To:              t0.Add(time.Duration(n) * time.Hour),
		InitialCash:     d("10000"),
		CloseOnComplete: true,
	}
}

func newEngine(t *testing.T, cfg Config, deps Deps) (*Engine, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	if deps.Sink == nil {
		deps.Sink = sink
	}
	deps.Logger = zaptest.NewLogger(t)
	e, err := New(cfg, deps)
	require.NoError(t, err)
	return e, sink
}

func TestRun_NoopTwoBars(t *testing.T) {
	t.Parallel()

	e, sink := newEngine(t, backtestConfig(2), Deps{Strategy: strategies.Noop{}})
	require.NoError(t, e.Run(context.Background(), data.NewSliceSource(hourBars(1.1000, 1.1010))))

	assert.Equal(t, Completed, e.State())
	acct := e.Account()
	assert.True(t, acct.Balance.Equal(d("10000")))
	assert.True(t, acct.Equity.Equal(d("10000")))

	done := sink.progress(Completed)
	require.Len(t, done, 1)
	assert.Equal(t, 100.0, done[0].Percent)
	assert.Equal(t, 2, done[0].Bars)
	assert.Len(t, sink.progress(Running), 2)
	assert.Empty(t, sink.errs)

	select {
	case <-e.Done():
	default:
		t.Fatal("done not closed")
	}

	res, ok := e.Result()
	require.True(t, ok)
	assert.Equal(t, 0, res.Trades)
	assert.True(t, res.NetProfit.IsZero())
}

func TestRun_ProgressAndSnapshots(t *testing.T) {
	t.Parallel()

	cfg := backtestConfig(4)
	cfg.SnapshotEvery = 2
	e, sink := newEngine(t, cfg, Deps{Strategy: strategies.Noop{}})
	require.NoError(t, e.Run(context.Background(), data.NewSliceSource(hourBars(1.1, 1.1, 1.1, 1.1))))

	running := sink.progress(Running)
	require.Len(t, running, 4)
	assert.InDelta(t, 25.0, running[0].Percent, 1e-9)
	assert.InDelta(t, 100.0, running[3].Percent, 1e-9)

	// bars 2 and 4, plus the final snapshot
	assert.Len(t, sink.kind(events.KindAccount), 3)
	assert.Len(t, sink.kind(events.KindTrades), 3)
	assert.Len(t, sink.kind(events.KindBarSeries), 3)
}

func TestRun_OpenOnceClosedAtEnd(t *testing.T) {
	t.Parallel()

	s, err := strategies.NewOpenOnce(strategies.Params{"size": 1000})
	require.NoError(t, err)
	e, _ := newEngine(t, backtestConfig(2), Deps{Strategy: s})
	require.NoError(t, e.Run(context.Background(), data.NewSliceSource(hourBars(1.1020, 1.1040))))

	trades := e.Trades()
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.True(t, tr.Closed)
	assert.Equal(t, sim.ReasonEndOfRun, tr.CloseReason)
	assert.True(t, tr.Profit.Equal(d("2")), tr.Profit.String())

	acct := e.Account()
	assert.True(t, acct.Balance.Equal(d("10002")))
	assert.True(t, acct.Equity.Equal(acct.Balance))

	res, ok := e.Result()
	require.True(t, ok)
	assert.Equal(t, 1, res.Trades)
	assert.Equal(t, 1, res.Wins)
	assert.InDelta(t, 0.02, res.ReturnPct, 1e-9)
}

func TestRun_StopLossHitOnLaterBar(t *testing.T) {
	t.Parallel()

	opened := false
	strat := funcStrategy{fn: func(ctx context.Context, tc strategies.TradeContext, bar market.Bar) error {
		if opened {
			return nil
		}
		opened = true
		_, err := tc.Open(ctx, strategies.OrderRequest{
			Size:     d("1000"),
			Long:     true,
			StopLoss: decimal.NewNullDecimal(d("1.0990")),
		})
		return err
	}}
	e, _ := newEngine(t, backtestConfig(3), Deps{Strategy: strat})
	require.NoError(t, e.Run(context.Background(), data.NewSliceSource(hourBars(1.1000, 1.0995, 1.0990))))

	trades := e.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, sim.ReasonStopLoss, trades[0].CloseReason)
	assert.Equal(t, t0.Add(2*time.Hour), trades[0].CloseTime)
	assert.True(t, e.Account().Balance.Equal(d("9999")))
}

func TestRun_SpreadOnSimulatedFills(t *testing.T) {
	t.Parallel()

	cfg := backtestConfig(1)
	cfg.Spread = d("0.0002")
	s, err := strategies.NewOpenOnce(strategies.Params{"size": 10000})
	require.NoError(t, err)
	e, _ := newEngine(t, cfg, Deps{Strategy: s})
	require.NoError(t, e.Run(context.Background(), data.NewSliceSource(hourBars(1.1000))))

	tr := e.Trades()[0]
	assert.True(t, tr.OpenPrice.Equal(d("1.1001")))
	assert.True(t, tr.ClosePrice.Equal(d("1.0999")))
	assert.True(t, tr.Profit.Equal(d("-2")))
}

type absentRisk struct{}

func (absentRisk) CurrentDayStartingEquity(context.Context) (risk.DailyEquity, bool) {
	return risk.DailyEquity{}, false
}

func TestGate_FailOpen(t *testing.T) {
	t.Parallel()

	for _, failOpen := range []bool{true, false} {
		cfg := backtestConfig(1)
		cfg.FailOpen = failOpen
		var openErr error
		strat := funcStrategy{fn: func(ctx context.Context, tc strategies.TradeContext, bar market.Bar) error {
			_, openErr = tc.Open(ctx, strategies.OrderRequest{Size: d("1")})
			return nil
		}}
		e, sink := newEngine(t, cfg, Deps{Strategy: strat, Risk: absentRisk{}})
		require.NoError(t, e.Run(context.Background(), data.NewSliceSource(hourBars(1.1))))

		logs := sink.kind(events.KindLogs)
		require.NotEmpty(t, logs)
		first := logs[0].Payload.(events.Log)
		assert.Equal(t, events.LevelWarn, first.Level)
		assert.Equal(t, "day-start equity unavailable", first.Message)

		if failOpen {
			assert.NoError(t, openErr)
			assert.Len(t, e.Trades(), 1)
		} else {
			assert.ErrorIs(t, openErr, risk.ErrRejected)
			assert.Empty(t, e.Trades())
		}
	}
}

func TestGate_LimitsReject(t *testing.T) {
	t.Parallel()

	cfg := backtestConfig(1)
	cfg.Risk = risk.Limits{MaxOpenTrades: 1}
	var errs []error
	strat := funcStrategy{fn: func(ctx context.Context, tc strategies.TradeContext, bar market.Bar) error {
		for i := 0; i < 2; i++ {
			_, err := tc.Open(ctx, strategies.OrderRequest{Size: d("1")})
			errs = append(errs, err)
		}
		return nil
	}}
	e, sink := newEngine(t, cfg, Deps{Strategy: strat})
	require.NoError(t, e.Run(context.Background(), data.NewSliceSource(hourBars(1.1))))

	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], risk.ErrRejected)
	assert.Contains(t, errs[1].Error(), "TOO_MANY_OPEN_TRADES")
	assert.NotEmpty(t, sink.kind(events.KindLogs))
}

func TestRun_StrategyErrorFails(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	strat := funcStrategy{fn: func(context.Context, strategies.TradeContext, market.Bar) error { return boom }}
	e, sink := newEngine(t, backtestConfig(2), Deps{Strategy: strat})

	err := e.Run(context.Background(), data.NewSliceSource(hourBars(1.1, 1.1)))
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrExecution)
	assert.ErrorIs(t, err, boom)

	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "run-1", ee.StrategyID)
	assert.Equal(t, Failed, e.State())
	assert.Equal(t, err, e.Err())
	require.Len(t, sink.errs, 1)
	assert.Empty(t, sink.progress(Completed))

	_, ok := e.Result()
	assert.False(t, ok)
}

func TestRun_StrategyPanicFails(t *testing.T) {
	t.Parallel()

	strat := funcStrategy{fn: func(context.Context, strategies.TradeContext, market.Bar) error { panic("bad index") }}
	e, _ := newEngine(t, backtestConfig(1), Deps{Strategy: strat})
	err := e.Run(context.Background(), data.NewSliceSource(hourBars(1.1)))
	assert.ErrorIs(t, err, common.ErrExecution)
	assert.Contains(t, err.Error(), "bad index")
	assert.Equal(t, Failed, e.State())
}

func TestRun_OnlyOnce(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, backtestConfig(1), Deps{Strategy: strategies.Noop{}})
	require.NoError(t, e.Run(context.Background(), data.NewSliceSource(hourBars(1.1))))
	err := e.Run(context.Background(), data.NewSliceSource(hourBars(1.1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal transition")
}

func TestRun_ModeMismatch(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, backtestConfig(1), Deps{Strategy: strategies.Noop{}})
	assert.ErrorIs(t, e.RunLive(context.Background(), data.NewSliceSource(nil)), common.ErrConfig)
	assert.Equal(t, Created, e.State())
}

// blockingSource yields its bars and then waits for ctx.
type blockingSource struct {
	bars []market.Bar
}

func (s *blockingSource) Next(ctx context.Context) (market.Bar, bool, error) {
	if len(s.bars) > 0 {
		b := s.bars[0]
		s.bars = s.bars[1:]
		return b, true, nil
	}
	<-ctx.Done()
	return market.Bar{}, false, ctx.Err()
}

func liveConfig() Config {
	return Config{
		StrategyID:  "live-1",
		Mode:        Live,
		Instrument:  "EUR_USD",
		Period:      time.Hour,
		InitialCash: d("10000"),
	}
}

func TestRunLive_Stop(t *testing.T) {
	t.Parallel()

	dm := data.NewManager(10, nil)
	e, sink := newEngine(t, liveConfig(), Deps{Strategy: strategies.Noop{}, Data: dm})

	errc := make(chan error, 1)
	go func() { errc <- e.RunLive(context.Background(), &blockingSource{bars: hourBars(1.1)}) }()

	require.Eventually(t, func() bool { return len(sink.progress(Running)) == 1 }, 2*time.Second, 5*time.Millisecond)
	e.Stop()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after Stop")
	}
	assert.Equal(t, Stopped, e.State())
	assert.Equal(t, 0, dm.Listeners())
	assert.Len(t, sink.progress(Stopped), 1)

	e.Stop()
	assert.Len(t, sink.progress(Stopped), 1)
}

func TestRunLive_ContextCancel(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, liveConfig(), Deps{Strategy: strategies.Noop{}})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.RunLive(ctx, &blockingSource{}) }()

	require.Eventually(t, func() bool { return e.State() == Running }, 2*time.Second, 5*time.Millisecond)
	cancel()
	err := <-errc
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Stopped, e.State())
}

func TestOnTick_Revalues(t *testing.T) {
	t.Parallel()

	dm := data.NewManager(10, nil)
	s, err := strategies.NewOpenOnce(strategies.Params{"size": 1000})
	require.NoError(t, err)
	e, _ := newEngine(t, liveConfig(), Deps{Strategy: s, Data: dm})

	errc := make(chan error, 1)
	go func() { errc <- e.RunLive(context.Background(), &blockingSource{bars: hourBars(1.1000)}) }()
	require.Eventually(t, func() bool { return len(e.Trades()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, dm.PushTick(context.Background(), market.Tick{Instrument: "EUR_USD", Time: t0, Bid: 1.1009, Mid: 1.1010, Ask: 1.1011}))
	assert.True(t, e.Account().Equity.Equal(d("10001")), e.Account().Equity.String())

	e.Stop()
	require.NoError(t, <-errc)
}

type fakeRouter struct {
	closed []string
}

func (r *fakeRouter) MarketOrder(_ context.Context, req broker.OrderRequest) (broker.OrderFill, error) {
	return broker.OrderFill{TradeID: "B-1", Price: d("1.2"), Time: t0.Add(time.Hour)}, nil
}

func (r *fakeRouter) CloseTrade(_ context.Context, id string) (broker.OrderFill, error) {
	r.closed = append(r.closed, id)
	return broker.OrderFill{TradeID: id, Price: d("1.21"), Time: t0.Add(2 * time.Hour)}, nil
}

func TestBrokerExecutor(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{}
	s, err := strategies.NewOpenOnce(strategies.Params{"size": 100, "long": 0})
	require.NoError(t, err)
	e, _ := newEngine(t, backtestConfig(2), Deps{Strategy: s, Executor: BrokerExecutor{Router: router}})
	require.NoError(t, e.Run(context.Background(), data.NewSliceSource(hourBars(1.1, 1.1))))

	tr := e.Trades()[0]
	assert.Equal(t, "B-1", tr.ID)
	assert.False(t, tr.Long)
	assert.Equal(t, []string{"B-1"}, router.closed)
	assert.True(t, tr.Profit.Equal(d("-1")), tr.Profit.String())
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"instrument", func(c *Config) { c.Instrument = "" }},
		{"period", func(c *Config) { c.Period = 0 }},
		{"cash", func(c *Config) { c.InitialCash = decimal.Zero }},
		{"spread", func(c *Config) { c.Spread = d("-1") }},
		{"range", func(c *Config) { c.To = c.From }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := backtestConfig(1)
			tt.mutate(&cfg)
			_, err := New(cfg, Deps{Strategy: strategies.Noop{}})
			assert.ErrorIs(t, err, common.ErrConfig)
		})
	}

	_, err := New(backtestConfig(1), Deps{})
	assert.ErrorIs(t, err, common.ErrNilPointer)

	e, err := New(Config{Mode: Live, Instrument: "EUR_USD", Period: time.Minute, InitialCash: d("1")},
		Deps{Strategy: strategies.Noop{}})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID())
}

func TestParseSpeed(t *testing.T) {
	t.Parallel()

	s, err := ParseSpeed("very_fast")
	require.NoError(t, err)
	assert.Equal(t, SpeedVeryFast, s)
	assert.Equal(t, time.Millisecond, s.Delay())

	s, err = ParseSpeed("")
	require.NoError(t, err)
	assert.Equal(t, SpeedInstant, s)
	assert.Zero(t, s.Delay())

	_, err = ParseSpeed("ludicrous")
	assert.ErrorIs(t, err, common.ErrConfig)
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	var b stateBox
	_, err := b.to(Completed)
	assert.Error(t, err)
	_, err = b.to(Running)
	require.NoError(t, err)
	_, err = b.to(Completed)
	require.NoError(t, err)
	for _, s := range []State{Running, Failed, Stopped} {
		_, err = b.to(s)
		assert.Error(t, err)
	}
	assert.True(t, Completed.Terminal())
	assert.False(t, Running.Terminal())
}

func TestAnalyser(t *testing.T) {
	t.Parallel()

	a := NewAnalyser(d("1000"))
	for _, eq := range []string{"1100", "990", "1050"} {
		a.Observe(t0, d(eq))
	}
	assert.InDelta(t, 10.0, a.MaxDrawdownPct(), 1e-9)

	closed := []sim.Trade{{Profit: d("30")}, {Profit: d("-10")}, {Profit: d("-5")}, {Profit: decimal.Zero}}
	r := a.Result(closed, sim.Account{Balance: d("1015"), Equity: d("1015")})
	assert.Equal(t, 4, r.Trades)
	assert.Equal(t, 1, r.Wins)
	assert.Equal(t, 2, r.Losses)
	assert.InDelta(t, 25.0, r.WinRate, 1e-9)
	assert.InDelta(t, 2.0, r.ProfitFactor, 1e-9)
	assert.InDelta(t, 1.5, r.ReturnPct, 1e-9)

	var sb strings.Builder
	PrintResult(&sb, r)
	assert.Contains(t, sb.String(), "Profit Factor: 2.00")
	assert.Contains(t, sb.String(), "Max Drawdown:  10.00%")
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(zaptest.NewLogger(t))
	a, _ := newEngine(t, liveConfig(), Deps{Strategy: strategies.Noop{}})
	cfg := backtestConfig(1)
	b, _ := newEngine(t, cfg, Deps{Strategy: strategies.Noop{}})

	require.NoError(t, reg.Add(a))
	require.NoError(t, reg.Add(b))
	assert.ErrorIs(t, reg.Add(a), common.ErrConfig)
	assert.Equal(t, []string{"live-1", "run-1"}, reg.List())

	got, ok := reg.Get("run-1")
	require.True(t, ok)
	assert.Same(t, b, got)

	require.NoError(t, b.Run(context.Background(), data.NewSliceSource(hourBars(1.1))))
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	errc := make(chan error, 1)
	go func() { errc <- a.RunLive(context.Background(), &blockingSource{}) }()
	require.Eventually(t, func() bool { return a.State() == Running }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reg.Drain(ctx))
	assert.Zero(t, reg.Len())
	assert.Equal(t, Stopped, a.State())
	require.NoError(t, <-errc)

	assert.False(t, reg.Stop("live-1"))
	assert.False(t, reg.Remove("live-1"))
}
