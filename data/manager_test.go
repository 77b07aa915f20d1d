package data

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rustyeddy/stratlab/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func mkBars(n int) []market.Bar {
	bars := make([]market.Bar, n)
	for i := range bars {
		p := 1.1 + float64(i)*0.001
		bars[i] = market.Bar{
			Instrument: "EUR_USD",
			Period:     time.Hour,
			Time:       t0.Add(time.Duration(i) * time.Hour),
			Open:       p, High: p + 0.002, Low: p - 0.002, Close: p + 0.001,
			Volume: 100,
		}
	}
	return bars
}

type recordingListener struct {
	name  string
	log   *[]string
	bars  []market.Bar
	err   error
	errAt int
}

func (l *recordingListener) OnBar(ctx context.Context, b market.Bar) error {
	l.bars = append(l.bars, b)
	if l.log != nil {
		*l.log = append(*l.log, l.name+"@"+b.Time.Format("15"))
	}
	if l.err != nil && len(l.bars) == l.errAt {
		return l.err
	}
	return nil
}

type tickRecorder struct {
	recordingListener
	ticks []market.Tick
}

func (l *tickRecorder) OnTick(ctx context.Context, t market.Tick) error {
	l.ticks = append(l.ticks, t)
	return nil
}

func TestPush_DispatchOrder(t *testing.T) {
	t.Parallel()

	var log []string
	m := NewManager(10, zaptest.NewLogger(t))
	a := &recordingListener{name: "a", log: &log}
	b := &recordingListener{name: "b", log: &log}
	m.AddListener(a)
	m.AddListener(b)

	for _, bar := range mkBars(2) {
		require.NoError(t, m.Push(context.Background(), bar))
	}
	assert.Equal(t, []string{"a@00", "b@00", "a@01", "b@01"}, log)
}

func TestPush_RejectsOutOfOrderAndInvalid(t *testing.T) {
	t.Parallel()

	m := NewManager(10, nil)
	l := &recordingListener{}
	m.AddListener(l)

	bars := mkBars(2)
	require.NoError(t, m.Push(context.Background(), bars[1]))

	err := m.Push(context.Background(), bars[0])
	assert.ErrorIs(t, err, ErrOutOfOrder)
	err = m.Push(context.Background(), bars[1])
	assert.ErrorIs(t, err, ErrOutOfOrder)

	bad := bars[1]
	bad.Time = bad.Time.Add(time.Hour)
	bad.High = bad.Low - 1
	assert.Error(t, m.Push(context.Background(), bad))

	other := bars[0]
	other.Instrument = "GBP_USD"
	require.NoError(t, m.Push(context.Background(), other))

	assert.Len(t, l.bars, 2)
	assert.Len(t, m.Series(), 2)
}

func TestPush_SeriesEvicts(t *testing.T) {
	t.Parallel()

	m := NewManager(3, nil)
	for _, b := range mkBars(5) {
		require.NoError(t, m.Push(context.Background(), b))
	}
	series := m.Series()
	require.Len(t, series, 3)
	assert.Equal(t, t0.Add(2*time.Hour), series[0].Time)
	assert.Equal(t, t0.Add(4*time.Hour), series[2].Time)
}

func TestPush_FailingListenerDetached(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	m := NewManager(10, zaptest.NewLogger(t))
	bad := &recordingListener{err: boom, errAt: 1}
	good := &recordingListener{}
	m.AddListener(bad)
	m.AddListener(good)

	bars := mkBars(3)
	err := m.Push(context.Background(), bars[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrListener)
	assert.Equal(t, 1, m.Listeners())

	require.NoError(t, m.Push(context.Background(), bars[1]))
	assert.Len(t, bad.bars, 1)
	assert.Len(t, good.bars, 2)
}

func TestPush_DetachSilently(t *testing.T) {
	t.Parallel()

	m := NewManager(10, nil)
	l := &recordingListener{err: ErrDetach, errAt: 1}
	id := m.AddListener(l)

	require.NoError(t, m.Push(context.Background(), mkBars(1)[0]))
	assert.Zero(t, m.Listeners())
	assert.False(t, m.RemoveListener(id))
}

func TestPush_FuncListenerDetached(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	m := NewManager(10, zaptest.NewLogger(t))
	calls := 0
	m.AddListener(ListenerFunc(func(context.Context, market.Bar) error {
		calls++
		return boom
	}))
	good := &recordingListener{}
	m.AddListener(good)

	bars := mkBars(2)
	var err error
	require.NotPanics(t, func() { err = m.Push(context.Background(), bars[0]) })
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrListener)
	assert.Equal(t, 1, m.Listeners())

	require.NoError(t, m.Push(context.Background(), bars[1]))
	assert.Equal(t, 1, calls)
	assert.Len(t, good.bars, 2)
}

func TestRemoveListener_ByID(t *testing.T) {
	t.Parallel()

	m := NewManager(10, nil)
	f := ListenerFunc(func(context.Context, market.Bar) error { return nil })
	a := m.AddListener(f)
	b := m.AddListener(f)
	assert.NotEqual(t, a, b)

	assert.True(t, m.RemoveListener(a))
	assert.False(t, m.RemoveListener(a))
	assert.Equal(t, 1, m.Listeners())
	assert.True(t, m.RemoveListener(b))
	assert.Zero(t, m.Listeners())
}

func TestPushTick(t *testing.T) {
	t.Parallel()

	m := NewManager(10, nil)
	l := &tickRecorder{}
	id := m.AddListener(l)

	require.NoError(t, m.PushTick(context.Background(), market.Tick{Instrument: "EUR_USD", Bid: 1.1, Ask: 1.2}))
	require.NoError(t, m.PushTick(context.Background(), market.Tick{Instrument: "EUR_USD", Bid: 1.2, Ask: 1.3}))
	assert.Error(t, m.PushTick(context.Background(), market.Tick{}))

	assert.Len(t, l.ticks, 2)
	tk, err := m.Ticks().Get("EUR_USD")
	require.NoError(t, err)
	assert.InDelta(t, 1.25, tk.Mid, 1e-9)

	m.RemoveListener(id)
	require.NoError(t, m.PushTick(context.Background(), market.Tick{Instrument: "EUR_USD", Bid: 1, Ask: 1}))
	assert.Len(t, l.ticks, 2)
}

func TestReplay(t *testing.T) {
	t.Parallel()

	bars := mkBars(5)
	m := NewManager(10, nil)
	l := &recordingListener{}
	m.AddListener(l)

	n, err := m.Replay(context.Background(), NewSliceSource(bars))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, bars, l.bars)
}

func TestReplay_StopsWhenListenersGone(t *testing.T) {
	t.Parallel()

	m := NewManager(10, nil)
	m.AddListener(&recordingListener{err: ErrDetach, errAt: 2})

	n, err := m.Replay(context.Background(), NewSliceSource(mkBars(5)))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReplay_LastListenerErrorReturned(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	m := NewManager(10, nil)
	m.AddListener(&recordingListener{err: boom, errAt: 3})

	n, err := m.Replay(context.Background(), NewSliceSource(mkBars(5)))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, n)
}

func TestReplay_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewManager(10, nil)
	m.AddListener(&recordingListener{})

	_, err := m.Replay(ctx, NewSliceSource(mkBars(3)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSliceSource_Shared(t *testing.T) {
	t.Parallel()

	bars := mkBars(3)
	a, b := NewSliceSource(bars), NewSliceSource(bars)

	got, err := ReadAll(context.Background(), a)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	bar, ok, err := b.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bars[0], bar)
	assert.Equal(t, 3, b.Len())
}
