package indicators

import (
	"fmt"

	"github.com/rustyeddy/stratlab/market"
)

// SMA is a streaming simple moving average of closes.
type SMA struct {
	period int
	window []float64
	pos    int
	n      int
	sum    float64
}

func NewSMA(period int) *SMA {
	if period <= 0 {
		period = 1
	}
	return &SMA{period: period, window: make([]float64, period)}
}

func (s *SMA) Name() string { return fmt.Sprintf("SMA(%d)", s.period) }
func (s *SMA) Warmup() int  { return s.period }
func (s *SMA) Ready() bool  { return s.n >= s.period }

func (s *SMA) Reset() {
	for i := range s.window {
		s.window[i] = 0
	}
	s.pos, s.n, s.sum = 0, 0, 0
}

func (s *SMA) Update(b market.Bar) {
	s.sum -= s.window[s.pos]
	s.window[s.pos] = b.Close
	s.sum += b.Close
	s.pos = (s.pos + 1) % s.period
	if s.n < s.period {
		s.n++
	}
}

func (s *SMA) Value() float64 {
	if !s.Ready() {
		return 0
	}
	return s.sum / float64(s.period)
}

// EMA is a streaming exponential moving average of closes, seeded with the
// SMA of the first period closes.
type EMA struct {
	period int
	k      float64
	n      int
	sum    float64
	value  float64
}

func NewEMA(period int) *EMA {
	if period <= 0 {
		period = 1
	}
	return &EMA{period: period, k: 2.0 / float64(period+1)}
}

func (e *EMA) Name() string { return fmt.Sprintf("EMA(%d)", e.period) }
func (e *EMA) Warmup() int  { return e.period }
func (e *EMA) Ready() bool  { return e.n >= e.period }

func (e *EMA) Reset() {
	e.n, e.sum, e.value = 0, 0, 0
}

func (e *EMA) Update(b market.Bar) {
	e.n++
	if e.n < e.period {
		e.sum += b.Close
		return
	}
	if e.n == e.period {
		e.sum += b.Close
		e.value = e.sum / float64(e.period)
		return
	}
	e.value = (b.Close-e.value)*e.k + e.value
}

func (e *EMA) Value() float64 {
	if !e.Ready() {
		return 0
	}
	return e.value
}

// MA calculates the simple moving average of the last period closes.
func MA(bars []market.Bar, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(bars) < period {
		return 0, fmt.Errorf("not enough bars: need %d, got %d", period, len(bars))
	}
	sum := 0.0
	for _, b := range bars[len(bars)-period:] {
		sum += b.Close
	}
	return sum / float64(period), nil
}
