package market

// BarSeries is a bounded, insertion-ordered window of bars. Once full, each
// Add evicts the oldest bar. It is not safe for concurrent use; a single
// Data Manager owns it.
type BarSeries struct {
	buf   []Bar
	start int
	n     int
}

func NewBarSeries(capacity int) *BarSeries {
	if capacity <= 0 {
		capacity = 1
	}
	return &BarSeries{buf: make([]Bar, capacity)}
}

func (s *BarSeries) Cap() int { return len(s.buf) }
func (s *BarSeries) Len() int { return s.n }

// Add appends b and reports whether an older bar was evicted.
func (s *BarSeries) Add(b Bar) (evicted bool) {
	if s.n < len(s.buf) {
		s.buf[(s.start+s.n)%len(s.buf)] = b
		s.n++
		return false
	}
	s.buf[s.start] = b
	s.start = (s.start + 1) % len(s.buf)
	return true
}

// At returns the i'th bar, 0 being the oldest retained.
func (s *BarSeries) At(i int) (Bar, bool) {
	if i < 0 || i >= s.n {
		return Bar{}, false
	}
	return s.buf[(s.start+i)%len(s.buf)], true
}

// Last returns the most recent bar.
func (s *BarSeries) Last() (Bar, bool) {
	return s.At(s.n - 1)
}

// Bars returns a copy of the retained bars, oldest first.
func (s *BarSeries) Bars() []Bar {
	out := make([]Bar, s.n)
	for i := 0; i < s.n; i++ {
		out[i] = s.buf[(s.start+i)%len(s.buf)]
	}
	return out
}

func (s *BarSeries) Reset() {
	s.start = 0
	s.n = 0
}
