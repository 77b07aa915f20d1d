package market

import (
	"errors"
	"sync"
	"time"
)

// Tick is the latest quote for an instrument. The TickStore overwrites it in
// place as new quotes arrive.
type Tick struct {
	Instrument string    `json:"instrument"`
	Time       time.Time `json:"time"`
	Bid        float64   `json:"bid"`
	Mid        float64   `json:"mid"`
	Ask        float64   `json:"ask"`
	Volume     float64   `json:"volume"`
}

func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

var ErrNoTick = errors.New("tick not found")

type TickStore struct {
	mu    sync.RWMutex
	ticks map[string]*Tick
}

func NewTickStore() *TickStore {
	return &TickStore{ticks: make(map[string]*Tick)}
}

// Set updates the stored quote for t.Instrument. A zero Mid is derived from
// bid and ask.
func (ts *TickStore) Set(t Tick) {
	if t.Mid == 0 && t.Bid != 0 && t.Ask != 0 {
		t.Mid = (t.Bid + t.Ask) / 2
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	cur, ok := ts.ticks[t.Instrument]
	if !ok {
		cur = &Tick{}
		ts.ticks[t.Instrument] = cur
	}
	*cur = t
}

func (ts *TickStore) Get(instr string) (Tick, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.ticks[instr]
	if !ok {
		return Tick{}, ErrNoTick
	}
	return *t, nil
}

func (ts *TickStore) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.ticks)
}
