package market

import (
	"fmt"
	"math"
	"time"
)

// Bar is one OHLCV sample for an instrument over a fixed period. Bars are
// values; nothing mutates a Bar after it is built.
type Bar struct {
	Instrument string        `json:"instrument"`
	Period     time.Duration `json:"period"`
	Time       time.Time     `json:"time"` // open time
	Open       float64       `json:"open"`
	High       float64       `json:"high"`
	Low        float64       `json:"low"`
	Close      float64       `json:"close"`
	Volume     float64       `json:"volume"`
}

// End returns the close time of the bar.
func (b Bar) End() time.Time {
	return b.Time.Add(b.Period)
}

// Validate checks the OHLC invariants.
func (b Bar) Validate() error {
	if b.Instrument == "" {
		return fmt.Errorf("bar: missing instrument")
	}
	if b.Period <= 0 {
		return fmt.Errorf("bar %s %s: period must be positive, got %s", b.Instrument, b.Time.Format(time.RFC3339), b.Period)
	}
	if b.Time.IsZero() {
		return fmt.Errorf("bar %s: missing open time", b.Instrument)
	}
	if b.High < math.Max(b.Open, b.Close) {
		return fmt.Errorf("bar %s %s: high %.5f below open/close", b.Instrument, b.Time.Format(time.RFC3339), b.High)
	}
	if b.Low > math.Min(b.Open, b.Close) {
		return fmt.Errorf("bar %s %s: low %.5f above open/close", b.Instrument, b.Time.Format(time.RFC3339), b.Low)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s %s: negative volume", b.Instrument, b.Time.Format(time.RFC3339))
	}
	return nil
}
