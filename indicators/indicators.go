// Package indicators provides streaming technical indicators over bars.
package indicators

import "github.com/rustyeddy/stratlab/market"

// Indicator computes a single streaming value from closed bars.
type Indicator interface {
	// Name returns a stable identifier like "EMA(20)".
	Name() string

	// Warmup returns how many updates are needed before Ready() is true.
	Warmup() int

	Reset()

	// Update consumes the next closed bar.
	Update(b market.Bar)

	Ready() bool

	// Value is the current value; 0 until Ready.
	Value() float64
}

// Snapshot returns the values of every ready indicator, keyed by name.
func Snapshot(inds ...Indicator) map[string]float64 {
	out := make(map[string]float64, len(inds))
	for _, ind := range inds {
		if ind.Ready() {
			out[ind.Name()] = ind.Value()
		}
	}
	return out
}
