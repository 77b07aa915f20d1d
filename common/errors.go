// Package common holds the error kinds shared across packages. Callers
// classify failures with errors.Is against these sentinels.
package common

import "errors"

var (
	// ErrConfig marks a request rejected before any engine run starts:
	// unsupported period, invalid date range, bad parameter ranges.
	ErrConfig = errors.New("configuration error")

	// ErrExecution marks a failure raised while a strategy was running.
	ErrExecution = errors.New("execution error")

	// ErrDataFetch marks a market data fetch failure (timeout, malformed
	// response, broker error).
	ErrDataFetch = errors.New("data fetch error")

	// ErrUnavailable marks an external dependency that could not answer.
	ErrUnavailable = errors.New("unavailable")

	ErrNilPointer = errors.New("nil pointer")
)
