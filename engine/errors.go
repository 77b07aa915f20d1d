package engine

import (
	"fmt"

	"github.com/rustyeddy/stratlab/common"
)

// ExecutionError is a failure raised while a strategy was running. It
// matches both common.ErrExecution and its cause under errors.Is.
type ExecutionError struct {
	StrategyID string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("strategy %s: %v", e.StrategyID, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{common.ErrExecution, e.Err}
}
