package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrNoContext is returned when an operation needs an execution context
	// holding exactly one task, or a bundle, and there is none.
	ErrNoContext = errors.New("no context found")
	// ErrInstrumentation marks failures of timing or status bookkeeping after
	// the stages themselves succeeded.
	ErrInstrumentation = errors.New("instrumentation error")
	// ErrForeignTask is returned by CreateOutput for tasks outside the
	// instance's context.
	ErrForeignTask = errors.New("task does not belong to this instance")
	// ErrInputCount is returned when per-task inputs do not match the batch size.
	ErrInputCount = errors.New("per-task input count does not match batch size")
)

// StageError is a failure raised by a stage function.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
