package lifecycle

import (
	"context"
	"fmt"
	"time"
)

// runStage times fn as stage s. Any error or panic from fn marks the context's
// tasks failed-<stage> through the safe status path and is returned wrapped
// in a *StageError.
func (i *Instance) runStage(ctx context.Context, s Stage, fn StageFunc) (any, error) {
	ec, err := i.Context(ctx)
	if err != nil {
		return nil, err
	}

	ec.Timing.clearStage(s)
	i.stage = s
	start := time.Now()

	result, err := call(ctx, i, fn)

	elapsed := time.Since(start).Seconds()
	i.stage = ""
	ec.Timing.finishStage(s, elapsed)
	stageDuration.WithLabelValues(i.tt.Name, string(s)).Observe(elapsed)

	if err != nil {
		stageFailures.WithLabelValues(i.tt.Name, string(s)).Inc()
		args := append(i.identify(), "stage", s, "error", err)
		i.rt.logger().Error("stage failed", args...)
		// The stage may have failed because ctx ended; record the failure anyway.
		i.SafeUpdateStatus(context.WithoutCancel(ctx), s.FailedStatus(), nil)
		return nil, &StageError{Stage: s, Err: err}
	}

	ec.Results[s] = result
	return result, nil
}

// call runs fn, converting a panic into an error.
func call(ctx context.Context, inst *Instance, fn StageFunc) (result any, err error) {
	if fn == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, inst)
}

// Each calls fn for every item of the execution context in creation order,
// building the context if needed. Inside a stage, the time spent on each item
// is added to that item's entry of the stage's per-task breakdown, so calling
// Each more than once in a stage accumulates. Iteration stops at the first
// error, which is returned.
func (i *Instance) Each(ctx context.Context, fn func(Item) error) error {
	ec, err := i.Context(ctx)
	if err != nil {
		return err
	}

	s := i.stage
	if s == "" {
		i.Logger().Warn("iterating outside a stage; per-task timing not recorded")
	}

	n := len(ec.Items)
	for _, item := range ec.Items {
		start := time.Now()
		err := fn(item)
		if s != "" {
			ec.Timing.addPerTask(s, item.Index, n, time.Since(start).Seconds())
		}
		if err != nil {
			return err
		}
	}
	return nil
}
