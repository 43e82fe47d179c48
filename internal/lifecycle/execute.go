package lifecycle

import (
	"context"
	"fmt"

	"github.com/seantiz/stagehand/internal/model"
)

type options struct {
	decorate     bool
	decoratePre  bool
	decoratePost bool
	raise        bool
}

// Option configures a lifecycle call.
type Option func(*options)

// WithoutDecoration makes Execute call the execute stage function directly:
// no status updates, no pre- or post-execute, no timing.
func WithoutDecoration() Option {
	return func(o *options) { o.decorate = false }
}

// WithoutPreExecuteDecoration runs pre-execute untimed and without failure
// status bookkeeping.
func WithoutPreExecuteDecoration() Option {
	return func(o *options) { o.decoratePre = false }
}

// WithoutPostExecuteDecoration runs post-execute untimed and without failure
// status bookkeeping.
func WithoutPostExecuteDecoration() Option {
	return func(o *options) { o.decoratePost = false }
}

// RaiseInstrumentationErrors makes failures of the completed-status update and
// the timing writeback fatal instead of logged.
func RaiseInstrumentationErrors() Option {
	return func(o *options) { o.raise = true }
}

func collect(opts []Option) options {
	o := options{decorate: true, decoratePre: true, decoratePost: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// PreExecute runs the pre-execute stage.
func (i *Instance) PreExecute(ctx context.Context, opts ...Option) (any, error) {
	o := collect(opts)
	if !o.decoratePre {
		return i.tt.PreExecute.call(ctx, i)
	}
	return i.runStage(ctx, StagePreExecute, i.tt.PreExecute)
}

// PostExecute runs the post-execute stage.
func (i *Instance) PostExecute(ctx context.Context, opts ...Option) (any, error) {
	o := collect(opts)
	if !o.decoratePost {
		return i.tt.PostExecute.call(ctx, i)
	}
	return i.runStage(ctx, StagePostExecute, i.tt.PostExecute)
}

// Execute runs the full lifecycle: status running, pre-execute, execute,
// post-execute, status completed, then the timing writeback. It returns the
// execute stage's result. A stage failure stops the run and is returned as a
// *StageError after the tasks are marked failed-<stage>.
func (i *Instance) Execute(ctx context.Context, opts ...Option) (any, error) {
	o := collect(opts)
	if !o.decorate {
		return i.tt.Execute.call(ctx, i)
	}

	if _, err := i.Context(ctx); err != nil {
		return nil, err
	}

	i.SafeUpdateStatus(ctx, model.StatusRunning, nil)

	if _, err := i.PreExecute(ctx, opts...); err != nil {
		return nil, err
	}

	result, err := i.runStage(ctx, StageExecute, i.tt.Execute)
	if err != nil {
		return nil, err
	}

	if _, err := i.PostExecute(ctx, opts...); err != nil {
		return nil, err
	}

	if ok := i.SafeUpdateStatus(ctx, model.StatusCompleted, nil); !ok && o.raise {
		return result, fmt.Errorf("%w: status %s not recorded", ErrInstrumentation, model.StatusCompleted)
	}

	if err := i.writeTimings(ctx); err != nil {
		i.rt.logger().Error("failed to record task timings", append(i.identify(), "error", err)...)
		if o.raise {
			return result, err
		}
	}
	return result, nil
}

// Run constructs an instance of tt and executes it.
func Run(ctx context.Context, rt *Runtime, tt *TaskType, inputs any, kwargs map[string]any, opts ...Option) (*Instance, any, error) {
	inst, err := New(rt, tt, inputs, kwargs)
	if err != nil {
		return nil, nil, err
	}
	result, err := inst.Execute(ctx, opts...)
	return inst, result, err
}

// writeTimings copies the context timings onto every task: each task gets its
// own entry of the per-task breakdowns and the shared scalar values, and all
// tasks are saved in one transaction. Stage totals are reconciled first, so an
// overhead a later stage set for an earlier one is reflected.
func (i *Instance) writeTimings(ctx context.Context) error {
	ec := i.ec
	if ec == nil {
		return ErrNoContext
	}
	n := len(ec.Items)
	ec.Timing.Reconcile()

	vectors := make(map[Stage][]float64, len(Stages))
	for _, s := range Stages {
		vec, err := ec.Timing.perTaskOrZero(s, n)
		if err != nil {
			return err
		}
		vectors[s] = vec
	}

	scalars := ec.Timing.scalarsCopy()
	known := (&model.Task{}).TimingFields()
	for k := range scalars {
		if _, ok := known[k]; !ok {
			return fmt.Errorf("%w: unknown timing field %q", ErrInstrumentation, k)
		}
	}

	tasks := make([]*model.Task, 0, n)
	for _, item := range ec.Items {
		fields := item.Task.TimingFields()
		for _, s := range Stages {
			*fields[taskKey(s)] = vectors[s][item.Index]
		}
		for k, v := range scalars {
			*fields[k] = v
		}
		tasks = append(tasks, item.Task)
	}

	if err := i.rt.Store.SaveTaskTimings(ctx, tasks); err != nil {
		return fmt.Errorf("%w: save timings: %w", ErrInstrumentation, err)
	}
	return nil
}

func (fn StageFunc) call(ctx context.Context, inst *Instance) (any, error) {
	return call(ctx, inst, fn)
}
