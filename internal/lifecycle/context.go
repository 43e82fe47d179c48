package lifecycle

import (
	"context"
	"fmt"

	"github.com/seantiz/stagehand/internal/input"
	"github.com/seantiz/stagehand/internal/model"
)

// ExecutionContext is the in-process state of one instance: the persisted
// tasks (and bundle, for batches larger than one), the canonical iteration
// order over them, stage timings and stage results. It is never persisted as
// a unit.
type ExecutionContext struct {
	Inputs  input.Set
	Tasks   []*model.Task
	Bundle  *model.Bundle
	Items   []Item
	Timing  *Timing
	Results map[Stage]any
}

// Item is one element of the iteration order: a task together with its inputs
// and its parameter snapshot.
type Item struct {
	Index      int
	Task       *model.Task
	Inputs     input.Set
	Parameters map[string]any
}

// Decode decodes the item's parameter snapshot into out.
func (it Item) Decode(out any) error {
	return decodeParameters(it.Parameters, out)
}

// HasContext reports whether the execution context has been built.
func (i *Instance) HasContext() bool {
	return i.ec != nil
}

// Context returns the execution context, building it on first use. Building
// resolves the input references, creates one task per batch element (one
// transaction each) and, when the batch holds more than one task, a bundle
// linking them in creation order. Later calls return the same context.
func (i *Instance) Context(ctx context.Context) (*ExecutionContext, error) {
	if i.ec != nil {
		return i.ec, nil
	}
	ec, err := i.buildContext(ctx)
	if err != nil {
		return nil, err
	}
	i.ec = ec
	return ec, nil
}

func (i *Instance) buildContext(ctx context.Context) (*ExecutionContext, error) {
	if i.rt.Store == nil {
		return nil, fmt.Errorf("build context for %s: runtime has no store", i.tt.Name)
	}

	n := i.res.BatchSize
	perTask, err := i.resolveInputs(ctx, n)
	if err != nil {
		return nil, err
	}
	var inputs input.Set
	if _, ok := i.inputs.(PerTask); ok {
		for _, set := range perTask {
			inputs = append(inputs, input.Entry{Set: set})
		}
	} else if len(perTask) > 0 {
		inputs = perTask[0]
	}

	ec := &ExecutionContext{
		Inputs:  inputs,
		Tasks:   make([]*model.Task, 0, n),
		Items:   make([]Item, 0, n),
		Timing:  newTiming(),
		Results: make(map[Stage]any),
	}

	for idx := range n {
		snapshot := i.res.Snapshot(idx)
		taskInputs := perTask[0]
		if len(perTask) == n {
			taskInputs = perTask[idx]
		}
		task := &model.Task{
			Name:       i.tt.Name,
			Parameters: snapshot,
			Version:    i.rt.Version,
		}
		if err := i.rt.Store.CreateTask(ctx, task, taskInputs.IDs()); err != nil {
			return nil, fmt.Errorf("create task %d of %d: %w", idx+1, n, err)
		}
		tasksCreated.WithLabelValues(i.tt.Name).Inc()

		ec.Tasks = append(ec.Tasks, task)
		ec.Items = append(ec.Items, Item{
			Index:      idx,
			Task:       task,
			Inputs:     taskInputs,
			Parameters: snapshot,
		})
	}

	if n > 1 {
		bundle := &model.Bundle{}
		if err := i.rt.Store.CreateBundle(ctx, bundle, ec.taskIDs()); err != nil {
			return nil, fmt.Errorf("create bundle: %w", err)
		}
		ec.Bundle = bundle
	}

	i.Logger().Debug("built execution context", "tasks", len(ec.Tasks), "inputs", len(inputs.Flatten()))
	return ec, nil
}

// PerTask assigns inputs to tasks explicitly: element i holds the input
// reference of task i. Its length must equal the batch size. Any other input
// reference is shared by every task of the instance.
type PerTask []any

// resolveInputs returns the input set of each task. Shared inputs are resolved
// once and returned as a single set.
func (i *Instance) resolveInputs(ctx context.Context, n int) ([]input.Set, error) {
	if i.inputs == nil {
		return []input.Set{nil}, nil
	}
	if i.rt.Inputs == nil {
		return nil, fmt.Errorf("build context for %s: runtime has no input resolver", i.tt.Name)
	}

	pt, ok := i.inputs.(PerTask)
	if !ok {
		set, err := i.rt.Inputs.Resolve(ctx, i.inputs)
		if err != nil {
			return nil, fmt.Errorf("resolve inputs: %w", err)
		}
		return []input.Set{set}, nil
	}

	if len(pt) != n {
		return nil, fmt.Errorf("%w: %d inputs for %d tasks", ErrInputCount, len(pt), n)
	}
	sets := make([]input.Set, n)
	for idx, ref := range pt {
		set, err := i.rt.Inputs.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolve inputs of task %d: %w", idx+1, err)
		}
		sets[idx] = set
	}
	return sets, nil
}

func (ec *ExecutionContext) taskIDs() []string {
	ids := make([]string, len(ec.Tasks))
	for idx, t := range ec.Tasks {
		ids[idx] = t.ID
	}
	return ids
}
