package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/seantiz/stagehand/internal/input"
	"github.com/seantiz/stagehand/internal/model"
	"github.com/seantiz/stagehand/internal/param"
	"github.com/seantiz/stagehand/internal/registry"
)

// FromTask rebuilds an instance for a persisted task. The instance's context
// holds that task alone; no rows are created. The task's recorded version is
// checked against the runtime version, failing on mismatch when strict.
func FromTask(ctx context.Context, rt *Runtime, reg *Registry, taskID string, strict bool) (*Instance, error) {
	task, err := rt.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return rehydrate(ctx, rt, reg, nil, []*model.Task{task}, strict)
}

// FromBundle rebuilds an instance for a persisted bundle and its tasks, in
// their original order.
func FromBundle(ctx context.Context, rt *Runtime, reg *Registry, bundleID string, strict bool) (*Instance, error) {
	bundle, err := rt.Store.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, fmt.Errorf("get bundle %s: %w", bundleID, err)
	}
	tasks, err := rt.Store.ListBundleTasks(ctx, bundleID)
	if err != nil {
		return nil, fmt.Errorf("list tasks of bundle %s: %w", bundleID, err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("bundle %s has no tasks: %w", bundleID, ErrNoContext)
	}
	return rehydrate(ctx, rt, reg, bundle, tasks, strict)
}

func rehydrate(ctx context.Context, rt *Runtime, reg *Registry, bundle *model.Bundle, tasks []*model.Task, strict bool) (*Instance, error) {
	name := tasks[0].Name
	tt, err := reg.Lookup(name)
	if err != nil {
		return nil, err
	}

	snapshots := make([]map[string]any, len(tasks))
	for idx, t := range tasks {
		if t.Name != name {
			return nil, fmt.Errorf("bundle mixes task types %s and %s", name, t.Name)
		}
		if err := registry.CheckVersion(t.Version, rt.Version, strict, rt.logger().With("task_id", t.ID)); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		snapshots[idx] = t.Parameters
		if snapshots[idx] == nil {
			snapshots[idx] = map[string]any{}
		}
	}

	res, err := param.FromSnapshots(tt.Parameters, snapshots)
	if err != nil {
		return nil, fmt.Errorf("restore parameters of %s: %w", name, err)
	}

	ec := &ExecutionContext{
		Tasks:   tasks,
		Bundle:  bundle,
		Items:   make([]Item, len(tasks)),
		Timing:  newTiming(),
		Results: make(map[Stage]any),
	}
	for idx, t := range tasks {
		products, err := rt.Store.ListTaskInputs(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("list inputs of task %s: %w", t.ID, err)
		}
		inputs := input.Of(products...)
		ec.Items[idx] = Item{
			Index:      idx,
			Task:       t,
			Inputs:     inputs,
			Parameters: res.Snapshot(idx),
		}
		if bundle == nil {
			ec.Inputs = inputs
		} else {
			ec.Inputs = append(ec.Inputs, input.Entry{Set: inputs})
		}
	}

	restoreTiming(ec.Timing, tasks)

	return &Instance{rt: rt, tt: tt, res: res, ec: ec}, nil
}

// restoreTiming loads the timings recorded by the last run into t. Scalars
// are shared by every task of a run, so the first task's are used.
func restoreTiming(t *Timing, tasks []*model.Task) {
	if tasks[0].TimeTotal == 0 {
		return
	}
	for k, v := range tasks[0].TimingFields() {
		if !strings.HasSuffix(k, "_task") {
			t.Set(k, *v)
		}
	}
	for _, s := range Stages {
		vec := make([]float64, len(tasks))
		for idx, task := range tasks {
			vec[idx] = *task.TimingFields()[taskKey(s)]
		}
		t.SetPerTask(s, vec)
	}
}
