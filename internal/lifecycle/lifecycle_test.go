package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/stagehand/internal/input"
	"github.com/seantiz/stagehand/internal/model"
	"github.com/seantiz/stagehand/internal/param"
	"github.com/seantiz/stagehand/internal/registry"
	"github.com/seantiz/stagehand/internal/store"
)

type testEnv struct {
	rt     *Runtime
	store  *store.SQLiteStore
	logs   *bytes.Buffer
	mu     sync.Mutex
	events []StatusEvent
}

func (e *testEnv) statuses() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		out = append(out, ev.Status)
	}
	return out
}

func newTestEnv(t *testing.T, files ...string) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fsys := afero.NewMemMapFs()
	for _, f := range files {
		require.NoError(t, afero.WriteFile(fsys, f, []byte("contents of "+f), 0o644))
	}

	env := &testEnv{store: s, logs: &bytes.Buffer{}}
	logger := slog.New(slog.NewTextHandler(env.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	resolver, err := input.NewResolver(s, fsys, 16, logger)
	require.NoError(t, err)

	env.rt = &Runtime{
		Store:   s,
		Inputs:  resolver,
		Fs:      fsys,
		Logger:  logger,
		Version: "1.0.0",
		OnStatus: func(ev StatusEvent) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.events = append(env.events, ev)
		},
	}
	return env
}

// sleepyType iterates every item in execute, sleeping briefly per task.
func sleepyType() *TaskType {
	return &TaskType{
		Name: "test.Sleepy",
		Parameters: param.MustSchema(
			param.New("a", param.WithDefault(1)),
			param.New("b", param.Bundled(), param.WithDefault("x")),
		),
		Execute: func(ctx context.Context, inst *Instance) (any, error) {
			var seen []any
			err := inst.Each(ctx, func(it Item) error {
				time.Sleep(2 * time.Millisecond)
				seen = append(seen, it.Parameters["a"])
				return nil
			})
			return seen, err
		},
	}
}

func TestEndToEndBundle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inst, err := New(env.rt, sleepyType(), nil, map[string]any{"a": []int{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, inst.BatchSize())

	result, err := inst.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, result)

	ec, err := inst.Context(ctx)
	require.NoError(t, err)
	require.NotNil(t, ec.Bundle)
	require.Len(t, ec.Tasks, 3)
	assert.Equal(t, model.StatusCompleted, ec.Bundle.Status)

	bundle, err := env.store.GetBundle(ctx, ec.Bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, bundle.Status)

	persisted, err := env.store.ListBundleTasks(ctx, ec.Bundle.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 3)

	timeExecute, ok := ec.Timing.Get(TotalKey(StageExecute))
	require.True(t, ok)
	overhead, ok := ec.Timing.Get(OverheadKey(StageExecute))
	require.True(t, ok)

	var perTaskSum float64
	for i, task := range persisted {
		assert.Equal(t, ec.Tasks[i].ID, task.ID)
		assert.Equal(t, "x", task.Parameters["b"])
		assert.EqualValues(t, i+1, task.Parameters["a"])
		assert.Equal(t, model.StatusCompleted, task.Status)
		assert.NotNil(t, task.CompletedAt)
		assert.GreaterOrEqual(t, task.TimeExecuteTask, 0.0)
		assert.InDelta(t, timeExecute, task.TimeExecute, 1e-9)
		assert.InDelta(t, task.TimePreExecute+task.TimeExecute+task.TimePostExecute, task.TimeTotal, 1e-9)
		perTaskSum += task.TimeExecuteTask
	}
	assert.InDelta(t, timeExecute, perTaskSum+overhead, 1e-9)
	assert.Greater(t, perTaskSum, 0.0)

	assert.Equal(t, []string{model.StatusRunning, model.StatusCompleted}, env.statuses())
}

func TestSingleTaskHasNoBundle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inst, err := New(env.rt, sleepyType(), nil, map[string]any{"a": 7})
	require.NoError(t, err)
	_, err = inst.Execute(ctx)
	require.NoError(t, err)

	ec, _ := inst.Context(ctx)
	assert.Nil(t, ec.Bundle)
	require.Len(t, ec.Tasks, 1)

	task, err := env.store.GetTask(ctx, ec.Tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, ec.Tasks[0].Status, task.Status)
	assert.Equal(t, "1.0.0", task.Version)
}

func TestContextIsBuiltOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inst, err := New(env.rt, sleepyType(), nil, map[string]any{"a": []int{1, 2}})
	require.NoError(t, err)
	assert.False(t, inst.HasContext())

	first, err := inst.Context(ctx)
	require.NoError(t, err)
	second, err := inst.Context(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, total, err := env.store.ListTasks(ctx, nil, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestIndexedSnapshot(t *testing.T) {
	env := newTestEnv(t)
	tt := &TaskType{
		Name:       "test.Snapshot",
		Parameters: param.MustSchema(param.New("x"), param.New("y")),
		Execute:    func(context.Context, *Instance) (any, error) { return nil, nil },
	}
	inst, err := New(env.rt, tt, nil, map[string]any{"x": []int{10, 20, 30, 40}, "y": 5})
	require.NoError(t, err)

	ec, err := inst.Context(context.Background())
	require.NoError(t, err)
	require.Len(t, ec.Items, 4)
	assert.Equal(t, map[string]any{"x": 30, "y": 5}, ec.Items[2].Parameters)
	assert.Equal(t, 2, ec.Items[2].Index)
	assert.Same(t, ec.Tasks[2], ec.Items[2].Task)
}

func TestDeclarationErrorsCreateNothing(t *testing.T) {
	env := newTestEnv(t)
	tt := &TaskType{
		Name:       "test.Declared",
		Parameters: param.MustSchema(param.New("x"), param.New("y"), param.New("z", param.Bundled())),
		Execute:    func(context.Context, *Instance) (any, error) { return nil, nil },
	}

	_, err := New(env.rt, tt, nil, map[string]any{"x": []int{1, 2}, "y": []int{1, 2, 3}, "z": 1})
	assert.ErrorIs(t, err, param.ErrMismatchedBundling)

	_, err = New(env.rt, tt, nil, map[string]any{"x": 1, "y": 1, "z": []int{1, 2, 3}})
	assert.ErrorIs(t, err, param.ErrInvalidBundled)

	_, err = New(env.rt, tt, nil, map[string]any{"x": 1})
	assert.ErrorIs(t, err, param.ErrMissingParameter)

	_, total, err := env.store.ListTasks(context.Background(), nil, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestStageFailureMarksTasks(t *testing.T) {
	tests := []struct {
		name   string
		fail   Stage
		status string
	}{
		{"pre", StagePreExecute, model.StatusFailedPreExecute},
		{"execute", StageExecute, model.StatusFailedExecute},
		{"post", StagePostExecute, model.StatusFailedPostExecute},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			boom := errors.New("boom")
			var ran []Stage

			stage := func(s Stage) StageFunc {
				return func(context.Context, *Instance) (any, error) {
					ran = append(ran, s)
					if s == tc.fail {
						return nil, boom
					}
					return nil, nil
				}
			}
			tt := &TaskType{
				Name:        "test.Failing",
				Parameters:  param.MustSchema(param.New("n")),
				PreExecute:  stage(StagePreExecute),
				Execute:     stage(StageExecute),
				PostExecute: stage(StagePostExecute),
			}

			inst, err := New(env.rt, tt, nil, map[string]any{"n": []int{1, 2}})
			require.NoError(t, err)
			_, err = inst.Execute(ctx)

			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.fail, se.Stage)
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, tc.fail, ran[len(ran)-1])

			ec, _ := inst.Context(ctx)
			bundle, err := env.store.GetBundle(ctx, ec.Bundle.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.status, bundle.Status)
			for _, task := range ec.Tasks {
				got, err := env.store.GetTask(ctx, task.ID)
				require.NoError(t, err)
				assert.Equal(t, tc.status, got.Status)
				assert.Nil(t, got.CompletedAt)
			}
			assert.Contains(t, env.logs.String(), "stage failed")
			assert.Contains(t, env.logs.String(), ec.Bundle.ID)
		})
	}
}

func TestStagePanicIsCaptured(t *testing.T) {
	env := newTestEnv(t)
	tt := &TaskType{
		Name:       "test.Panicky",
		Parameters: param.MustSchema(),
		Execute: func(context.Context, *Instance) (any, error) {
			panic("kaboom")
		},
	}
	inst, err := New(env.rt, tt, nil, nil)
	require.NoError(t, err)

	_, err = inst.Execute(context.Background())
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), "kaboom")

	ec, _ := inst.Context(context.Background())
	assert.Equal(t, model.StatusFailedExecute, ec.Tasks[0].Status)
}

func TestStageTimerClearsPreviousAttempt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	attempt := 0
	tt := &TaskType{
		Name:       "test.Retried",
		Parameters: param.MustSchema(param.New("n")),
		PreExecute: func(ctx context.Context, inst *Instance) (any, error) {
			attempt++
			if attempt == 1 {
				inst.Context(ctx)
				inst.ec.Timing.Set(OverheadKey(StagePreExecute), 100)
				return nil, inst.Each(ctx, func(Item) error { return nil })
			}
			return nil, nil
		},
		Execute: func(context.Context, *Instance) (any, error) { return nil, nil },
	}
	inst, err := New(env.rt, tt, nil, map[string]any{"n": []int{1, 2}})
	require.NoError(t, err)

	_, err = inst.PreExecute(ctx)
	require.NoError(t, err)
	ec, _ := inst.Context(ctx)
	assert.NotNil(t, ec.Timing.PerTask(StagePreExecute))
	overhead, _ := ec.Timing.Get(OverheadKey(StagePreExecute))
	assert.Equal(t, 100.0, overhead)

	_, err = inst.PreExecute(ctx)
	require.NoError(t, err)
	assert.Nil(t, ec.Timing.PerTask(StagePreExecute))
	overhead, _ = ec.Timing.Get(OverheadKey(StagePreExecute))
	total, _ := ec.Timing.Get(TotalKey(StagePreExecute))
	assert.Less(t, overhead, 100.0)
	assert.Equal(t, total, overhead)
}

func TestTimeTotalIsSumOfStages(t *testing.T) {
	subsets := [][]Stage{
		nil,
		{StageExecute},
		{StagePreExecute, StagePostExecute},
		{StagePreExecute, StageExecute, StagePostExecute},
	}
	for _, stages := range subsets {
		timing := newTiming()
		var want float64
		for j, s := range stages {
			elapsed := float64(j+1) * 0.25
			timing.clearStage(s)
			timing.finishStage(s, elapsed)
			want += elapsed
		}
		timing.Reconcile()
		got, _ := timing.Get(KeyTotal)
		assert.InDelta(t, want, got, 1e-12, "stages %v", stages)
	}
}

func TestWriteTimingsReconcilesLateOverhead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tt := &TaskType{
		Name:       "test.LateOverhead",
		Parameters: param.MustSchema(param.New("a")),
		Execute: func(ctx context.Context, inst *Instance) (any, error) {
			return nil, inst.Each(ctx, func(Item) error { return nil })
		},
		// Attributes a fixed setup cost to execute after the fact.
		PostExecute: func(ctx context.Context, inst *Instance) (any, error) {
			ec, err := inst.Context(ctx)
			if err != nil {
				return nil, err
			}
			ec.Timing.Set(OverheadKey(StageExecute), 2)
			return nil, nil
		},
	}

	inst, _, err := Run(ctx, env.rt, tt, nil, map[string]any{"a": []int{1, 2}})
	require.NoError(t, err)
	ec, err := inst.Context(ctx)
	require.NoError(t, err)

	var perTask float64
	for _, v := range ec.Timing.PerTask(StageExecute) {
		perTask += v
	}
	task, err := env.store.GetTask(ctx, ec.Tasks[0].ID)
	require.NoError(t, err)
	assert.InDelta(t, perTask+2, task.TimeExecute, 1e-9)
	assert.InDelta(t, task.TimePreExecute+task.TimeExecute+task.TimePostExecute, task.TimeTotal, 1e-9)
	assert.GreaterOrEqual(t, task.TimeTotal, 2.0)
}

func TestTimingReconcile(t *testing.T) {
	timing := newTiming()
	timing.SetPerTask(StageExecute, []float64{1, 2})
	timing.Set(OverheadKey(StageExecute), 0.5)
	timing.Set(TotalKey(StagePreExecute), 1)
	timing.Reconcile()

	got, _ := timing.Get(TotalKey(StageExecute))
	assert.Equal(t, 3.5, got)
	total, _ := timing.Get(KeyTotal)
	assert.Equal(t, 4.5, total)

	snap := timing.Snapshot()
	assert.Equal(t, []float64{1, 2}, snap[PerTaskKey(StageExecute)])
	assert.Equal(t, 4.5, snap[KeyTotal])
}

func TestEachOutsideStage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst, err := New(env.rt, sleepyType(), nil, map[string]any{"a": []int{1, 2}})
	require.NoError(t, err)

	var n int
	require.NoError(t, inst.Each(ctx, func(Item) error { n++; return nil }))
	assert.Equal(t, 2, n)
	assert.Contains(t, env.logs.String(), "iterating outside a stage")

	ec, _ := inst.Context(ctx)
	for _, s := range Stages {
		assert.Nil(t, ec.Timing.PerTask(s))
	}
}

func TestEachStopsAtError(t *testing.T) {
	env := newTestEnv(t)
	inst, err := New(env.rt, sleepyType(), nil, map[string]any{"a": []int{1, 2, 3}})
	require.NoError(t, err)

	stop := errors.New("stop")
	var visited []int
	err = inst.Each(context.Background(), func(it Item) error {
		visited = append(visited, it.Index)
		if it.Index == 1 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []int{0, 1}, visited)
}

func TestSafeUpdateStatusWithoutTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst, err := New(env.rt, sleepyType(), nil, nil)
	require.NoError(t, err)

	assert.False(t, inst.SafeUpdateStatus(ctx, model.StatusRunning, nil))

	inst.ec = &ExecutionContext{Timing: newTiming(), Results: map[Stage]any{}}
	assert.False(t, inst.SafeUpdateStatus(ctx, model.StatusRunning, nil))
	assert.Contains(t, env.logs.String(), "failed to update status")

	_, err = inst.UpdateStatus(ctx, model.StatusRunning, nil)
	assert.ErrorIs(t, err, ErrNoContext)
	assert.Empty(t, env.statuses())
}

func TestUpdateStatusUnknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst, err := New(env.rt, sleepyType(), nil, nil)
	require.NoError(t, err)
	_, err = inst.Context(ctx)
	require.NoError(t, err)

	_, err = inst.UpdateStatus(ctx, "exploded", nil)
	assert.ErrorIs(t, err, store.ErrUnknownStatus)
}

func TestUpdateStatusFilter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst, err := New(env.rt, sleepyType(), nil, map[string]any{"a": []int{1, 2, 3}})
	require.NoError(t, err)
	ec, err := inst.Context(ctx)
	require.NoError(t, err)

	failed, err := env.store.GetStatus(ctx, model.StatusFailedExecute)
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateTaskStatus(ctx, ec.Tasks[0].ID, failed.ID, nil))

	n, err := inst.UpdateStatus(ctx, model.StatusCompleted, store.StatusNot(model.StatusFailedExecute))
	require.NoError(t, err)
	// The bundle row and the two matching tasks.
	assert.EqualValues(t, 3, n)
	env.mu.Lock()
	last := env.events[len(env.events)-1]
	env.mu.Unlock()
	assert.EqualValues(t, 3, last.Affected)

	assert.Equal(t, model.StatusFailedExecute, ec.Tasks[0].Status)
	assert.Nil(t, ec.Tasks[0].CompletedAt)
	for _, task := range ec.Tasks[1:] {
		assert.Equal(t, model.StatusCompleted, task.Status)
		assert.NotNil(t, task.CompletedAt)
	}
	assert.Equal(t, model.StatusCompleted, ec.Bundle.Status)
}

func TestUpdateStatusSingleTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst, err := New(env.rt, sleepyType(), nil, nil)
	require.NoError(t, err)
	ec, err := inst.Context(ctx)
	require.NoError(t, err)
	require.Nil(t, ec.Bundle)

	n, err := inst.UpdateStatus(ctx, model.StatusRunning, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, model.StatusRunning, ec.Tasks[0].Status)

	// The filter no longer matches, so nothing changes.
	n, err = inst.UpdateStatus(ctx, model.StatusCompleted, store.StatusIs(model.StatusCreated))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	assert.Equal(t, model.StatusRunning, ec.Tasks[0].Status)
	assert.Nil(t, ec.Tasks[0].CompletedAt)

	n, err = inst.UpdateStatus(ctx, model.StatusCompleted, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	task, err := env.store.GetTask(ctx, ec.Tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, task.Status)
	assert.NotNil(t, task.CompletedAt)
}

func TestWithoutDecoration(t *testing.T) {
	env := newTestEnv(t)
	called := false
	tt := &TaskType{
		Name:       "test.Raw",
		Parameters: param.MustSchema(),
		Execute: func(context.Context, *Instance) (any, error) {
			called = true
			return 42, nil
		},
	}
	inst, err := New(env.rt, tt, nil, nil)
	require.NoError(t, err)

	result, err := inst.Execute(context.Background(), WithoutDecoration())
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.True(t, called)
	assert.False(t, inst.HasContext())
	assert.Empty(t, env.statuses())
}

func TestWithoutPreExecuteDecoration(t *testing.T) {
	env := newTestEnv(t)
	tt := &TaskType{
		Name:       "test.RawPre",
		Parameters: param.MustSchema(),
		PreExecute: func(context.Context, *Instance) (any, error) { return nil, errors.New("untimed") },
		Execute:    func(context.Context, *Instance) (any, error) { return nil, nil },
	}
	inst, err := New(env.rt, tt, nil, nil)
	require.NoError(t, err)

	_, err = inst.Execute(context.Background(), WithoutPreExecuteDecoration())
	require.Error(t, err)
	var se *StageError
	assert.False(t, errors.As(err, &se))

	ec, _ := inst.Context(context.Background())
	assert.Equal(t, model.StatusRunning, ec.Tasks[0].Status)
	_, timed := ec.Timing.Get(TotalKey(StagePreExecute))
	assert.False(t, timed)
}

func TestWithoutPostExecuteDecoration(t *testing.T) {
	env := newTestEnv(t)
	tt := &TaskType{
		Name:        "test.RawPost",
		Parameters:  param.MustSchema(),
		Execute:     func(context.Context, *Instance) (any, error) { return "ran", nil },
		PostExecute: func(context.Context, *Instance) (any, error) { return nil, errors.New("untimed") },
	}
	inst, err := New(env.rt, tt, nil, nil)
	require.NoError(t, err)

	_, err = inst.Execute(context.Background(), WithoutPostExecuteDecoration())
	require.Error(t, err)
	var se *StageError
	assert.False(t, errors.As(err, &se))

	ec, _ := inst.Context(context.Background())
	assert.Equal(t, model.StatusRunning, ec.Tasks[0].Status)
	assert.NotContains(t, env.statuses(), model.StatusFailedPostExecute)
	_, timed := ec.Timing.Get(TotalKey(StagePostExecute))
	assert.False(t, timed)
	_, timed = ec.Timing.Get(TotalKey(StageExecute))
	assert.True(t, timed)
}

func TestInstrumentationErrors(t *testing.T) {
	tt := &TaskType{
		Name:       "test.BadTiming",
		Parameters: param.MustSchema(),
		Execute: func(ctx context.Context, inst *Instance) (any, error) {
			ec, err := inst.Context(ctx)
			if err != nil {
				return nil, err
			}
			ec.Timing.Set("time_unmapped", 1)
			return "done", nil
		},
	}

	env := newTestEnv(t)
	_, result, err := Run(context.Background(), env.rt, tt, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Contains(t, env.logs.String(), "failed to record task timings")

	env = newTestEnv(t)
	_, result, err = Run(context.Background(), env.rt, tt, nil, nil, RaiseInstrumentationErrors())
	assert.ErrorIs(t, err, ErrInstrumentation)
	assert.Equal(t, "done", result)
}

func TestInputsSharedByEveryTask(t *testing.T) {
	env := newTestEnv(t, "/data/a.fits", "/data/b.fits", "/data/c.fits")
	ctx := context.Background()

	// Three inputs for three tasks are still shared, not split.
	inst, err := New(env.rt, sleepyType(), []string{"/data/a.fits", "/data/b.fits", "/data/c.fits"}, map[string]any{"a": []int{1, 2, 3}})
	require.NoError(t, err)
	ec, err := inst.Context(ctx)
	require.NoError(t, err)
	require.Len(t, ec.Items, 3)

	for _, item := range ec.Items {
		assert.Len(t, item.Inputs.Flatten(), 3)

		linked, err := env.store.ListTaskInputs(ctx, item.Task.ID)
		require.NoError(t, err)
		assert.Len(t, linked, 3)
	}
	assert.Len(t, ec.Inputs.Flatten(), 3)
}

func TestInputsSharedWhenCountsDiffer(t *testing.T) {
	env := newTestEnv(t, "/data/a.fits", "/data/b.fits")
	ctx := context.Background()

	inst, err := New(env.rt, sleepyType(), []string{"/data/a.fits", "/data/b.fits"}, map[string]any{"a": []int{1, 2, 3}})
	require.NoError(t, err)
	ec, err := inst.Context(ctx)
	require.NoError(t, err)

	for _, item := range ec.Items {
		assert.Len(t, item.Inputs.Flatten(), 2)
	}
}

func TestInputsPerTask(t *testing.T) {
	env := newTestEnv(t, "/data/a.fits", "/data/b.fits", "/data/c.fits")
	ctx := context.Background()

	inst, err := New(env.rt, sleepyType(),
		PerTask{"/data/a.fits", []string{"/data/b.fits", "/data/c.fits"}, nil},
		map[string]any{"a": []int{1, 2, 3}})
	require.NoError(t, err)
	ec, err := inst.Context(ctx)
	require.NoError(t, err)

	want := [][]string{{"/data/a.fits"}, {"/data/b.fits", "/data/c.fits"}, nil}
	for i, item := range ec.Items {
		var paths []string
		for _, dp := range item.Inputs.Flatten() {
			paths = append(paths, dp.Path)
		}
		assert.Equal(t, want[i], paths, "task %d", i)

		linked, err := env.store.ListTaskInputs(ctx, item.Task.ID)
		require.NoError(t, err)
		assert.Len(t, linked, len(want[i]))
	}
	assert.Len(t, ec.Inputs, 3)
}

func TestInputsPerTaskCountMismatch(t *testing.T) {
	env := newTestEnv(t, "/data/a.fits")

	_, err := New(env.rt, sleepyType(), PerTask{"/data/a.fits"}, map[string]any{"a": []int{1, 2}})
	assert.ErrorIs(t, err, ErrInputCount)
}

func TestUnknownInputFailsContext(t *testing.T) {
	env := newTestEnv(t)
	inst, err := New(env.rt, sleepyType(), "/missing.fits", nil)
	require.NoError(t, err)

	_, err = inst.Execute(context.Background())
	assert.ErrorIs(t, err, input.ErrUnknownInput)
	assert.False(t, inst.HasContext())
}

func TestDecode(t *testing.T) {
	env := newTestEnv(t)
	inst, err := New(env.rt, sleepyType(), nil, map[string]any{"a": []float64{1, 2}})
	require.NoError(t, err)

	var p struct {
		A int    `mapstructure:"a"`
		B string `mapstructure:"b"`
	}
	require.NoError(t, inst.Decode(1, &p))
	assert.Equal(t, 2, p.A)
	assert.Equal(t, "x", p.B)

	assert.Error(t, inst.Decode(2, &p))
}

func TestRehydrateBundle(t *testing.T) {
	env := newTestEnv(t, "/data/a.fits", "/data/b.fits")
	ctx := context.Background()
	reg := NewRegistry()
	tt := sleepyType()
	require.NoError(t, reg.Register(tt))

	inst, _, err := Run(ctx, env.rt, tt, PerTask{"/data/a.fits", "/data/b.fits"}, map[string]any{"a": []int{5, 6}})
	require.NoError(t, err)
	orig, _ := inst.Context(ctx)

	again, err := FromBundle(ctx, env.rt, reg, orig.Bundle.ID, true)
	require.NoError(t, err)
	assert.True(t, again.HasContext())
	assert.Equal(t, 2, again.BatchSize())

	ec, err := again.Context(ctx)
	require.NoError(t, err)
	require.Len(t, ec.Items, 2)
	for i, item := range ec.Items {
		assert.Equal(t, orig.Tasks[i].ID, item.Task.ID)
		assert.EqualValues(t, 5+i, item.Parameters["a"])
		assert.Equal(t, "x", item.Parameters["b"])
		require.Len(t, item.Inputs.Flatten(), 1)
	}
	assert.Equal(t, "x", again.Value("b"))

	// Recorded timings come back with the tasks.
	saved, err := env.store.ListBundleTasks(ctx, orig.Bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, []float64{saved[0].TimeExecuteTask, saved[1].TimeExecuteTask}, ec.Timing.PerTask(StageExecute))
	overhead, ok := ec.Timing.Get(OverheadKey(StageExecute))
	require.True(t, ok)
	assert.Equal(t, saved[0].TimeExecuteBundleOverhead, overhead)
	restored, _ := ec.Timing.Get(KeyTotal)
	assert.Equal(t, saved[0].TimeTotal, restored)
	assert.Positive(t, restored)

	_, total, err := env.store.ListTasks(ctx, nil, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total, "rehydration must not create tasks")

	single, err := FromTask(ctx, env.rt, reg, orig.Tasks[1].ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, single.BatchSize())
	var p struct {
		A int `mapstructure:"a"`
	}
	require.NoError(t, single.Decode(0, &p))
	assert.Equal(t, 6, p.A)
}

func TestRehydrateVersionMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := NewRegistry()
	tt := sleepyType()
	reg.MustRegister(tt)

	inst, err := New(env.rt, tt, nil, nil)
	require.NoError(t, err)
	ec, err := inst.Context(ctx)
	require.NoError(t, err)

	env.rt.Version = "2.0.0"
	_, err = FromTask(ctx, env.rt, reg, ec.Tasks[0].ID, true)
	assert.ErrorIs(t, err, registry.ErrVersionMismatch)

	_, err = FromTask(ctx, env.rt, reg, ec.Tasks[0].ID, false)
	assert.NoError(t, err)
	assert.True(t, strings.Contains(env.logs.String(), "version mismatch"))

	_, err = FromTask(ctx, env.rt, NewRegistry(), ec.Tasks[0].ID, false)
	assert.ErrorIs(t, err, registry.ErrUnknownType)
}

func TestCreateOutput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inst, err := New(env.rt, sleepyType(), nil, nil)
	require.NoError(t, err)

	_, err = inst.CreateOutput(ctx, &model.Task{ID: "x"}, "k", nil)
	assert.ErrorIs(t, err, ErrNoContext)

	ec, err := inst.Context(ctx)
	require.NoError(t, err)

	o, err := inst.CreateOutput(ctx, ec.Tasks[0], "summary", map[string]int{"n": 3})
	require.NoError(t, err)
	assert.NotZero(t, o.ID)

	outputs, err := env.store.ListTaskOutputs(ctx, ec.Tasks[0].ID)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.JSONEq(t, `{"n":3}`, string(outputs[0].Payload))

	_, err = inst.CreateOutput(ctx, &model.Task{ID: "other"}, "summary", 1)
	assert.ErrorIs(t, err, ErrForeignTask)
}

func TestFailedStatusNames(t *testing.T) {
	assert.Equal(t, model.StatusFailedPreExecute, StagePreExecute.FailedStatus())
	assert.Equal(t, model.StatusFailedExecute, StageExecute.FailedStatus())
	assert.Equal(t, model.StatusFailedPostExecute, StagePostExecute.FailedStatus())
}

func TestTaskTypeValidate(t *testing.T) {
	assert.Error(t, (&TaskType{Name: "x"}).Validate())
	assert.Error(t, (&TaskType{Execute: func(context.Context, *Instance) (any, error) { return nil, nil }}).Validate())

	_, err := New(&Runtime{}, &TaskType{Name: "x"}, nil, nil)
	assert.Error(t, err)
}
