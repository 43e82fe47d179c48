package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/stagehand/internal/lifecycle"
)

// Options configures an Engine.
type Options struct {
	// Timeout bounds each run. Zero means no timeout.
	Timeout time.Duration
	// Lifecycle options passed to every Execute call.
	Lifecycle []lifecycle.Option
}

// Submission identifies the rows created for a submitted instance.
type Submission struct {
	TaskType  string   `json:"task_type"`
	TaskIDs   []string `json:"task_ids"`
	BundleID  string   `json:"bundle_id,omitempty"`
	BatchSize int      `json:"batch_size"`
}

func (s *Submission) topics() []string {
	if s.BundleID == "" {
		return s.TaskIDs
	}
	return append([]string{s.BundleID}, s.TaskIDs...)
}

// Engine orchestrates asynchronous task execution.
type Engine struct {
	rt       *lifecycle.Runtime
	registry *lifecycle.Registry
	logger   *slog.Logger
	opts     Options
	wg       sync.WaitGroup
	broker   *StatusBroker
}

// NewEngine creates a new execution engine. The engine works on a copy of rt
// whose status hook also publishes to the engine's broker.
func NewEngine(rt *lifecycle.Runtime, reg *lifecycle.Registry, logger *slog.Logger, opts Options) *Engine {
	e := &Engine{
		registry: reg,
		logger:   logger,
		opts:     opts,
		broker:   NewStatusBroker(),
	}

	own := *rt
	prev := rt.OnStatus
	own.OnStatus = func(ev lifecycle.StatusEvent) {
		if prev != nil {
			prev(ev)
		}
		e.broker.PublishEvent(ev)
	}
	e.rt = &own
	return e
}

// Broker returns the engine's status broker for SSE subscription.
func (e *Engine) Broker() *StatusBroker {
	return e.broker
}

// Owns reports whether id is a task or bundle of a run this engine has
// started and not yet finished.
func (e *Engine) Owns(id string) bool {
	return e.broker.Active(id)
}

// Registry returns the task types the engine can run.
func (e *Engine) Registry() *lifecycle.Registry {
	return e.registry
}

// Runtime returns the runtime instances are built with.
func (e *Engine) Runtime() *lifecycle.Runtime {
	return e.rt
}

// Submit looks up the task type, resolves its parameters and builds the
// execution context, then launches the lifecycle in a goroutine. Declaration
// and input errors are returned before anything runs.
func (e *Engine) Submit(ctx context.Context, typeName string, inputs any, params map[string]any) (*Submission, error) {
	tt, err := e.registry.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	inst, err := lifecycle.New(e.rt, tt, inputs, params)
	if err != nil {
		return nil, err
	}
	ec, err := inst.Context(ctx)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}

	sub := &Submission{
		TaskType:  tt.Name,
		TaskIDs:   make([]string, len(ec.Tasks)),
		BatchSize: inst.BatchSize(),
	}
	for i, t := range ec.Tasks {
		sub.TaskIDs[i] = t.ID
	}
	if ec.Bundle != nil {
		sub.BundleID = ec.Bundle.ID
	}

	for _, id := range sub.topics() {
		e.broker.Open(id)
	}
	e.wg.Go(func() {
		e.execute(inst, sub)
	})

	return sub, nil
}

// Wait blocks until all in-flight runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute drives one instance through its lifecycle.
func (e *Engine) execute(inst *lifecycle.Instance, sub *Submission) {
	// Close the event streams when the run finishes, regardless of outcome.
	defer func() {
		for _, id := range sub.topics() {
			e.broker.Close(id)
		}
	}()

	ctx := context.Background()
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	logger := e.logger.With("task_type", sub.TaskType, "tasks", len(sub.TaskIDs))
	if sub.BundleID != "" {
		logger = logger.With("bundle_id", sub.BundleID)
	} else if len(sub.TaskIDs) == 1 {
		logger = logger.With("task_id", sub.TaskIDs[0])
	}

	start := time.Now()
	_, err := inst.Execute(ctx, e.opts.Lifecycle...)
	duration := time.Since(start)

	var se *lifecycle.StageError
	switch {
	case err == nil:
		logger.Info("run completed", "duration", duration)
	case errors.As(err, &se):
		logger.Warn("run failed", "stage", se.Stage, "duration", duration, "error", se.Err)
	default:
		logger.Error("run aborted", "duration", duration, "error", err)
	}
}
