package lifecycle

import (
	"fmt"
	"log/slog"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/afero"

	"github.com/seantiz/stagehand/internal/param"
)

// Instance is one instantiation of a task type. It is not safe for concurrent
// use; run separate instances to get parallelism.
type Instance struct {
	rt     *Runtime
	tt     *TaskType
	inputs any
	res    *param.Resolution
	ec     *ExecutionContext

	// stage is the stage currently running, or "" between stages.
	stage Stage
}

// New resolves kwargs against the task type's schema. Declaration errors are
// returned here and nothing is persisted. Inputs are resolved later, when the
// execution context is built.
func New(rt *Runtime, tt *TaskType, inputs any, kwargs map[string]any) (*Instance, error) {
	if err := tt.Validate(); err != nil {
		return nil, err
	}
	res, err := param.Resolve(tt.Parameters, kwargs)
	if err != nil {
		return nil, fmt.Errorf("resolve parameters of %s: %w", tt.Name, err)
	}
	if pt, ok := inputs.(PerTask); ok && len(pt) != res.BatchSize {
		return nil, fmt.Errorf("%w: %d inputs for %d tasks", ErrInputCount, len(pt), res.BatchSize)
	}
	return &Instance{rt: rt, tt: tt, inputs: inputs, res: res}, nil
}

// Type returns the instance's task type.
func (i *Instance) Type() *TaskType { return i.tt }

// Runtime returns the runtime the instance was built with.
func (i *Instance) Runtime() *Runtime { return i.rt }

// Logger returns the runtime logger annotated with the task type.
func (i *Instance) Logger() *slog.Logger {
	return i.rt.logger().With("task_type", i.tt.Name)
}

// Fs returns the filesystem stage functions should read inputs through.
func (i *Instance) Fs() afero.Fs { return i.rt.filesystem() }

// BatchSize returns the inferred number of tasks.
func (i *Instance) BatchSize() int { return i.res.BatchSize }

// Parameters returns the resolved parameters in declaration order.
func (i *Instance) Parameters() []param.Resolved { return i.res.Resolved() }

// Value returns the resolved value of the named parameter for the whole
// instance, or nil if it is not declared.
func (i *Instance) Value(name string) any { return i.res.Value(name) }

// Decode decodes the parameter snapshot of task index into out, which must be
// a pointer to a struct. Fields map to parameters by their `mapstructure` tag
// and loosely typed values (for example JSON numbers) are converted.
func (i *Instance) Decode(index int, out any) error {
	if index < 0 || index >= i.res.BatchSize {
		return fmt.Errorf("decode parameters: index %d out of range [0, %d)", index, i.res.BatchSize)
	}
	return decodeParameters(i.res.Snapshot(index), out)
}

func decodeParameters(snapshot map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("create parameter decoder: %w", err)
	}
	if err := dec.Decode(snapshot); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	return nil
}

// StageResult returns the value returned by a completed stage, if any.
func (i *Instance) StageResult(s Stage) (any, bool) {
	if i.ec == nil {
		return nil, false
	}
	v, ok := i.ec.Results[s]
	return v, ok
}

func (i *Instance) identify() []any {
	if i.ec == nil {
		return []any{"task_type", i.tt.Name}
	}
	if i.ec.Bundle != nil {
		return []any{"task_type", i.tt.Name, "bundle_id", i.ec.Bundle.ID}
	}
	if len(i.ec.Tasks) > 0 {
		return []any{"task_type", i.tt.Name, "task_id", i.ec.Tasks[0].ID}
	}
	return []any{"task_type", i.tt.Name}
}
