package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/stagehand/internal/param"
	"github.com/seantiz/stagehand/internal/registry"
)

// Stage names one of the three lifecycle stages.
type Stage string

const (
	StagePreExecute  Stage = "pre_execute"
	StageExecute     Stage = "execute"
	StagePostExecute Stage = "post_execute"
)

// Stages lists the stages in execution order.
var Stages = []Stage{StagePreExecute, StageExecute, StagePostExecute}

// FailedStatus returns the status description recorded when s fails,
// e.g. "failed-pre-execute".
func (s Stage) FailedStatus() string {
	return "failed-" + strings.ReplaceAll(string(s), "_", "-")
}

// StageFunc is the business logic of one stage. The returned value is kept in
// the execution context under the stage's name.
type StageFunc func(ctx context.Context, inst *Instance) (any, error)

// TaskType declares a kind of task: its fully-qualified name, its parameter
// schema and its stage functions. PreExecute and PostExecute are optional.
type TaskType struct {
	Name        string
	Parameters  param.Schema
	PreExecute  StageFunc
	Execute     StageFunc
	PostExecute StageFunc
}

// TypeName returns the fully-qualified task-type name.
func (tt *TaskType) TypeName() string {
	return tt.Name
}

// Validate reports whether tt can be registered.
func (tt *TaskType) Validate() error {
	if tt.Name == "" {
		return errors.New("task type has no name")
	}
	if tt.Execute == nil {
		return fmt.Errorf("task type %s has no execute stage", tt.Name)
	}
	return nil
}

func (tt *TaskType) stage(s Stage) StageFunc {
	switch s {
	case StagePreExecute:
		return tt.PreExecute
	case StageExecute:
		return tt.Execute
	case StagePostExecute:
		return tt.PostExecute
	}
	return nil
}

// Registry maps task-type names to task types.
type Registry = registry.Registry[*TaskType]

// NewRegistry creates an empty task-type registry.
func NewRegistry() *Registry {
	return registry.New[*TaskType]()
}
