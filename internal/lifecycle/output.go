package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/seantiz/stagehand/internal/model"
)

// CreateOutput stores payload, encoded as JSON, as an output of kind for
// task. The task must belong to this instance's context.
func (i *Instance) CreateOutput(ctx context.Context, task *model.Task, kind string, payload any) (*model.Output, error) {
	if i.ec == nil {
		return nil, ErrNoContext
	}
	if task == nil {
		return nil, fmt.Errorf("%w: nil task", ErrForeignTask)
	}
	if !i.owns(task) {
		return nil, fmt.Errorf("%w: %s", ErrForeignTask, task.ID)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode output payload: %w", err)
	}
	o := &model.Output{TaskID: task.ID, Kind: kind, Payload: raw}
	if err := i.rt.Store.CreateOutput(ctx, o); err != nil {
		return nil, fmt.Errorf("create output for task %s: %w", task.ID, err)
	}
	return o, nil
}

func (i *Instance) owns(task *model.Task) bool {
	for _, t := range i.ec.Tasks {
		if t.ID == task.ID {
			return true
		}
	}
	return false
}
