package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/seantiz/stagehand/internal/model"
)

// UpdateStatus records description as the status of the instance's tasks and
// returns the number of rows changed, counting the bundle row when there is
// one.
//
// With a bundle, the bundle status is updated in one transaction and then the
// bundle's tasks matching filter (all tasks when filter is nil) in another.
// Without one, the context must hold exactly one task, or ErrNoContext is
// returned. Moving to "completed" also stamps the completion time. The new
// status is mirrored onto the in-memory records.
func (i *Instance) UpdateStatus(ctx context.Context, description string, filter squirrel.Sqlizer) (int64, error) {
	status, err := i.rt.Store.GetStatus(ctx, description)
	if err != nil {
		return 0, err
	}
	ec := i.ec
	if ec == nil {
		return 0, ErrNoContext
	}

	var completedAt *time.Time
	if description == model.StatusCompleted {
		now := time.Now().UTC()
		completedAt = &now
	}

	var (
		n        int64
		bundleID string
	)
	if ec.Bundle != nil {
		bundleID = ec.Bundle.ID
		i.checkTransition(ec.Bundle.Status, description)
		bundleRows, err := i.rt.Store.UpdateBundleStatus(ctx, ec.Bundle.ID, status.ID)
		if err != nil {
			return 0, fmt.Errorf("update bundle %s: %w", ec.Bundle.ID, err)
		}
		ec.Bundle.Status = description

		taskRows, err := i.rt.Store.UpdateTasksStatus(ctx, ec.taskIDs(), status.ID, completedAt, filter)
		if err != nil {
			return 0, fmt.Errorf("update tasks of bundle %s: %w", ec.Bundle.ID, err)
		}
		n = bundleRows + taskRows
		if err := i.mirrorTasks(ctx, description, completedAt, filter); err != nil {
			return n, err
		}
	} else {
		if len(ec.Tasks) != 1 {
			return 0, fmt.Errorf("%w: expected one task, have %d", ErrNoContext, len(ec.Tasks))
		}
		task := ec.Tasks[0]
		i.checkTransition(task.Status, description)
		if filter == nil {
			if err := i.rt.Store.UpdateTaskStatus(ctx, task.ID, status.ID, completedAt); err != nil {
				return 0, fmt.Errorf("update task %s: %w", task.ID, err)
			}
			n = 1
		} else if n, err = i.rt.Store.UpdateTasksStatus(ctx, []string{task.ID}, status.ID, completedAt, filter); err != nil {
			return 0, fmt.Errorf("update task %s: %w", task.ID, err)
		}
		if n == 1 {
			task.Status = description
			if completedAt != nil {
				task.CompletedAt = completedAt
			}
		}
	}

	statusUpdates.WithLabelValues(description).Inc()
	i.rt.emit(StatusEvent{
		BundleID: bundleID,
		TaskIDs:  ec.taskIDs(),
		Status:   description,
		Affected: n,
		At:       time.Now().UTC(),
	})
	return n, nil
}

// SafeUpdateStatus is UpdateStatus for instrumentation paths: failures are
// logged and reported as false instead of returned.
func (i *Instance) SafeUpdateStatus(ctx context.Context, description string, filter squirrel.Sqlizer) bool {
	if _, err := i.UpdateStatus(ctx, description, filter); err != nil {
		args := append(i.identify(), "status", description, "error", err)
		i.rt.logger().Warn("failed to update status", args...)
		return false
	}
	return true
}

// mirrorTasks copies the new status onto the in-memory tasks. With a filter
// the matching rows are unknown, so the tasks are reloaded instead.
func (i *Instance) mirrorTasks(ctx context.Context, description string, completedAt *time.Time, filter squirrel.Sqlizer) error {
	ec := i.ec
	if filter == nil {
		for _, t := range ec.Tasks {
			t.Status = description
			if completedAt != nil {
				t.CompletedAt = completedAt
			}
		}
		return nil
	}

	fresh, err := i.rt.Store.ListBundleTasks(ctx, ec.Bundle.ID)
	if err != nil {
		return fmt.Errorf("reload tasks of bundle %s: %w", ec.Bundle.ID, err)
	}
	byID := make(map[string]*model.Task, len(fresh))
	for _, t := range fresh {
		byID[t.ID] = t
	}
	for _, t := range ec.Tasks {
		if f, ok := byID[t.ID]; ok {
			t.Status = f.Status
			t.CompletedAt = f.CompletedAt
		}
	}
	return nil
}

func (i *Instance) checkTransition(from, to string) {
	if from == "" || from == to {
		return
	}
	if !model.ValidTransition(from, to) {
		i.rt.logger().Warn("unexpected status transition",
			append(i.identify(), "from", from, "to", to)...)
	}
}
