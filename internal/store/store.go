// Package store persists tasks, bundles, statuses, input data products and
// outputs. Every mutating operation runs inside its own transaction, sized to
// the smallest set of rows that must change together.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/seantiz/stagehand/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownStatus is returned when a status description has no row.
	ErrUnknownStatus = errors.New("unknown status")
)

// TaskStats holds aggregate task statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByName   map[string]int `json:"count_by_name"`
	AvgTimeTotal  float64        `json:"avg_time_total"`
}

// Store defines the persistence operations the framework relies on.
type Store interface {
	// CreateTask inserts t with status created and links it to its input
	// products, in one transaction. Duplicate links are ignored.
	CreateTask(ctx context.Context, t *model.Task, productIDs []int64) error
	// CreateBundle inserts b and links the given tasks to it in order.
	CreateBundle(ctx context.Context, b *model.Bundle, taskIDs []string) error

	GetTask(ctx context.Context, id string) (*model.Task, error)
	// ListTasks pages through tasks matching filter (nil matches all), newest
	// first, and returns the total number of matches.
	ListTasks(ctx context.Context, filter squirrel.Sqlizer, limit, offset int) ([]*model.Task, int, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	GetTaskBundleID(ctx context.Context, taskID string) (string, error)
	GetBundle(ctx context.Context, id string) (*model.Bundle, error)
	ListBundleTasks(ctx context.Context, bundleID string) ([]*model.Task, error)

	GetStatus(ctx context.Context, description string) (*model.Status, error)
	ListStatuses(ctx context.Context) ([]model.Status, error)
	UpdateBundleStatus(ctx context.Context, bundleID string, statusID int64) (int64, error)
	// UpdateTasksStatus sets the status of every task in ids that also matches
	// filter (nil matches all). completedAt is written when non-nil.
	UpdateTasksStatus(ctx context.Context, ids []string, statusID int64, completedAt *time.Time, filter squirrel.Sqlizer) (int64, error)
	UpdateTaskStatus(ctx context.Context, id string, statusID int64, completedAt *time.Time) error
	// SaveTaskTimings writes the timing columns of every task in one transaction.
	SaveTaskTimings(ctx context.Context, tasks []*model.Task) error

	GetDataProduct(ctx context.Context, id int64) (*model.DataProduct, error)
	// GetOrCreateDataProduct returns the product stored under path, inserting
	// it first when absent.
	GetOrCreateDataProduct(ctx context.Context, kind, path string) (*model.DataProduct, error)
	ListTaskInputs(ctx context.Context, taskID string) ([]*model.DataProduct, error)

	CreateOutput(ctx context.Context, o *model.Output) error
	ListTaskOutputs(ctx context.Context, taskID string) ([]*model.Output, error)

	Close() error
}
