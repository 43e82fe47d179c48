package model

import (
	"encoding/json"
	"time"
)

// Status descriptions seeded by the store migrations. The framework only ever
// looks statuses up by description; it never creates new ones at runtime.
const (
	StatusCreated           = "created"
	StatusRunning           = "running"
	StatusCompleted         = "completed"
	StatusFailedPreExecute  = "failed-pre-execute"
	StatusFailedExecute     = "failed-execute"
	StatusFailedPostExecute = "failed-post-execute"
)

var failedStatuses = []string{
	StatusFailedPreExecute,
	StatusFailedExecute,
	StatusFailedPostExecute,
}

// validTransitions maps each status to the set of statuses it may transition to.
// Failed statuses are terminal.
var validTransitions = map[string]map[string]bool{
	StatusCreated: {
		StatusRunning:           true,
		StatusFailedPreExecute:  true,
		StatusFailedExecute:     true,
		StatusFailedPostExecute: true,
	},
	StatusRunning: {
		StatusCompleted:         true,
		StatusFailedPreExecute:  true,
		StatusFailedExecute:     true,
		StatusFailedPostExecute: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsFailed reports whether description is one of the failed-<stage> statuses.
func IsFailed(description string) bool {
	for _, s := range failedStatuses {
		if s == description {
			return true
		}
	}
	return false
}

// Status is a row of the statuses lookup table.
type Status struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
}

// Task is one persisted unit of work. Stage timings are in seconds; each stage
// total is split into the part attributed to this task and the batch overhead
// shared by every task of its bundle.
type Task struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Parameters  map[string]any `json:"parameters"`
	Version     string         `json:"version"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`

	TimePreExecute               float64 `json:"time_pre_execute"`
	TimePreExecuteTask           float64 `json:"time_pre_execute_task"`
	TimePreExecuteBundleOverhead float64 `json:"time_pre_execute_bundle_overhead"`

	TimeExecute               float64 `json:"time_execute"`
	TimeExecuteTask           float64 `json:"time_execute_task"`
	TimeExecuteBundleOverhead float64 `json:"time_execute_bundle_overhead"`

	TimePostExecute               float64 `json:"time_post_execute"`
	TimePostExecuteTask           float64 `json:"time_post_execute_task"`
	TimePostExecuteBundleOverhead float64 `json:"time_post_execute_bundle_overhead"`

	TimeTotal float64 `json:"time_total"`
}

// TimingFields returns pointers to the scalar timing columns keyed by column
// name. The lifecycle uses it to copy a stage timing map onto a task.
func (t *Task) TimingFields() map[string]*float64 {
	return map[string]*float64{
		"time_pre_execute":                  &t.TimePreExecute,
		"time_pre_execute_task":             &t.TimePreExecuteTask,
		"time_pre_execute_bundle_overhead":  &t.TimePreExecuteBundleOverhead,
		"time_execute":                      &t.TimeExecute,
		"time_execute_task":                 &t.TimeExecuteTask,
		"time_execute_bundle_overhead":      &t.TimeExecuteBundleOverhead,
		"time_post_execute":                 &t.TimePostExecute,
		"time_post_execute_task":            &t.TimePostExecuteTask,
		"time_post_execute_bundle_overhead": &t.TimePostExecuteBundleOverhead,
		"time_total":                        &t.TimeTotal,
	}
}

// Bundle groups the tasks of one multi-task instantiation under a shared status.
type Bundle struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// DataProduct is an input record a task reads from.
type DataProduct struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Output is a result payload recorded by a task.
type Output struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
