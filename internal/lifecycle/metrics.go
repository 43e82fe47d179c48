package lifecycle

import "github.com/prometheus/client_golang/prometheus"

var (
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagehand_stage_duration_seconds",
			Help:    "Wall time of lifecycle stages in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type", "stage"},
	)

	stageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_stage_failures_total",
			Help: "Total number of failed lifecycle stages.",
		},
		[]string{"task_type", "stage"},
	)

	statusUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_status_updates_total",
			Help: "Total number of recorded status updates.",
		},
		[]string{"status"},
	)

	tasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_tasks_created_total",
			Help: "Total number of persisted tasks.",
		},
		[]string{"task_type"},
	)
)

func init() {
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(stageFailures)
	prometheus.MustRegister(statusUpdates)
	prometheus.MustRegister(tasksCreated)
}
