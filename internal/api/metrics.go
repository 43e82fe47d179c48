package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Submission outcomes, by the response code they map to.
const (
	outcomeAccepted    = "accepted"
	outcomeRejected    = "rejected"
	outcomeUnknownType = "unknown_type"
	outcomeError       = "error"
)

var (
	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_api_requests_total",
			Help: "API requests by route pattern and response code.",
		},
		[]string{"route", "code"},
	)

	taskSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_task_submissions_total",
			Help: "Task submissions by task type and outcome.",
		},
		[]string{"task_type", "outcome"},
	)

	eventStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagehand_event_streams",
			Help: "Status event streams currently subscribed to a run.",
		},
	)
)

func init() {
	prometheus.MustRegister(apiRequests, taskSubmissions, eventStreams)
}

// countRequests counts requests by chi route pattern, so path parameters such
// as task ids never become label values.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		apiRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	})
}

// recordSubmission counts one POST /v1/tasks by the response it produced.
// Unknown task types share one label value.
func (s *Server) recordSubmission(taskType string, code int) {
	var outcome string
	switch code {
	case http.StatusAccepted:
		outcome = outcomeAccepted
	case http.StatusBadRequest:
		outcome = outcomeRejected
	case http.StatusNotFound:
		outcome = outcomeUnknownType
	default:
		outcome = outcomeError
	}
	if _, err := s.engine.Registry().Lookup(taskType); err != nil {
		taskType = "unknown"
	}
	taskSubmissions.WithLabelValues(taskType, outcome).Inc()
}
