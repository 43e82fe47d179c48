package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Masterminds/squirrel"
	"github.com/go-chi/chi/v5"

	"github.com/seantiz/stagehand/internal/engine"
	"github.com/seantiz/stagehand/internal/input"
	"github.com/seantiz/stagehand/internal/lifecycle"
	"github.com/seantiz/stagehand/internal/model"
	"github.com/seantiz/stagehand/internal/param"
	"github.com/seantiz/stagehand/internal/registry"
	"github.com/seantiz/stagehand/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitRequest is the JSON body for POST /v1/tasks.
type submitRequest struct {
	Type       string          `json:"type"`
	Inputs     json.RawMessage `json:"inputs"`
	Parameters map[string]any  `json:"parameters"`

	// PerTaskInputs gives the i-th entry of Inputs to the i-th task instead
	// of linking every task to all of them.
	PerTaskInputs bool `json:"per_task_inputs"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []*model.Task `json:"tasks"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// taskResponse is the JSON response for GET /v1/tasks/{id}.
type taskResponse struct {
	*model.Task
	BundleID string               `json:"bundle_id,omitempty"`
	Inputs   []*model.DataProduct `json:"inputs"`
	Outputs  []*model.Output      `json:"outputs"`
}

// bundleResponse is the JSON response for GET /v1/bundles/{id}.
type bundleResponse struct {
	*model.Bundle
	Tasks []*model.Task `json:"tasks"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	sub, code, msg := s.submit(r, req)
	s.recordSubmission(req.Type, code)
	if sub == nil {
		s.writeError(w, code, msg)
		return
	}
	s.writeJSON(w, code, sub)
}

// submit hands req to the engine. On failure it returns the response code and
// message to report.
func (s *Server) submit(r *http.Request, req submitRequest) (*engine.Submission, int, string) {
	inputs, err := decodeInputs(req.Inputs)
	if err != nil {
		return nil, http.StatusBadRequest, "invalid inputs"
	}
	if req.PerTaskInputs {
		list, ok := inputs.([]any)
		if !ok {
			return nil, http.StatusBadRequest, "per_task_inputs needs an inputs array"
		}
		inputs = lifecycle.PerTask(list)
	}

	sub, err := s.engine.Submit(r.Context(), req.Type, inputs, req.Parameters)
	switch {
	case err == nil:
		return sub, http.StatusAccepted, ""
	case errors.Is(err, registry.ErrUnknownType):
		return nil, http.StatusNotFound, err.Error()
	case errors.Is(err, param.ErrDeclaration),
		errors.Is(err, input.ErrUnknownInput),
		errors.Is(err, lifecycle.ErrInputCount):
		return nil, http.StatusBadRequest, err.Error()
	default:
		s.logger.Error("submit task", "task_type", req.Type, "error", err)
		return nil, http.StatusInternalServerError, "failed to submit task"
	}
}

// decodeInputs keeps numbers as json.Number so integral ids survive as
// product ids rather than floats.
func decodeInputs(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(r.Context(), listFilter(r), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// listFilter narrows a task listing by the "type" and "status" query
// parameters. It returns nil when neither is set.
func listFilter(r *http.Request) squirrel.Sqlizer {
	var conds squirrel.And
	if name := r.URL.Query().Get("type"); name != "" {
		conds = append(conds, store.NameIs(name))
	}
	if status := r.URL.Query().Get("status"); status != "" {
		conds = append(conds, store.StatusIs(status))
	}
	if len(conds) == 0 {
		return nil
	}
	return conds
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	t, err := s.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	resp := taskResponse{Task: t}
	resp.BundleID, err = s.store.GetTaskBundleID(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("get task bundle", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	if resp.Inputs, err = s.store.ListTaskInputs(ctx, id); err != nil {
		s.logger.Error("list task inputs", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	if resp.Outputs, err = s.store.ListTaskOutputs(ctx, id); err != nil {
		s.logger.Error("list task outputs", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	if resp.Inputs == nil {
		resp.Inputs = []*model.DataProduct{}
	}
	if resp.Outputs == nil {
		resp.Outputs = []*model.Output{}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b, err := s.store.GetBundle(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "bundle not found")
		return
	}
	if err != nil {
		s.logger.Error("get bundle", "bundle_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get bundle")
		return
	}

	tasks, err := s.store.ListBundleTasks(r.Context(), id)
	if err != nil {
		s.logger.Error("list bundle tasks", "bundle_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get bundle")
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, bundleResponse{Bundle: b, Tasks: tasks})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
