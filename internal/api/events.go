package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/stagehand/internal/model"
	"github.com/seantiz/stagehand/internal/store"
)

// handleStreamEvents streams status events for a task or bundle id as SSE.
// The stream ends with a "done" event once the run owning the id finishes.
// Ids that are finished or not being run by this server get a single "done"
// event carrying their recorded status.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := s.currentStatus(r, id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task or bundle not found")
		return
	}
	if err != nil {
		s.logger.Error("get status for events", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get status")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if terminal(status) || !s.engine.Owns(id) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", status)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A run finishing after the ownership check leaves a closed channel, so
	// the loop below exits immediately.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()
	eventStreams.Inc()
	defer eventStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode status event", "error", err)
				continue
			}
			if err := writeSSEEvent(w, "status", string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// currentStatus returns the recorded status of a task, or of a bundle when no
// task has the id.
func (s *Server) currentStatus(r *http.Request, id string) (string, error) {
	t, err := s.store.GetTask(r.Context(), id)
	if err == nil {
		return t.Status, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	b, err := s.store.GetBundle(r.Context(), id)
	if err != nil {
		return "", err
	}
	return b.Status, nil
}

func terminal(status string) bool {
	return status == model.StatusCompleted || model.IsFailed(status)
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
