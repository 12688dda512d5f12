package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/artai8/la/internal/model"
)

// taskSummary is the listing row shape.
type taskSummary struct {
	ID     int64            `json:"id"`
	Type   model.TaskType   `json:"type"`
	Status model.TaskStatus `json:"status"`
	RunAt  int64            `json:"run_at"`
}

// handleSubmitTask handles POST /api/tasks.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    model.TaskType  `json:"type"`
		Payload json.RawMessage `json:"payload"`
		RunAt   *int64          `json:"run_at"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondCommandError(w, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err))
		return
	}
	var runAt int64
	if req.RunAt != nil {
		runAt = *req.RunAt
	}

	id, err := s.scheduler.Submit(r.Context(), req.Type, req.Payload, runAt)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	respondOK(w, id)
}

// handleListTasks handles GET /api/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		respondCommandError(w, err)
		return
	}
	out := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskSummary{ID: t.ID, Type: t.Type, Status: t.Status, RunAt: t.RunAt})
	}
	respondJSON(w, http.StatusOK, out)
}

// handleGetTask handles GET /api/tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// handleStopTask handles POST /api/tasks/{id}/stop.
func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.Stop(r.Context(), id); err != nil {
		respondCommandError(w, err)
		return
	}
	respondOK(w, id)
}

// handleDeleteTask handles DELETE /api/tasks/{id}.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.Delete(r.Context(), id); err != nil {
		respondCommandError(w, err)
		return
	}
	respondOK(w, id)
}

// handleTaskLog handles GET /api/tasks/{id}/log.
func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	log, err := s.store.TaskLog(r.Context(), id)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "log": log})
}

// handleState handles GET /api/state: the same snapshot the websocket feed
// pushes, for poll-style consumers.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, model.WireMessage{
		Type: "state",
		Data: s.caster.Snapshot(r.Context()),
	})
}

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondCommandError(w, fmt.Errorf("%w: task id must be an integer", model.ErrInvalidPayload))
		return 0, false
	}
	return id, true
}
