package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/artai8/la/internal/model"
)

// commandResult is the uniform reply for submission and command endpoints.
type commandResult struct {
	Status  bool   `json:"status"`
	ID      int64  `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func respondOK(w http.ResponseWriter, id int64) {
	respondJSON(w, http.StatusOK, commandResult{Status: true, ID: id})
}

// respondCommandError maps the error taxonomy onto HTTP codes while keeping
// the {status, message} body the frontend consumes.
func respondCommandError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidPayload):
		code = http.StatusBadRequest
	case errors.Is(err, model.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, model.ErrTaskNotFound):
		code = http.StatusNotFound
	}
	respondJSON(w, code, commandResult{Status: false, Message: err.Error()})
}

func parseJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
