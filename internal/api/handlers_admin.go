package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/artai8/la/internal/model"
)

// handleGetSettings handles GET /api/settings: the flat key-value map.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.AllSettings()
	if err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

// handleUpdateSettings handles POST /api/settings. Unrecognized keys are
// stored but have no defined effect.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := parseJSONBody(r, &req); err != nil {
		respondCommandError(w, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err))
		return
	}
	for key, value := range req {
		if err := s.store.SetSetting(key, value); err != nil {
			respondCommandError(w, err)
			return
		}
	}
	respondOK(w, 0)
}

// handleListAccounts handles GET /api/accounts.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pool.Accounts())
}

// handleAddAccount handles POST /api/accounts: registers an account in
// storage and the live pool.
func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var acc model.Account
	if err := parseJSONBody(r, &acc); err != nil {
		respondCommandError(w, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err))
		return
	}
	if acc.Phone == "" {
		respondCommandError(w, fmt.Errorf("%w: phone is required", model.ErrInvalidPayload))
		return
	}
	if err := s.store.UpsertAccount(r.Context(), acc); err != nil {
		respondCommandError(w, err)
		return
	}
	s.pool.Add(acc)
	respondOK(w, 0)
}

// handleRemoveAccount handles DELETE /api/accounts/{phone}. Leased accounts
// cannot be removed.
func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	phone := mux.Vars(r)["phone"]
	if err := s.pool.Remove(phone); err != nil {
		respondCommandError(w, err)
		return
	}
	if err := s.store.RemoveAccount(r.Context(), phone); err != nil {
		respondCommandError(w, err)
		return
	}
	respondOK(w, 0)
}

// handleClearBanned handles POST /api/accounts/{phone}/clear-banned.
func (s *Server) handleClearBanned(w http.ResponseWriter, r *http.Request) {
	phone := mux.Vars(r)["phone"]
	if err := s.pool.ClearBanned(phone); err != nil {
		respondCommandError(w, err)
		return
	}
	respondOK(w, 0)
}

// handleKeepalive handles POST /api/keepalive: toggles the pool's
// keepalive flag on the given accounts, or all of them when no phones are
// listed.
func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool     `json:"enabled"`
		Phones  []string `json:"phones,omitempty"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondCommandError(w, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err))
		return
	}
	phones := req.Phones
	if len(phones) == 0 {
		for _, acc := range s.pool.Accounts() {
			phones = append(phones, acc.Phone)
		}
	}
	s.pool.SetKeepalive(phones, req.Enabled)
	s.caster.SetKeepalive(req.Enabled)
	respondOK(w, 0)
}

// handleWorkingStatus handles GET /api/working.
func (s *Server) handleWorkingStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]int{"count": s.engine.WorkingSet().Len()})
}

// handleWorkingLoad handles POST /api/working/load: usernames come either
// inline or from previously extracted members of a source group.
func (s *Server) handleWorkingLoad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Usernames []string `json:"usernames,omitempty"`
		GroupName string   `json:"group_name,omitempty"`
		Limit     int      `json:"limit,omitempty"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondCommandError(w, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err))
		return
	}
	usernames := req.Usernames
	if req.GroupName != "" {
		fromStore, err := s.store.MemberUsernames(r.Context(), req.GroupName, req.Limit)
		if err != nil {
			respondCommandError(w, err)
			return
		}
		usernames = append(usernames, fromStore...)
	}
	if len(usernames) == 0 {
		respondCommandError(w, fmt.Errorf("%w: no usernames to load", model.ErrInvalidPayload))
		return
	}
	loaded := s.engine.WorkingSet().Load(usernames)
	respondJSON(w, http.StatusOK, map[string]any{
		"status": true,
		"loaded": loaded,
		"count":  s.engine.WorkingSet().Len(),
	})
}

// handleWorkingClear handles DELETE /api/working.
func (s *Server) handleWorkingClear(w http.ResponseWriter, r *http.Request) {
	s.engine.WorkingSet().Clear()
	respondOK(w, 0)
}

func listType(w http.ResponseWriter, r *http.Request) (string, bool) {
	t := mux.Vars(r)["type"]
	if t != "blacklist" && t != "whitelist" {
		respondCommandError(w, fmt.Errorf("%w: unknown list type %q", model.ErrInvalidPayload, t))
		return "", false
	}
	return t, true
}

// handleGetList handles GET /api/lists/{type}.
func (s *Server) handleGetList(w http.ResponseWriter, r *http.Request) {
	t, ok := listType(w, r)
	if !ok {
		return
	}
	values, err := s.store.ListValues(t)
	if err != nil {
		respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, values)
}

// handleAddListValue handles POST /api/lists/{type}.
func (s *Server) handleAddListValue(w http.ResponseWriter, r *http.Request) {
	t, ok := listType(w, r)
	if !ok {
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := parseJSONBody(r, &req); err != nil || req.Value == "" {
		respondCommandError(w, fmt.Errorf("%w: value is required", model.ErrInvalidPayload))
		return
	}
	if err := s.store.AddListValue(t, req.Value); err != nil {
		respondCommandError(w, err)
		return
	}
	respondOK(w, 0)
}

// handleRemoveListValue handles DELETE /api/lists/{type}/{value}.
func (s *Server) handleRemoveListValue(w http.ResponseWriter, r *http.Request) {
	t, ok := listType(w, r)
	if !ok {
		return
	}
	if err := s.store.RemoveListValue(t, mux.Vars(r)["value"]); err != nil {
		respondCommandError(w, err)
		return
	}
	respondOK(w, 0)
}
