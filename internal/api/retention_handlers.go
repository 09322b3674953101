package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veritydir/chainlog/internal/retention"
)

func (s *Server) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policies.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

// handlePolicyPut creates or replaces the policy for one entity type.
// The path segment wins over any entityType in the body.
func (s *Server) handlePolicyPut(w http.ResponseWriter, r *http.Request) {
	var p retention.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p.EntityType = r.PathValue("entityType")

	saved, err := s.policies.Upsert(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Get(r.Context(), r.PathValue("entityType"))
	if errors.Is(err, retention.ErrPolicyNotFound) {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePolicyDelete(w http.ResponseWriter, r *http.Request) {
	err := s.policies.Delete(r.Context(), r.PathValue("entityType"))
	if errors.Is(err, retention.ErrPolicyNotFound) {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSweep triggers a retention sweep outside the schedule.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.RunSweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
