package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/veritydir/chainlog/internal/incident"
)

func (s *Server) handleIncidentList(w http.ResponseWriter, r *http.Request) {
	status := strings.ToUpper(r.URL.Query().Get("status"))
	limit, _ := parseLimitOffset(r)

	incidents, err := s.incidents.List(r.Context(), status, int(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (s *Server) handleIncidentAck(w http.ResponseWriter, r *http.Request) {
	s.setIncidentStatus(w, r, incident.StatusAcknowledged)
}

func (s *Server) handleIncidentClose(w http.ResponseWriter, r *http.Request) {
	s.setIncidentStatus(w, r, incident.StatusClosed)
}

func (s *Server) setIncidentStatus(w http.ResponseWriter, r *http.Request, status string) {
	id := r.PathValue("id")
	if err := s.incidents.SetStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			writeError(w, http.StatusNotFound, "incident not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	inc, err := s.incidents.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, inc)
}
