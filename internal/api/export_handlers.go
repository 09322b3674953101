package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/veritydir/chainlog/internal/export"
)

type exportRequest struct {
	Type   string `json:"type"`
	Format string `json:"format"`
}

// handleExportRequest starts a compliance export. The snapshot runs to
// completion before the response is written, so the returned job is in a
// terminal state.
func (s *Server) handleExportRequest(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = export.TypeAuditLogs
	}
	if req.Format == "" {
		req.Format = export.FormatJSON
	}
	req.Type = strings.ToUpper(req.Type)
	req.Format = strings.ToUpper(req.Format)

	job, err := s.exporter.Request(r.Context(), req.Type, req.Format)
	if err != nil && !errors.Is(err, export.ErrExportFailed) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// A FAILED job is still a recorded outcome the caller can inspect.
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleExportList(w http.ResponseWriter, r *http.Request) {
	limit, _ := parseLimitOffset(r)
	jobs, err := s.exporter.List(r.Context(), int(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleExportGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.exporter.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, export.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "export job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleExportDownload streams the published artifact of a completed job.
func (s *Server) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	job, err := s.exporter.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, export.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "export job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if job.Status != export.StatusComplete || job.Artifact == "" {
		writeError(w, http.StatusConflict, "export not complete")
		return
	}

	switch job.Format {
	case export.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(job.Artifact))
	http.ServeFile(w, r, job.Artifact)
}
