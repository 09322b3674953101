package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/veritydir/chainlog/internal/audit"
)

// handleAppend records a privileged action. The caller is another service
// handler: append failure is reported here but must never block or revert
// the administrative action it records.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var in audit.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.IPAddress == "" {
		in.IPAddress = clientIP(r)
	}

	entry, err := s.writer.Append(r.Context(), in)
	if err != nil {
		if errors.Is(err, audit.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "append failed")
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// handleList pages the durable log.
// Query params: action, entityType, actor, since, until (RFC3339), limit, offset.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := parseLimitOffset(r)

	f := audit.Filter{
		Action:     audit.Action(q.Get("action")),
		EntityType: q.Get("entityType"),
		ActorID:    q.Get("actor"),
		Limit:      limit,
		Offset:     offset,
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = &t
		}
	}

	entries, err := s.store.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	// Total reflects the same filter, not the whole chain.
	total, _ := s.store.CountFiltered(r.Context(), f)

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// handleGet returns one entry by id.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleVerify runs an on-demand integrity check.
// Query param: from (checkpoint sequence, default 0 = full chain).
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var fromSeq int64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid checkpoint")
			return
		}
		fromSeq = n
	}

	res, err := s.verifier.Verify(r.Context(), fromSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSummary returns the analytics rollup for a trailing window.
// Query param: window (duration, default 24h).
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}

	summary, err := s.aggregator.Summarize(r.Context(), window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
