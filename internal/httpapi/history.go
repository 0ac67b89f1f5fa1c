package httpapi

import (
	"net/http"
	"strconv"
)

// history routes answer 503 when the host runs without a database.
func (s *Server) historyReady(w http.ResponseWriter) bool {
	if s.d.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history disabled")
		return false
	}
	return true
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !s.historyReady(w) {
		return
	}
	subject := r.URL.Query().Get("subject")
	ref := r.URL.Query().Get("ref")
	if subject == "" || ref == "" {
		writeError(w, http.StatusBadRequest, "subject & ref required")
		return
	}
	e, ok, err := s.d.History.GetResume(r.Context(), subject, ref)
	if err != nil {
		s.log.Warn("resume lookup", "subject", subject, "error", err)
		writeError(w, http.StatusInternalServerError, "db error")
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": true, "entry": e})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if !s.historyReady(w) {
		return
	}
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		writeError(w, http.StatusBadRequest, "subject required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.d.History.ListRecent(r.Context(), subject, limit)
	if err != nil {
		s.log.Warn("recent lookup", "subject", subject, "error", err)
		writeError(w, http.StatusInternalServerError, "db error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	if !s.historyReady(w) {
		return
	}
	var in struct {
		Subject string `json:"subject"`
		Ref     string `json:"ref"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if in.Subject == "" || in.Ref == "" {
		writeError(w, http.StatusBadRequest, "subject & ref required")
		return
	}
	if err := s.d.History.Forget(r.Context(), in.Subject, in.Ref); err != nil {
		writeError(w, http.StatusInternalServerError, "db error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
