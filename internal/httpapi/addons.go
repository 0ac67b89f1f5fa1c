package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/belchote2025/stream-sub005/internal/addon"
)

func (s *Server) handleAddons(w http.ResponseWriter, r *http.Request) {
	failures := s.d.Addons.Failures()
	if failures == nil {
		failures = []addon.LoadFailure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"addons":     s.d.Addons.List(),
		"failures":   failures,
		"registered": addon.Registered(),
	})
}

type idBody struct {
	ID string `json:"id"`
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.d.Addons.EnableAddon)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.d.Addons.DisableAddon)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, set func(context.Context, string) bool) {
	var in idBody
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = r.URL.Query().Get("id")
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "ok": set(r.Context(), id)})
}

func (s *Server) handleAddonConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "config": s.d.Addons.GetAddonConfig(r.Context(), id)})
	case http.MethodPost:
		var in struct {
			ID     string         `json:"id"`
			Config map[string]any `json:"config"`
		}
		if err := decode(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		if in.ID == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		if in.Config == nil {
			in.Config = map[string]any{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": in.ID, "ok": s.d.Addons.SaveAddonConfig(r.Context(), in.ID, in.Config)})
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// filters collects every query parameter except q into a flat map.
func filters(q url.Values) map[string]string {
	out := map[string]string{}
	for k, v := range q {
		if k == "q" || len(v) == 0 {
			continue
		}
		out[k] = v[0]
	}
	return out
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := s.d.Addons.Search(r.Context(), q.Get("q"), filters(q))
	writeJSON(w, http.StatusOK, map[string]any{"results": res, "total": len(res)})
}

func (s *Server) handleSearchEnhanced(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, s.d.Addons.SearchEnhanced(r.Context(), q.Get("q"), filters(q)))
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"streams": s.d.Addons.GetStreams(r.Context(), id, q.Get("type"), q.Get("episode")),
	})
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"details": s.d.Addons.GetContentDetails(r.Context(), id, q.Get("type")),
	})
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name   string         `json:"name"`
		Params map[string]any `json:"params"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if in.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hook": in.Name, "results": s.d.Addons.ExecuteHook(r.Context(), in.Name, in.Params)})
}

type contentOp func(ctx context.Context, contentID string, data map[string]any) map[string]any

func (s *Server) handleContent(op contentOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			ID   string         `json:"id"`
			Data map[string]any `json:"data"`
		}
		if err := decode(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		if in.ID == "" {
			writeError(w, http.StatusBadRequest, "id required")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": in.ID, "results": op(r.Context(), in.ID, in.Data)})
	}
}
