package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/belchote2025/stream-sub005/internal/addon"
	"github.com/belchote2025/stream-sub005/internal/history"
	"github.com/belchote2025/stream-sub005/internal/middleware"
	"github.com/belchote2025/stream-sub005/internal/player"
	"github.com/belchote2025/stream-sub005/internal/torrentx"
)

type Deps struct {
	Players *player.Manager
	Addons  *addon.Registry
	History *history.Store // nil without a database

	DataRoot      string
	CacheMaxBytes int64
	Logger        hclog.Logger
}

type Server struct {
	d       Deps
	log     hclog.Logger
	startAt time.Time
}

func New(d Deps) *Server {
	lg := d.Logger
	if lg == nil {
		lg = hclog.NewNullLogger()
	}
	return &Server{d: d, log: lg.Named("http"), startAt: time.Now()}
}

// Handler returns the full route table wrapped in CORS and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return middleware.Recover(s.log)(middleware.CORS(mux))
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/player/sessions", post(s.handleCreateSession))
	mux.HandleFunc("/v1/player/load", post(s.handleLoad))
	mux.HandleFunc("/v1/player/control", post(s.handleControl))
	mux.HandleFunc("/v1/player/key", post(s.handleKey))
	mux.HandleFunc("/v1/player/progress", post(s.handleProgress))
	mux.HandleFunc("/v1/player/state", get(s.handleState))
	mux.HandleFunc("/v1/player/close", post(s.handleClose))
	mux.HandleFunc("/v1/player/stream", get(s.handleStream))
	mux.HandleFunc("/v1/player/events", get(s.handleEvents))

	mux.HandleFunc("/v1/addons", get(s.handleAddons))
	mux.HandleFunc("/v1/addons/enable", post(s.handleEnable))
	mux.HandleFunc("/v1/addons/disable", post(s.handleDisable))
	mux.HandleFunc("/v1/addons/config", s.handleAddonConfig)
	mux.HandleFunc("/v1/search", get(s.handleSearch))
	mux.HandleFunc("/v1/search/enhanced", get(s.handleSearchEnhanced))
	mux.HandleFunc("/v1/streams", get(s.handleStreams))
	mux.HandleFunc("/v1/details", get(s.handleDetails))
	mux.HandleFunc("/v1/hooks", post(s.handleHook))
	mux.HandleFunc("/v1/content/add", post(s.handleContent(s.d.Addons.AddContent)))
	mux.HandleFunc("/v1/content/update", post(s.handleContent(s.d.Addons.UpdateContent)))
	mux.HandleFunc("/v1/content/delete", post(s.handleContent(s.d.Addons.DeleteContent)))

	mux.HandleFunc("/v1/history/resume", get(s.handleResume))
	mux.HandleFunc("/v1/history/recent", get(s.handleRecent))
	mux.HandleFunc("/v1/history/forget", post(s.handleForget))

	mux.HandleFunc("/v1/stats", get(s.handleStats))
}

func post(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func get(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

type statsResp struct {
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	DataRoot        string `json:"dataRoot"`
	TotalCacheBytes int64  `json:"totalCacheBytes"`
	CacheMaxBytes   int64  `json:"cacheMaxBytes"`
	Sessions        int    `json:"sessions"`
	Addons          int    `json:"addons"`
	AddonFailures   int    `json:"addonFailures"`
	History         bool   `json:"history"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := statsResp{
		UptimeSeconds: int64(time.Since(s.startAt).Seconds()),
		DataRoot:      s.d.DataRoot,
		CacheMaxBytes: s.d.CacheMaxBytes,
		Sessions:      s.d.Players.Len(),
		Addons:        len(s.d.Addons.List()),
		AddonFailures: len(s.d.Addons.Failures()),
		History:       s.d.History != nil,
	}
	if s.d.DataRoot != "" {
		out.TotalCacheBytes = torrentx.DirSize(s.d.DataRoot)
	}
	writeJSON(w, http.StatusOK, out)
}
