package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/belchote2025/stream-sub005/internal/player"
	"github.com/belchote2025/stream-sub005/internal/torrentx"
)

// sessionID reads "session" from the query, falling back to the body value.
func sessionID(r *http.Request, fromBody string) string {
	if id := strings.TrimSpace(r.URL.Query().Get("session")); id != "" {
		return id
	}
	return strings.TrimSpace(fromBody)
}

func (s *Server) session(w http.ResponseWriter, id string) (*player.Session, bool) {
	if id == "" {
		writeError(w, http.StatusBadRequest, "session required")
		return nil, false
	}
	sess, ok := s.d.Players.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Subject string `json:"subject"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	sess := s.d.Players.Create(strings.TrimSpace(in.Subject))
	writeJSON(w, http.StatusCreated, map[string]any{"id": sess.ID(), "state": sess.Snapshot()})
}

// loadStatus maps a dispatcher error onto an HTTP status.
func loadStatus(err error) int {
	switch {
	case errors.Is(err, player.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, player.ErrInvalidReference):
		return http.StatusBadRequest
	case errors.Is(err, player.ErrNoPlayableFile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, player.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Session string `json:"session"`
		Ref     string `json:"ref"`
		Kind    string `json:"kind"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	sess, ok := s.session(w, sessionID(r, in.Session))
	if !ok {
		return
	}
	kind, ok := player.ParseKind(in.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown kind "+in.Kind)
		return
	}

	start := time.Now()
	att, err := sess.Load(r.Context(), in.Ref, kind)
	if err != nil {
		s.log.Info("load failed", "session", sess.ID(), "ref", in.Ref, "after", time.Since(start), "error", err)
		var pe *player.Error
		if errors.As(err, &pe) {
			writeJSON(w, loadStatus(err), map[string]any{"error": pe, "state": sess.Snapshot()})
			return
		}
		writeJSON(w, loadStatus(err), map[string]any{"error": map[string]string{"message": err.Error()}, "state": sess.Snapshot()})
		return
	}
	s.log.Info("loaded", "session", sess.ID(), "kind", att.Kind, "name", att.Name, "after", time.Since(start))
	writeJSON(w, http.StatusOK, map[string]any{"media": att, "state": sess.Snapshot()})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Session string  `json:"session"`
		Op      string  `json:"op"`
		Value   float64 `json:"value"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	sess, ok := s.session(w, sessionID(r, in.Session))
	if !ok {
		return
	}
	switch in.Op {
	case "play":
		sess.Play()
	case "pause":
		sess.Pause()
	case "toggle":
		sess.TogglePlay()
	case "seek":
		sess.Seek(in.Value)
	case "seekBy":
		sess.SeekBy(in.Value)
	case "volume":
		sess.SetVolume(in.Value)
	case "volumeBy":
		sess.AdjustVolume(in.Value)
	case "mute":
		sess.ToggleMute()
	case "rate":
		sess.SetPlaybackRate(in.Value)
	case "fullscreen":
		sess.ToggleFullscreen()
	default:
		writeError(w, http.StatusBadRequest, "unknown op "+in.Op)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Session       string `json:"session"`
		Key           string `json:"key"`
		InFormControl bool   `json:"inFormControl"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	sess, ok := s.session(w, sessionID(r, in.Session))
	if !ok {
		return
	}
	handled := sess.HandleKey(in.Key, in.InFormControl)
	writeJSON(w, http.StatusOK, map[string]any{"handled": handled, "state": sess.Snapshot()})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Session     string  `json:"session"`
		CurrentTime float64 `json:"currentTime"`
		Duration    float64 `json:"duration"`
		Ended       bool    `json:"ended"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	sess, ok := s.session(w, sessionID(r, in.Session))
	if !ok {
		return
	}
	sess.ReportProgress(in.CurrentTime, in.Duration, in.Ended)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, sessionID(r, ""))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleClose also accepts sendBeacon bodies ("session=<id>" or a bare id).
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r, "")
	if id == "" && r.Body != nil {
		var buf [256]byte
		n, _ := r.Body.Read(buf[:])
		data := strings.TrimSpace(string(buf[:n]))
		switch {
		case strings.HasPrefix(data, "{"):
			var in struct {
				Session string `json:"session"`
			}
			_ = json.Unmarshal([]byte(data), &in)
			id = strings.TrimSpace(in.Session)
		case strings.HasPrefix(data, "session="):
			id = strings.TrimPrefix(data, "session=")
		default:
			id = data
		}
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "session required")
		return
	}
	if !s.d.Players.Close(id) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream serves the bytes of Local and Torrent media with range
// support, and redirects to the source for Remote media.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, sessionID(r, ""))
	if !ok {
		return
	}
	att, ok := sess.Media()
	if !ok {
		writeError(w, http.StatusConflict, "nothing loaded")
		return
	}
	w.Header().Set("X-Source-Kind", string(att.Kind))
	if !att.Streamable() {
		if att.Kind == player.KindRemote {
			http.Redirect(w, r, att.Ref, http.StatusFound)
			return
		}
		writeError(w, http.StatusConflict, "media is not served by this host")
		return
	}

	rc, err := att.Open()
	if err != nil {
		s.log.Warn("stream open failed", "session", sess.ID(), "error", err)
		writeError(w, http.StatusBadGateway, "open media failed")
		return
	}
	defer rc.Close()
	if att.ContentType != "" {
		w.Header().Set("Content-Type", att.ContentType)
	}
	s.d.Players.Touch(sess.ID())
	http.ServeContent(w, r, att.Name, att.ModTime, rc)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleEvents pushes session events as JSON text frames until either side
// goes away. Every delivered event keeps the session alive.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, sessionID(r, ""))
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := sess.Subscribe(64)
	defer cancel()

	// reader: we only care about the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			s.d.Players.Touch(sess.ID())
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(map[string]any{"type": "snapshot", "state": sess.Snapshot()}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case ev, open := <-events:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			s.d.Players.Touch(sess.ID())
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				if !torrentx.ClientGone(err) {
					s.log.Debug("websocket write failed", "session", sess.ID(), "error", err)
				}
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
