package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belchote2025/stream-sub005/internal/addon"
	"github.com/belchote2025/stream-sub005/internal/history"
	"github.com/belchote2025/stream-sub005/internal/player"
	"github.com/belchote2025/stream-sub005/pkg/types"
)

var mp4Header = []byte{
	0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p',
	'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00,
	'i', 's', 'o', 'm', 'i', 's', 'o', '2',
}

type echoAddon struct{ addon.Base }

func (e *echoAddon) OnSearch(_ context.Context, q string, _ map[string]string) ([]types.SearchResult, error) {
	return []types.SearchResult{{ID: "echo:" + q, Title: q, Year: 2000}}, nil
}

func (e *echoAddon) OnGetStreams(_ context.Context, id, _, _ string) ([]types.Stream, error) {
	return []types.Stream{{Name: id, Ref: "/clip.mp4", Kind: "local"}}, nil
}

func (e *echoAddon) OnHook(_ context.Context, name string, _ map[string]any) (any, error) {
	return "pong:" + name, nil
}

func init() {
	addon.Register("test/http", "Echo", func(m addon.Manifest, _ addon.Env) (addon.Addon, error) {
		a := &echoAddon{}
		a.Init(m)
		return a, nil
	})
}

type fixture struct {
	srv     *httptest.Server
	players *player.Manager
	addons  *addon.Registry
	mock    sqlmock.Sqlmock
	media   []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	media := append(append([]byte{}, mp4Header...), bytes.Repeat([]byte{0xAB}, 4096)...)
	require.NoError(t, os.WriteFile(filepath.Join(root, "clip.mp4"), media, 0o644))

	addonDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(addonDir, "echo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(addonDir, "echo", "addon.yaml"),
		[]byte("id: echo\nname: Echo\nversion: 1.0.0\nmain: test/http\nclass: Echo\n"), 0o644))
	reg := addon.New(addon.NewMemoryStore(), addon.WithDir(addonDir))
	require.NoError(t, reg.Open(context.Background()))

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{addons: reg, mock: mock, media: media}
	f.players = player.NewManager(player.ManagerConfig{
		Factory:   player.NewBackends(player.NativeConfig{MediaRoot: root}, player.YouTubeConfig{}, player.TorrentConfig{}),
		StreamURL: func(id string) string { return "/v1/player/stream?session=" + id },
	})
	t.Cleanup(f.players.Shutdown)

	s := New(Deps{Players: f.players, Addons: reg, History: history.NewStore(db), DataRoot: root})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp, readJSON(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp, readJSON(t, resp)
}

func readJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return out
}

func (f *fixture) newSession(t *testing.T) string {
	t.Helper()
	resp, body := f.post(t, "/v1/player/sessions", map[string]any{"subject": "u1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["id"].(string)
}

func TestLoadControlAndState(t *testing.T) {
	f := newFixture(t)
	id := f.newSession(t)

	resp, body := f.post(t, "/v1/player/load", map[string]any{"session": id, "ref": "/clip.mp4"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	media := body["media"].(map[string]any)
	assert.Equal(t, "local", media["kind"])
	assert.Equal(t, "video/mp4", media["contentType"])
	assert.Equal(t, "/v1/player/stream?session="+id, media["playUrl"])

	resp, body = f.post(t, "/v1/player/control", map[string]any{"session": id, "op": "play"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["isPlaying"])

	resp, body = f.post(t, "/v1/player/control", map[string]any{"session": id, "op": "volume", "value": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, body["volume"])

	resp, body = f.post(t, "/v1/player/key", map[string]any{"session": id, "key": "m"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["handled"])
	assert.Equal(t, true, body["state"].(map[string]any)["isMuted"])

	resp, _ = f.post(t, "/v1/player/key", map[string]any{"session": id, "key": "m", "inFormControl": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.post(t, "/v1/player/control", map[string]any{"session": id, "op": "warp"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.get(t, "/v1/player/state?session="+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "playing", body["state"])
}

func TestLoadErrorsMapToStatus(t *testing.T) {
	f := newFixture(t)
	id := f.newSession(t)

	resp, body := f.post(t, "/v1/player/load", map[string]any{"session": id, "ref": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidReference", body["error"].(map[string]any)["kind"])

	resp, _ = f.post(t, "/v1/player/load", map[string]any{"session": id, "ref": "/missing.mp4"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, _ = f.post(t, "/v1/player/load", map[string]any{"session": id, "ref": "/clip.mp4", "kind": "flash"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/v1/player/load", map[string]any{"session": "nope", "ref": "/clip.mp4"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err := http.Get(f.srv.URL + "/v1/player/load")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStreamServesRanges(t *testing.T) {
	f := newFixture(t)
	id := f.newSession(t)

	resp, _ := f.get(t, "/v1/player/stream?session="+id)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.post(t, "/v1/player/load", map[string]any{"session": id, "ref": "/clip.mp4"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/player/stream?session="+id, nil)
	req.Header.Set("Range", "bytes=4-11")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, []byte("ftypisom"), got)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "local", resp.Header.Get("X-Source-Kind"))
	assert.Contains(t, resp.Header.Get("Content-Range"), "/"+itoa(len(f.media)))
}

func TestStreamRedirectsRemote(t *testing.T) {
	f := newFixture(t)
	id := f.newSession(t)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(mp4Header)
	}))
	defer origin.Close()

	resp, _ := f.post(t, "/v1/player/load", map[string]any{"session": id, "ref": origin.URL + "/v.mp4"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := noFollow.Get(f.srv.URL + "/v1/player/stream?session=" + id)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, origin.URL+"/v.mp4", resp.Header.Get("Location"))
}

func TestEventsWebsocket(t *testing.T) {
	f := newFixture(t)
	id := f.newSession(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/player/events?session=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first["type"])

	resp, _ := f.post(t, "/v1/player/load", map[string]any{"session": id, "ref": "/clip.mp4"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var seen []string
	for len(seen) == 0 || seen[len(seen)-1] != "ready" {
		var ev player.Event
		require.NoError(t, conn.ReadJSON(&ev))
		seen = append(seen, string(ev.Type))
	}
	assert.Equal(t, []string{"loading", "ready"}, seen)

	// closing the session ends the feed
	resp, _ = f.post(t, "/v1/player/close", map[string]any{"session": id})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
	}
}

func TestCloseAcceptsBeaconBody(t *testing.T) {
	f := newFixture(t)
	id := f.newSession(t)
	resp, err := http.Post(f.srv.URL+"/v1/player/close", "text/plain", strings.NewReader("session="+id))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, f.players.Len())

	resp, err = http.Post(f.srv.URL+"/v1/player/close", "text/plain", strings.NewReader(id))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddonRoutes(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/v1/addons")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["addons"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "echo", list[0].(map[string]any)["id"])
	assert.Contains(t, body["registered"], "test/http#Echo")

	_, body = f.get(t, "/v1/search?q=alien")
	assert.EqualValues(t, 1, body["total"])
	res := body["results"].([]any)[0].(map[string]any)
	assert.Equal(t, "echo", res["addon"])

	_, body = f.get(t, "/v1/search/enhanced?q=alien&type=movie")
	assert.Equal(t, map[string]any{"type": "movie"}, body["filters"])

	_, body = f.get(t, "/v1/streams?id=echo:alien")
	streams := body["streams"].(map[string]any)["echo"].([]any)
	assert.Equal(t, "/clip.mp4", streams[0].(map[string]any)["ref"])

	resp, _ = f.get(t, "/v1/streams")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = f.post(t, "/v1/hooks", map[string]any{"name": "ping"})
	assert.Equal(t, map[string]any{"echo": "pong:ping"}, body["results"])

	_, body = f.post(t, "/v1/addons/disable", map[string]any{"id": "echo"})
	assert.Equal(t, true, body["ok"])
	_, body = f.get(t, "/v1/search?q=alien")
	assert.EqualValues(t, 0, body["total"])

	_, body = f.post(t, "/v1/addons/enable", map[string]any{"id": "ghost"})
	assert.Equal(t, false, body["ok"])

	_, body = f.post(t, "/v1/addons/config", map[string]any{"id": "echo", "config": map[string]any{"k": "v"}})
	assert.Equal(t, true, body["ok"])
	_, body = f.get(t, "/v1/addons/config?id=echo")
	assert.Equal(t, map[string]any{"k": "v"}, body["config"])
}

func TestHistoryRoutes(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	f.mock.ExpectQuery(`SELECT content_ref`).WithArgs("u1", "/clip.mp4").
		WillReturnRows(sqlmock.NewRows([]string{"content_ref", "kind", "position_s", "duration_s", "percent", "updated_at"}).
			AddRow("/clip.mp4", "local", 70, 100, 70.0, now))
	resp, body := f.get(t, "/v1/history/resume?subject=u1&ref=/clip.mp4")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["found"])
	assert.EqualValues(t, 60, body["entry"].(map[string]any)["position_s"])

	resp, _ = f.get(t, "/v1/history/recent")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.newSession(t)
	resp, body := f.get(t, "/v1/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["sessions"])
	assert.EqualValues(t, 1, body["addons"])
	assert.EqualValues(t, len(f.media), body["totalCacheBytes"])
}

func itoa(n int) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}
