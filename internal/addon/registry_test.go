package addon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/belchote2025/stream-sub005/pkg/types"
)

type fixture struct {
	Base
	results     []types.SearchResult
	searchErr   error
	panicSearch bool
	contentRes  any
	hookRes     any
	streams     []types.Stream
	loaded      int
	unloaded    int
}

func (f *fixture) OnSearch(context.Context, string, map[string]string) ([]types.SearchResult, error) {
	if f.panicSearch {
		panic("search exploded")
	}
	return f.results, f.searchErr
}

func (f *fixture) OnContentAdd(context.Context, string, map[string]any) (any, error) {
	return f.contentRes, nil
}

func (f *fixture) OnHook(_ context.Context, name string, _ map[string]any) (any, error) {
	if name != "ping" {
		return nil, nil
	}
	return f.hookRes, nil
}

func (f *fixture) OnGetStreams(context.Context, string, string, string) ([]types.Stream, error) {
	return f.streams, nil
}

func (f *fixture) OnLoad(context.Context) error   { f.loaded++; return nil }
func (f *fixture) OnUnload(context.Context) error { f.unloaded++; return nil }

// fixtures maps manifest id to the instance the test factory returns.
var fixtures = map[string]*fixture{}

func init() {
	Register("test/fixture", "Fixture", func(m Manifest, _ Env) (Addon, error) {
		f, ok := fixtures[m.ID]
		if !ok {
			return nil, errors.New("no fixture for " + m.ID)
		}
		f.Init(m)
		return f, nil
	})
	Register("test/fixture", "Panics", func(Manifest, Env) (Addon, error) {
		panic("constructor exploded")
	})
}

func writeManifest(t *testing.T, root, dir, name, body string) {
	t.Helper()
	d := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(d, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(d, name), []byte(body), 0o644))
}

func fixtureManifest(id string) string {
	return "id: " + id + "\nname: " + id + "\nversion: 1.0.0\nmain: test/fixture\nclass: Fixture\n"
}

func openRegistry(t *testing.T, store Store, ids ...string) *Registry {
	t.Helper()
	root := t.TempDir()
	for _, id := range ids {
		writeManifest(t, root, id, "addon.yaml", fixtureManifest(id))
	}
	r := New(store, WithDir(root))
	require.NoError(t, r.Open(context.Background()))
	return r
}

func setFixtures(t *testing.T, fs map[string]*fixture) {
	t.Helper()
	fixtures = fs
	t.Cleanup(func() { fixtures = map[string]*fixture{} })
}

func ids(infos []Info) []string {
	out := make([]string, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.ID)
	}
	return out
}

func TestLoadAddonsSkipsBadManifests(t *testing.T) {
	setFixtures(t, map[string]*fixture{"alpha": {}, "gamma": {}})
	root := t.TempDir()
	writeManifest(t, root, "a", "addon.yaml", fixtureManifest("alpha"))
	writeManifest(t, root, "b", "addon.yaml", "id: beta\nmain: test/fixture\n")
	writeManifest(t, root, "c", "addon.yml", "id: charlie\nmain: test/fixture\nclass: Nope\n")
	writeManifest(t, root, "d", "addon.yaml", "id: delta\nmain: test/fixture\nclass: Panics\n")
	writeManifest(t, root, "e", "addon.yaml", fixtureManifest("alpha"))
	writeManifest(t, root, "f", "addon.yaml", "id: [unterminated\n")
	writeManifest(t, root, "g", "addon.json", `{"id":"gamma","name":"Gamma","version":"2.0","main":"test/fixture","class":"Fixture"}`)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-an-addon"), 0o755))

	r := New(NewMemoryStore(), WithDir(root))
	n, err := r.LoadAddons(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"alpha", "gamma"}, ids(r.List()))
	assert.Len(t, r.Failures(), 5)

	g, ok := r.Get("gamma")
	require.True(t, ok)
	assert.Equal(t, "Gamma", g.Name())
	assert.Equal(t, 1, fixtures["alpha"].loaded)
}

func TestLoadAddonsMissingDir(t *testing.T) {
	r := New(nil, WithDir(filepath.Join(t.TempDir(), "absent")))
	n, err := r.LoadAddons(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPersistedStateWins(t *testing.T) {
	ctx := context.Background()
	setFixtures(t, map[string]*fixture{"on": {}, "off": {}})
	store := NewMemoryStore()
	require.NoError(t, store.SetEnabled(ctx, "on", false))

	root := t.TempDir()
	writeManifest(t, root, "on", "addon.yaml", fixtureManifest("on"))
	writeManifest(t, root, "off", "addon.yaml", fixtureManifest("off")+"enabled: false\n")
	r := New(store, WithDir(root))
	require.NoError(t, r.Open(ctx))

	on, _ := r.Get("on")
	assert.False(t, on.Enabled(), "persisted false beats manifest default")

	st, ok, err := store.GetState(ctx, "off")
	require.NoError(t, err)
	require.True(t, ok, "default persisted on first load")
	assert.False(t, st.Enabled)
}

func TestSearchIsolatesFailures(t *testing.T) {
	setFixtures(t, map[string]*fixture{
		"a": {searchErr: errors.New("indexer down")},
		"b": {panicSearch: true},
		"c": {results: []types.SearchResult{{Title: "Alien", Year: 1979}}},
	})
	r := openRegistry(t, NewMemoryStore(), "a", "b", "c")

	res := r.Search(context.Background(), "alien", nil)
	require.Len(t, res, 1)
	assert.Equal(t, "Alien", res[0].Title)
	assert.Equal(t, "c", res[0].Addon)
}

func TestDisableRemovesFromDispatch(t *testing.T) {
	ctx := context.Background()
	setFixtures(t, map[string]*fixture{
		"a": {results: []types.SearchResult{{Title: "Alien", Year: 1979}}},
	})
	store := NewMemoryStore()
	r := openRegistry(t, store, "a")

	require.True(t, r.DisableAddon(ctx, "a"))
	assert.Empty(t, r.Search(ctx, "alien", nil))
	st, _, _ := store.GetState(ctx, "a")
	assert.False(t, st.Enabled)

	require.True(t, r.EnableAddon(ctx, "a"))
	assert.Len(t, r.Search(ctx, "alien", nil), 1)
	st, _, _ = store.GetState(ctx, "a")
	assert.True(t, st.Enabled)

	assert.False(t, r.EnableAddon(ctx, "missing"))
}

type flakyStore struct {
	*MemoryStore
	fail bool
}

func (f *flakyStore) SetEnabled(ctx context.Context, id string, on bool) error {
	if f.fail {
		return errors.New("db gone")
	}
	return f.MemoryStore.SetEnabled(ctx, id, on)
}

func (f *flakyStore) SetConfig(ctx context.Context, id string, blob []byte) error {
	if f.fail {
		return errors.New("db gone")
	}
	return f.MemoryStore.SetConfig(ctx, id, blob)
}

func TestTogglePersistenceFailureReverts(t *testing.T) {
	ctx := context.Background()
	setFixtures(t, map[string]*fixture{"a": {}})
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	r := openRegistry(t, store, "a")

	store.fail = true
	assert.False(t, r.DisableAddon(ctx, "a"))
	a, _ := r.Get("a")
	assert.True(t, a.Enabled())
	assert.False(t, r.SaveAddonConfig(ctx, "a", map[string]any{"k": "v"}))
}

func TestSearchEnhancedDedupes(t *testing.T) {
	setFixtures(t, map[string]*fixture{
		"a": {results: []types.SearchResult{{Title: "The Matrix", Year: 1999}, {Title: "Alien", Year: 1979}}},
		"b": {results: []types.SearchResult{{Title: " THE MATRIX", Year: 1999}, {Title: "The Matrix", Year: 2021}}},
	})
	r := openRegistry(t, NewMemoryStore(), "a", "b")

	out := r.SearchEnhanced(context.Background(), "matrix", map[string]string{"type": "movie"})
	assert.Equal(t, 3, out.Total)
	require.Len(t, out.Results, 3)
	assert.Equal(t, "The Matrix", out.Results[0].Title)
	assert.Equal(t, "a", out.Results[0].Addon)
	assert.Equal(t, 2021, out.Results[2].Year)
	assert.Len(t, out.ByAddon["a"], 2)
	assert.Len(t, out.ByAddon["b"], 2)
	assert.Equal(t, "matrix", out.Query)
	assert.Equal(t, "movie", out.Filters["type"])
}

func TestContentAndHooksCollectMeaningful(t *testing.T) {
	ctx := context.Background()
	setFixtures(t, map[string]*fixture{
		"a": {contentRes: map[string]any{"indexed": true}, hookRes: "pong"},
		"b": {contentRes: false, hookRes: nil},
		"c": {streams: []types.Stream{{Name: "1080p", Ref: "magnet:?xt=urn:btih:abc"}}},
	})
	r := openRegistry(t, NewMemoryStore(), "a", "b", "c")

	added := r.AddContent(ctx, "42", map[string]any{"title": "Alien"})
	assert.Equal(t, map[string]any{"a": map[string]any{"indexed": true}}, added)
	assert.Empty(t, r.UpdateContent(ctx, "42", nil))
	assert.Empty(t, r.DeleteContent(ctx, "42", nil))

	assert.Equal(t, map[string]any{"a": "pong"}, r.ExecuteHook(ctx, "ping", nil))
	assert.Empty(t, r.ExecuteHook(ctx, "other", nil))

	streams := r.GetStreams(ctx, "42", "movie", "")
	require.Len(t, streams, 1)
	assert.Equal(t, "c", streams["c"][0].Addon)

	assert.Empty(t, r.GetContentDetails(ctx, "42", "movie"))
}

func TestEmptyHookResultsAreDropped(t *testing.T) {
	ctx := context.Background()
	var nilPtr *types.Stream
	setFixtures(t, map[string]*fixture{
		"alpha": {hookRes: map[string]any{}, contentRes: []string{}},
		"beta":  {hookRes: "", contentRes: nilPtr},
		"gamma": {hookRes: []int{0}, contentRes: 0},
	})
	r := openRegistry(t, NewMemoryStore(), "alpha", "beta", "gamma")

	assert.Equal(t, map[string]any{"gamma": []int{0}}, r.ExecuteHook(ctx, "ping", nil))
	assert.Equal(t, map[string]any{"gamma": 0}, r.AddContent(ctx, "42", nil))
}

func TestDispatchLeavesAddonSlicesUntouched(t *testing.T) {
	ctx := context.Background()
	cached := []types.SearchResult{{Title: "Alien", Year: 1979}}
	streams := []types.Stream{{Name: "1080p", Ref: "magnet:?xt=urn:btih:abc"}}
	setFixtures(t, map[string]*fixture{"a": {streams: streams}})
	r := openRegistry(t, NewMemoryStore(), "a")
	fixtures["a"].results = cached

	res := r.Search(ctx, "alien", nil)
	require.Len(t, res, 1)
	assert.Equal(t, "a", res[0].Addon)
	got := r.GetStreams(ctx, "42", "movie", "")
	assert.Equal(t, "a", got["a"][0].Addon)

	assert.Empty(t, cached[0].Addon)
	assert.Empty(t, streams[0].Addon)
}

func TestAddonConfig(t *testing.T) {
	ctx := context.Background()
	setFixtures(t, map[string]*fixture{"a": {}})
	store := NewMemoryStore()
	r := openRegistry(t, store, "a")

	assert.Equal(t, map[string]any{}, r.GetAddonConfig(ctx, "a"))
	require.True(t, r.SaveAddonConfig(ctx, "a", map[string]any{"api_key": "k", "limit": 5}))
	assert.Equal(t, map[string]any{"api_key": "k", "limit": float64(5)}, r.GetAddonConfig(ctx, "a"))

	require.NoError(t, store.SetConfig(ctx, "a", []byte("{corrupt")))
	assert.Equal(t, map[string]any{}, r.GetAddonConfig(ctx, "a"))

	assert.False(t, r.SaveAddonConfig(ctx, "missing", nil))
	assert.Equal(t, map[string]any{}, r.GetAddonConfig(ctx, "missing"))
}

func TestSavedConfigReachesAddon(t *testing.T) {
	ctx := context.Background()
	setFixtures(t, map[string]*fixture{"alpha": {}})
	store := NewMemoryStore()
	require.NoError(t, store.SetConfig(ctx, "alpha", []byte(`{"base_url":"http://saved"}`)))

	root := t.TempDir()
	writeManifest(t, root, "alpha", "addon.yaml", fixtureManifest("alpha")+
		"settings:\n  base_url: http://manifest\n  api_key: from-manifest\n")
	r := New(store, WithDir(root))
	require.NoError(t, r.Open(ctx))

	f := fixtures["alpha"]
	assert.Equal(t, "http://saved", f.Setting("base_url", "default"))
	assert.Equal(t, "from-manifest", f.Setting("api_key", "default"))

	require.True(t, r.SaveAddonConfig(ctx, "alpha", map[string]any{"api_key": "new-key"}))
	assert.Equal(t, "new-key", f.Setting("api_key", "default"))
	assert.Equal(t, "http://manifest", f.Setting("base_url", "default"), "unsaved keys fall back to the manifest")
}

func TestCloseRunsUnload(t *testing.T) {
	setFixtures(t, map[string]*fixture{"a": {}, "b": {}})
	r := openRegistry(t, NewMemoryStore(), "a", "b")
	r.Close(context.Background())
	assert.Equal(t, 1, fixtures["a"].unloaded)
	assert.Equal(t, 1, fixtures["b"].unloaded)
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, Registered(), "test/fixture#Fixture")
}
