package addon

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/belchote2025/stream-sub005/pkg/types"
)

// Addon is the identity every extension exposes. Capabilities are the
// optional interfaces below; an addon implements whichever it needs.
type Addon interface {
	ID() string
	Name() string
	Version() string
	Enabled() bool
	SetEnabled(bool)
}

type Searcher interface {
	OnSearch(ctx context.Context, query string, filters map[string]string) ([]types.SearchResult, error)
}

// ContentHooks react to catalogue mutations. A nil result means "nothing to report".
type ContentHooks interface {
	OnContentAdd(ctx context.Context, contentID string, data map[string]any) (any, error)
	OnContentUpdate(ctx context.Context, contentID string, data map[string]any) (any, error)
	OnContentDelete(ctx context.Context, contentID string, data map[string]any) (any, error)
}

type StreamResolver interface {
	OnGetStreams(ctx context.Context, contentID, contentType, episodeID string) ([]types.Stream, error)
}

type DetailsProvider interface {
	OnGetDetails(ctx context.Context, contentID, contentType string) (map[string]any, error)
}

type Hooker interface {
	OnHook(ctx context.Context, name string, params map[string]any) (any, error)
}

type Loader interface {
	OnLoad(ctx context.Context) error
}

type Unloader interface {
	OnUnload(ctx context.Context) error
}

// Configurer receives the effective settings (manifest defaults with saved
// config on top) after a config save.
type Configurer interface {
	OnConfigure(ctx context.Context, settings map[string]any) error
}

// Env is what the host hands a factory.
type Env struct {
	Logger hclog.Logger
	DB     *sql.DB // nil when the host runs without a database
	Dir    string  // directory the manifest was found in
}

// Base carries identity and answers every capability with its empty default.
// Addons embed it and override what they support.
type Base struct {
	id, name, version string
	enabled           atomic.Bool

	mu       sync.RWMutex
	settings map[string]any
}

// Init copies identity and settings from the manifest.
func (b *Base) Init(m Manifest) {
	b.id, b.name, b.version = m.ID, m.Name, m.Version
	b.enabled.Store(m.DefaultEnabled())
	b.setSettings(m.Settings)
}

func (b *Base) setSettings(s map[string]any) {
	cp := make(map[string]any, len(s))
	for k, v := range s {
		cp[k] = v
	}
	b.mu.Lock()
	b.settings = cp
	b.mu.Unlock()
}

func (b *Base) ID() string         { return b.id }
func (b *Base) Name() string       { return b.name }
func (b *Base) Version() string    { return b.version }
func (b *Base) Enabled() bool      { return b.enabled.Load() }
func (b *Base) SetEnabled(on bool) { b.enabled.Store(on) }

func (b *Base) OnSearch(context.Context, string, map[string]string) ([]types.SearchResult, error) {
	return nil, nil
}

func (b *Base) OnContentAdd(context.Context, string, map[string]any) (any, error)    { return nil, nil }
func (b *Base) OnContentUpdate(context.Context, string, map[string]any) (any, error) { return nil, nil }
func (b *Base) OnContentDelete(context.Context, string, map[string]any) (any, error) { return nil, nil }

func (b *Base) OnGetStreams(context.Context, string, string, string) ([]types.Stream, error) {
	return nil, nil
}

func (b *Base) OnGetDetails(context.Context, string, string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (b *Base) OnHook(context.Context, string, map[string]any) (any, error) { return nil, nil }
func (b *Base) OnLoad(context.Context) error                                { return nil }
func (b *Base) OnUnload(context.Context) error                              { return nil }

// OnConfigure replaces the settings read by Setting. Addons that derive
// state from settings override it and call through.
func (b *Base) OnConfigure(_ context.Context, settings map[string]any) error {
	b.setSettings(settings)
	return nil
}

// Setting reads a string setting, falling back to def.
func (b *Base) Setting(key, def string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if v, ok := b.settings[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Info is the listing shape of a registered addon.
type Info struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Enabled bool   `json:"enabled"`
}

func describe(a Addon) Info {
	return Info{ID: a.ID(), Name: a.Name(), Version: a.Version(), Enabled: a.Enabled()}
}
