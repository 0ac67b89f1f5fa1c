package addon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"
)

type Option func(*Registry)

func WithLogger(l hclog.Logger) Option { return func(r *Registry) { r.log = l } }

// WithDir sets the directory scanned for addon manifests.
func WithDir(dir string) Option { return func(r *Registry) { r.dir = dir } }

// WithDB hands a database to addon factories.
func WithDB(db *sql.DB) Option { return func(r *Registry) { r.db = db } }

// Registry owns every loaded addon for the life of the process.
//
// Dispatch holds the read lock for a whole pass over the addons and toggles
// take the write lock, so an addon must not call back into the registry from
// inside a capability method.
type Registry struct {
	store Store
	dir   string
	db    *sql.DB
	log   hclog.Logger

	mu       sync.RWMutex
	addons   map[string]Addon
	defaults map[string]map[string]any // manifest settings by id
	order    []string
	failures []LoadFailure
}

func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		dir:      "./addons",
		addons:   make(map[string]Addon),
		defaults: make(map[string]map[string]any),
	}
	for _, o := range opts {
		o(r)
	}
	if r.store == nil {
		r.store = NewMemoryStore()
	}
	if r.log == nil {
		r.log = hclog.NewNullLogger()
	}
	r.log = r.log.Named("addons")
	return r
}

// Open loads every addon found in the configured directory.
func (r *Registry) Open(ctx context.Context) error {
	n, err := r.LoadAddons(ctx)
	if err != nil {
		return err
	}
	r.log.Info("registry open", "dir", r.dir, "loaded", n)
	return nil
}

// LoadAddons scans the addon directory and registers each manifest it can.
// A bad manifest is logged and skipped; only an unreadable directory fails.
func (r *Registry) LoadAddons(ctx context.Context) (int, error) {
	paths, err := scanDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", r.dir, err)
	}
	loaded := 0
	for _, p := range paths {
		if err := r.loadManifest(ctx, p); err != nil {
			r.recordFailure(p, err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

func (r *Registry) recordFailure(path string, err error) {
	var ae *Error
	id := ""
	if errors.As(err, &ae) {
		id = ae.AddonID
	}
	r.log.Error("addon load failed", "path", path, "id", id, "error", err)
	r.mu.Lock()
	r.failures = append(r.failures, LoadFailure{Path: path, ID: id, Error: err.Error()})
	r.mu.Unlock()
}

func (r *Registry) loadManifest(ctx context.Context, path string) error {
	m, err := ReadManifest(path)
	if err != nil {
		return &Error{Kind: LoadFailed, Op: "manifest", Err: err}
	}
	fail := func(op string, err error) error {
		return &Error{Kind: LoadFailed, AddonID: m.ID, Op: op, Err: err}
	}
	if err := m.validate(); err != nil {
		return fail("manifest", err)
	}
	if r.has(m.ID) {
		return fail("register", errDuplicateID)
	}
	f, ok := lookupFactory(m.Main, m.Class)
	if !ok {
		return fail("resolve", fmt.Errorf("no addon class %q in %q", m.Class, m.Main))
	}

	st, known, stErr := r.store.GetState(ctx, m.ID)
	if stErr != nil {
		r.log.Warn("read addon state", "id", m.ID, "error", &Error{Kind: PersistenceFailed, AddonID: m.ID, Op: "get_state", Err: stErr})
	}
	defaults := m.Settings
	if known {
		m.Settings = mergeSettings(defaults, decodeSettings(st.Settings))
	}

	a, err := construct(f, m, Env{Logger: r.log.Named(m.ID), DB: r.db, Dir: filepath.Dir(path)})
	if err != nil {
		return fail("construct", err)
	}
	if a.ID() != m.ID {
		return fail("construct", fmt.Errorf("addon reports id %q", a.ID()))
	}

	if stErr == nil {
		r.reconcile(ctx, a, st, known)
	}

	r.mu.Lock()
	if _, dup := r.addons[m.ID]; dup {
		r.mu.Unlock()
		return fail("register", errDuplicateID)
	}
	r.addons[m.ID] = a
	r.defaults[m.ID] = defaults
	r.order = append(r.order, m.ID)
	r.mu.Unlock()

	if l, ok := a.(Loader); ok {
		if err := guard(func() error { return l.OnLoad(ctx) }); err != nil {
			r.log.Warn("OnLoad failed", "id", m.ID, "error", err)
		}
	}
	r.log.Info("addon loaded", "id", m.ID, "version", m.Version, "enabled", a.Enabled())
	return nil
}

// construct runs a factory, turning a panic into an error.
func construct(f Factory, m Manifest, env Env) (a Addon, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			a, err = nil, fmt.Errorf("constructor panicked: %v", rec)
		}
	}()
	a, err = f(m, env)
	if err == nil && a == nil {
		err = errors.New("factory returned no addon")
	}
	return a, err
}

// reconcile applies the persisted enabled flag, or persists the addon's
// default when there is no row yet.
func (r *Registry) reconcile(ctx context.Context, a Addon, st State, ok bool) {
	if ok {
		a.SetEnabled(st.Enabled)
		return
	}
	if err := r.store.SetEnabled(ctx, a.ID(), a.Enabled()); err != nil {
		r.log.Warn("persist addon default", "id", a.ID(), "error", &Error{Kind: PersistenceFailed, AddonID: a.ID(), Op: "set_enabled", Err: err})
	}
}

func (r *Registry) has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.addons[id]
	return ok
}

// Close runs OnUnload on every addon in load order.
func (r *Registry) Close(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if u, ok := r.addons[id].(Unloader); ok {
			if err := guard(func() error { return u.OnUnload(ctx) }); err != nil {
				r.log.Warn("OnUnload failed", "id", id, "error", err)
			}
		}
	}
}

func (r *Registry) Get(id string) (Addon, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.addons[id]
	return a, ok
}

func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, describe(r.addons[id]))
	}
	return out
}

func (r *Registry) Failures() []LoadFailure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]LoadFailure(nil), r.failures...)
}

func (r *Registry) EnableAddon(ctx context.Context, id string) bool {
	return r.setEnabled(ctx, id, true)
}

func (r *Registry) DisableAddon(ctx context.Context, id string) bool {
	return r.setEnabled(ctx, id, false)
}

// setEnabled writes through; on a store failure the in-memory flag goes
// back to what it was and the caller gets false.
func (r *Registry) setEnabled(ctx context.Context, id string, on bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.addons[id]
	if !ok {
		return false
	}
	prev := a.Enabled()
	a.SetEnabled(on)
	if err := r.store.SetEnabled(ctx, id, on); err != nil {
		a.SetEnabled(prev)
		r.log.Error("persist enabled", "id", id, "error", &Error{Kind: PersistenceFailed, AddonID: id, Op: "set_enabled", Err: err})
		return false
	}
	r.log.Info("addon toggled", "id", id, "enabled", on)
	return true
}

// SaveAddonConfig stores cfg as the addon's settings blob and hands the
// addon its new effective settings. A failing OnConfigure is logged; the
// saved config still applies on the next load.
func (r *Registry) SaveAddonConfig(ctx context.Context, id string, cfg map[string]any) bool {
	r.mu.RLock()
	a, ok := r.addons[id]
	defaults := r.defaults[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	blob, err := json.Marshal(cfg)
	if err != nil {
		r.log.Error("encode config", "id", id, "error", err)
		return false
	}
	if err := r.store.SetConfig(ctx, id, blob); err != nil {
		r.log.Error("persist config", "id", id, "error", &Error{Kind: PersistenceFailed, AddonID: id, Op: "set_config", Err: err})
		return false
	}
	if c, ok := a.(Configurer); ok {
		settings := mergeSettings(defaults, decodeSettings(blob))
		if err := guard(func() error { return c.OnConfigure(ctx, settings) }); err != nil {
			r.log.Warn("OnConfigure failed", "id", id, "error", err)
		}
	}
	return true
}

// decodeSettings reads a stored blob; corrupt or empty blobs are nil.
func decodeSettings(blob []byte) map[string]any {
	if len(blob) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(blob, &out); err != nil {
		return nil
	}
	return out
}

// mergeSettings returns a copy of base with over applied on top.
func mergeSettings(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// GetAddonConfig returns the saved settings; absent, unreadable or corrupt
// config comes back as an empty map.
func (r *Registry) GetAddonConfig(ctx context.Context, id string) map[string]any {
	out := map[string]any{}
	blob, ok, err := r.store.GetConfig(ctx, id)
	if err != nil {
		r.log.Warn("read config", "id", id, "error", &Error{Kind: PersistenceFailed, AddonID: id, Op: "get_config", Err: err})
		return out
	}
	if !ok || len(blob) == 0 {
		return out
	}
	if err := json.Unmarshal(blob, &out); err != nil || out == nil {
		r.log.Warn("corrupt config", "id", id, "error", err)
		return map[string]any{}
	}
	return out
}

func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
