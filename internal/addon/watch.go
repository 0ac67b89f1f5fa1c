package addon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch picks up addon directories that appear after Open and loads their
// manifests. Ids already registered are ignored. It blocks until ctx ends.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	if err := w.Add(r.dir); err != nil {
		return err
	}
	// existing dirs without a manifest yet
	if entries, err := os.ReadDir(r.dir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = w.Add(filepath.Join(r.dir, e.Name()))
			}
		}
	}
	r.log.Info("watching for new addons", "dir", r.dir)

	const settle = 300 * time.Millisecond
	var (
		mu      sync.Mutex
		pending = map[string]*time.Timer{}
	)
	schedule := func(dir string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := pending[dir]; ok {
			t.Reset(settle)
			return
		}
		pending[dir] = time.AfterFunc(settle, func() {
			mu.Lock()
			delete(pending, dir)
			mu.Unlock()
			if ctx.Err() == nil {
				r.tryLoadDir(ctx, dir)
			}
		})
	}
	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			parent := filepath.Clean(filepath.Dir(ev.Name))
			if parent == filepath.Clean(r.dir) {
				if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
					_ = w.Add(ev.Name)
					schedule(ev.Name)
				}
				continue
			}
			if isManifestName(filepath.Base(ev.Name)) {
				schedule(parent)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("addon watcher", "error", err)
		}
	}
}

func (r *Registry) tryLoadDir(ctx context.Context, dir string) {
	p, ok := findManifest(dir)
	if !ok {
		return
	}
	m, err := ReadManifest(p)
	if err == nil && r.has(m.ID) {
		return
	}
	if err := r.loadManifest(ctx, p); err != nil {
		if errors.Is(err, errDuplicateID) {
			return
		}
		r.recordFailure(p, err)
	}
}

func isManifestName(name string) bool {
	for _, n := range manifestNames {
		if n == name {
			return true
		}
	}
	return false
}
