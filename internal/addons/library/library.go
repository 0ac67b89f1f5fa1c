// Package library is a built-in addon exposing video files under the media
// root as searchable content with local streams.
package library

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/belchote2025/stream-sub005/internal/addon"
	"github.com/belchote2025/stream-sub005/internal/config"
	"github.com/belchote2025/stream-sub005/internal/torrentx"
	"github.com/belchote2025/stream-sub005/pkg/types"
)

const (
	Main  = "builtin/library"
	Class = "LibraryAddon"

	HookRescan = "library.rescan"
	idPrefix   = "lib:"
)

func init() {
	addon.Register(Main, Class, New)
}

type entry struct {
	rel     string // slash-separated, relative to root
	title   string
	year    int
	size    int64
	modTime time.Time
}

type Addon struct {
	addon.Base

	log hclog.Logger

	mu      sync.RWMutex
	root    string
	entries []entry
}

// New builds the addon. Setting "root" falls back to MEDIA_ROOT.
func New(m addon.Manifest, env addon.Env) (addon.Addon, error) {
	a := &Addon{log: env.Logger}
	a.Init(m)
	if a.log == nil {
		a.log = hclog.NewNullLogger()
	}
	a.root = a.Setting("root", config.MediaRoot())
	return a, nil
}

func (a *Addon) OnLoad(ctx context.Context) error {
	n, err := a.Rescan(ctx)
	if err != nil {
		return err
	}
	a.log.Info("library scanned", "root", a.Root(), "files", n)
	return nil
}

func (a *Addon) Root() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.root
}

// OnConfigure switches to the configured root and rescans it.
func (a *Addon) OnConfigure(ctx context.Context, settings map[string]any) error {
	if err := a.Base.OnConfigure(ctx, settings); err != nil {
		return err
	}
	a.mu.Lock()
	a.root = a.Setting("root", config.MediaRoot())
	a.mu.Unlock()
	_, err := a.Rescan(ctx)
	return err
}

// Rescan walks the root again and replaces the index. A missing root is an
// empty library.
func (a *Addon) Rescan(ctx context.Context) (int, error) {
	root := a.Root()
	var found []entry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !torrentx.IsVideoName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		title, year := ParseFileName(d.Name())
		found = append(found, entry{
			rel:     filepath.ToSlash(rel),
			title:   title,
			year:    year,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("library: scan %s: %w", root, err)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].rel < found[j].rel })

	a.mu.Lock()
	if a.root == root {
		a.entries = found
	}
	a.mu.Unlock()
	return len(found), nil
}

func (a *Addon) OnSearch(_ context.Context, query string, filters map[string]string) ([]types.SearchResult, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	if t := filters["type"]; t != "" && t != "movie" {
		return nil, nil
	}
	wantYear, _ := strconv.Atoi(filters["year"])

	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []types.SearchResult
	for _, e := range a.entries {
		if !strings.Contains(strings.ToLower(e.title), q) {
			continue
		}
		if wantYear != 0 && e.year != wantYear {
			continue
		}
		out = append(out, types.SearchResult{
			ID:    idPrefix + e.rel,
			Title: e.title,
			Year:  e.year,
			Type:  "movie",
			Extra: map[string]any{"path": e.rel, "size": e.size},
		})
	}
	return out, nil
}

func (a *Addon) OnGetStreams(_ context.Context, contentID, _, _ string) ([]types.Stream, error) {
	e, ok := a.lookup(contentID)
	if !ok {
		return nil, nil
	}
	return []types.Stream{{
		Name: e.title,
		Ref:  "/" + e.rel,
		Kind: "local",
		Size: e.size,
	}}, nil
}

func (a *Addon) OnGetDetails(_ context.Context, contentID, _ string) (map[string]any, error) {
	e, ok := a.lookup(contentID)
	if !ok {
		return map[string]any{}, nil
	}
	return map[string]any{
		"title":    e.title,
		"year":     e.year,
		"path":     e.rel,
		"size":     e.size,
		"modified": e.modTime.UTC().Format(time.RFC3339),
	}, nil
}

func (a *Addon) OnHook(ctx context.Context, name string, _ map[string]any) (any, error) {
	if name != HookRescan {
		return nil, nil
	}
	n, err := a.Rescan(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"files": n}, nil
}

func (a *Addon) lookup(id string) (entry, bool) {
	if !strings.HasPrefix(id, idPrefix) {
		return entry{}, false
	}
	rel := strings.TrimPrefix(id, idPrefix)
	a.mu.RLock()
	defer a.mu.RUnlock()
	i := sort.Search(len(a.entries), func(i int) bool { return a.entries[i].rel >= rel })
	if i < len(a.entries) && a.entries[i].rel == rel {
		return a.entries[i], true
	}
	return entry{}, false
}

var reTitleYear = regexp.MustCompile(`^(.+?)[\s._]*[(\[]?((?:19|20)\d{2})[)\]]?(?:[\s._].*)?$`)

// ParseFileName reads "Title (Year).ext" and scene-style "Title.Year.1080p.ext".
// Without a year the whole stem is the title.
func ParseFileName(name string) (string, int) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if m := reTitleYear.FindStringSubmatch(stem); m != nil && strings.TrimSpace(m[1]) != "" {
		y, _ := strconv.Atoi(m[2])
		return tidy(m[1]), y
	}
	return tidy(stem), 0
}

func tidy(s string) string {
	s = strings.NewReplacer(".", " ", "_", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
