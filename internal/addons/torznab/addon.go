// Package torznab is a built-in addon answering search and stream lookups
// from a Torznab indexer (Prowlarr, Jackett).
package torznab

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/belchote2025/stream-sub005/internal/addon"
	"github.com/belchote2025/stream-sub005/internal/config"
	"github.com/belchote2025/stream-sub005/internal/scoring"
	"github.com/belchote2025/stream-sub005/pkg/types"
)

const (
	Main  = "builtin/torznab"
	Class = "TorznabAddon"

	maxStreams = 10
)

func init() {
	addon.Register(Main, Class, New)
}

type Addon struct {
	addon.Base

	cache *Cache // nil without a database
	log   hclog.Logger

	mu     sync.RWMutex
	client *Client
}

// New builds the addon. Settings base_url and api_key fall back to
// INDEXER_URL and INDEXER_API_KEY.
func New(m addon.Manifest, env addon.Env) (addon.Addon, error) {
	a := &Addon{log: env.Logger}
	a.Init(m)
	if a.log == nil {
		a.log = hclog.NewNullLogger()
	}
	a.client = a.newClient()
	if env.DB != nil {
		ttl := time.Hour
		if d, err := time.ParseDuration(a.Setting("cache_ttl", "")); err == nil && d > 0 {
			ttl = d
		}
		a.cache = &Cache{DB: env.DB, TTL: ttl}
	}
	return a, nil
}

func (a *Addon) newClient() *Client {
	return &Client{
		BaseURL: a.Setting("base_url", config.IndexerURL()),
		APIKey:  a.Setting("api_key", config.IndexerAPIKey()),
		HTTP:    &http.Client{Timeout: 20 * time.Second},
	}
}

// OnConfigure points the addon at the indexer named by the new settings.
func (a *Addon) OnConfigure(ctx context.Context, settings map[string]any) error {
	if err := a.Base.OnConfigure(ctx, settings); err != nil {
		return err
	}
	c := a.newClient()
	a.mu.Lock()
	a.client = c
	a.mu.Unlock()
	a.log.Info("indexer configured", "base_url", c.BaseURL)
	return nil
}

func (a *Addon) indexer() *Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

func (a *Addon) OnLoad(ctx context.Context) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Migrate(ctx)
}

func (a *Addon) OnSearch(ctx context.Context, query string, filters map[string]string) ([]types.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	cands, err := a.candidates(ctx, query, 0, 0)
	if err != nil {
		return nil, err
	}
	wantType := strings.ToLower(filters["type"])
	wantYear, _ := strconv.Atoi(filters["year"])

	seen := map[string]int{}
	var out []types.SearchResult
	for _, c := range cands {
		rel := ParseRelease(c.Title)
		if rel.Title == "" {
			continue
		}
		if wantType != "" && wantType != rel.Type {
			continue
		}
		if wantYear != 0 && rel.Year != wantYear {
			continue
		}
		key := strings.ToLower(rel.Title) + "|" + strconv.Itoa(rel.Year)
		if i, ok := seen[key]; ok {
			out[i].Extra["releases"] = out[i].Extra["releases"].(int) + 1
			continue
		}
		seen[key] = len(out)
		out = append(out, types.SearchResult{
			ID:    rel.ID(),
			Title: rel.Title,
			Year:  rel.Year,
			Type:  rel.Type,
			Extra: map[string]any{"releases": 1},
		})
	}
	return out, nil
}

// OnGetStreams looks contentID up as a title. episodeID is "S01E02" or "1:2".
func (a *Addon) OnGetStreams(ctx context.Context, contentID, contentType, episodeID string) ([]types.Stream, error) {
	title := titleFromID(contentID)
	if title == "" {
		return nil, nil
	}
	season, episode := ParseEpisodeID(episodeID)
	cands, err := a.candidates(ctx, title, season, episode)
	if err != nil {
		return nil, err
	}
	ranked := scoring.Rank(cands, scoring.BrowserCaps, 0, "", scoring.DefaultParams)

	out := make([]types.Stream, 0, maxStreams)
	for _, r := range ranked {
		ref := r.Candidate.Magnet
		if !strings.HasPrefix(strings.ToLower(ref), "magnet:") && r.Candidate.InfoHash != "" {
			ref = "magnet:?xt=urn:btih:" + r.Candidate.InfoHash + "&dn=" + url.QueryEscape(r.Candidate.Title)
		}
		if ref == "" {
			continue
		}
		out = append(out, types.Stream{
			Name:     r.Candidate.Title,
			Ref:      ref,
			Kind:     "torrent",
			Quality:  r.Candidate.Resolution,
			Size:     r.Candidate.SizeBytes,
			Seeders:  r.Candidate.Seeders,
			InfoHash: r.Candidate.InfoHash,
			Score:    r.Score.Total,
		})
		if len(out) == maxStreams {
			break
		}
	}
	return out, nil
}

func (a *Addon) candidates(ctx context.Context, query string, season, episode int) ([]types.Candidate, error) {
	key := cacheKey(query, season, episode)
	if a.cache != nil {
		if cands, ok, err := a.cache.Get(ctx, key); err != nil {
			a.log.Warn("search cache read", "key", key, "error", err)
		} else if ok {
			return cands, nil
		}
	}
	cands, err := a.indexer().Query(ctx, query, season, episode)
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		if err := a.cache.Put(ctx, key, cands); err != nil {
			a.log.Warn("search cache write", "key", key, "error", err)
		}
	}
	return cands, nil
}

// titleFromID accepts a plain title or a search result id ("tz:alien-1979").
func titleFromID(id string) string {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, idPrefix) {
		return id
	}
	slug := strings.TrimPrefix(id, idPrefix)
	if i := strings.LastIndexByte(slug, '-'); i > 0 {
		if _, err := strconv.Atoi(slug[i+1:]); err == nil && len(slug[i+1:]) == 4 {
			slug = slug[:i] + " " + slug[i+1:]
		}
	}
	return strings.ReplaceAll(slug, "-", " ")
}

const idPrefix = "tz:"

type Release struct {
	Title   string
	Year    int
	Type    string // movie|series
	Season  int
	Episode int
}

func (r Release) ID() string {
	slug := strings.ToLower(strings.Join(strings.Fields(r.Title), "-"))
	if r.Year > 0 {
		slug += "-" + strconv.Itoa(r.Year)
	}
	return idPrefix + slug
}

var (
	reEpisode = regexp.MustCompile(`(?i)^(.*?)[\s._-]+S(\d{1,2})(?:E(\d{1,3}))?(?:[\s._-]|$)`)
	reYear    = regexp.MustCompile(`^(.*?)[\s._(\[]+((?:19|20)\d{2})(?:[\s._)\]]|$)`)
	reSepRun  = regexp.MustCompile(`[\s._]+`)
)

// ParseRelease pulls title, year and episode markers out of a scene-style
// release name such as "The.Matrix.1999.1080p.BluRay.x264-GRP".
func ParseRelease(name string) Release {
	name = strings.TrimSpace(name)
	if m := reEpisode.FindStringSubmatch(name); m != nil {
		r := Release{Type: "series"}
		r.Season, _ = strconv.Atoi(m[2])
		r.Episode, _ = strconv.Atoi(m[3])
		head := m[1]
		if y := reYear.FindStringSubmatch(head); y != nil {
			head = y[1]
			r.Year, _ = strconv.Atoi(y[2])
		}
		r.Title = cleanTitle(head)
		return r
	}
	if m := reYear.FindStringSubmatch(name); m != nil {
		y, _ := strconv.Atoi(m[2])
		return Release{Title: cleanTitle(m[1]), Year: y, Type: "movie"}
	}
	return Release{Title: cleanTitle(name), Type: "movie"}
}

func cleanTitle(s string) string {
	s = reSepRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(strings.Trim(s, "-([ "))
}

// ParseEpisodeID accepts "S01E02", "s1e2" and "1:2". Anything else is 0,0.
func ParseEpisodeID(id string) (season, episode int) {
	id = strings.TrimSpace(strings.ToUpper(id))
	if id == "" {
		return 0, 0
	}
	if s, e, ok := strings.Cut(id, ":"); ok {
		season, _ = strconv.Atoi(s)
		episode, _ = strconv.Atoi(e)
		return season, episode
	}
	if strings.HasPrefix(id, "S") {
		if s, e, ok := strings.Cut(id[1:], "E"); ok {
			season, _ = strconv.Atoi(s)
			episode, _ = strconv.Atoi(e)
		}
	}
	return season, episode
}
