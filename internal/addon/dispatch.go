package addon

import (
	"context"
	"reflect"
	"strconv"
	"strings"

	"github.com/belchote2025/stream-sub005/pkg/types"
)

// each calls fn for every enabled addon, in load order, with the read lock
// held for the whole pass. A failing or panicking addon is logged and skipped.
func (r *Registry) each(op string, fn func(a Addon) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		a := r.addons[id]
		if !a.Enabled() {
			continue
		}
		if err := guard(func() error { return fn(a) }); err != nil {
			r.log.Warn("dispatch failed", "error", &Error{Kind: DispatchFailed, AddonID: id, Op: op, Err: err})
		}
	}
}

// Search merges every enabled addon's results into one list.
func (r *Registry) Search(ctx context.Context, query string, filters map[string]string) []types.SearchResult {
	var out []types.SearchResult
	for _, part := range r.searchByAddon(ctx, query, filters) {
		out = append(out, part.results...)
	}
	return out
}

type addonResults struct {
	id      string
	results []types.SearchResult
}

func (r *Registry) searchByAddon(ctx context.Context, query string, filters map[string]string) []addonResults {
	var parts []addonResults
	r.each("search", func(a Addon) error {
		s, ok := a.(Searcher)
		if !ok {
			return nil
		}
		res, err := s.OnSearch(ctx, query, filters)
		if err != nil {
			return err
		}
		if len(res) == 0 {
			return nil
		}
		res = append([]types.SearchResult(nil), res...)
		for i := range res {
			if res[i].Addon == "" {
				res[i].Addon = a.ID()
			}
		}
		parts = append(parts, addonResults{id: a.ID(), results: res})
		return nil
	})
	return parts
}

type EnhancedSearch struct {
	Results []types.SearchResult            `json:"results"`
	ByAddon map[string][]types.SearchResult `json:"by_addon"`
	Total   int                             `json:"total"`
	Query   string                          `json:"query"`
	Filters map[string]string               `json:"filters"`
}

// SearchEnhanced is Search with duplicates removed on (title, year),
// compared case-insensitively; the first occurrence wins. ByAddon keeps each
// addon's full list so a duplicate shows up under every addon that returned it.
func (r *Registry) SearchEnhanced(ctx context.Context, query string, filters map[string]string) EnhancedSearch {
	if filters == nil {
		filters = map[string]string{}
	}
	out := EnhancedSearch{
		Results: []types.SearchResult{},
		ByAddon: map[string][]types.SearchResult{},
		Query:   query,
		Filters: filters,
	}
	seen := make(map[string]bool)
	for _, part := range r.searchByAddon(ctx, query, filters) {
		out.ByAddon[part.id] = part.results
		for _, res := range part.results {
			k := dedupeKey(res)
			if seen[k] {
				continue
			}
			seen[k] = true
			out.Results = append(out.Results, res)
		}
	}
	out.Total = len(out.Results)
	return out
}

func dedupeKey(res types.SearchResult) string {
	return strings.ToLower(strings.TrimSpace(res.Title)) + "|" + strconv.Itoa(res.Year)
}

func (r *Registry) AddContent(ctx context.Context, contentID string, data map[string]any) map[string]any {
	return r.content(ctx, "content_add", contentID, data, ContentHooks.OnContentAdd)
}

func (r *Registry) UpdateContent(ctx context.Context, contentID string, data map[string]any) map[string]any {
	return r.content(ctx, "content_update", contentID, data, ContentHooks.OnContentUpdate)
}

func (r *Registry) DeleteContent(ctx context.Context, contentID string, data map[string]any) map[string]any {
	return r.content(ctx, "content_delete", contentID, data, ContentHooks.OnContentDelete)
}

type contentFn func(ContentHooks, context.Context, string, map[string]any) (any, error)

func (r *Registry) content(ctx context.Context, op, contentID string, data map[string]any, call contentFn) map[string]any {
	out := map[string]any{}
	r.each(op, func(a Addon) error {
		h, ok := a.(ContentHooks)
		if !ok {
			return nil
		}
		v, err := call(h, ctx, contentID, data)
		if err != nil {
			return err
		}
		if meaningful(v) {
			out[a.ID()] = v
		}
		return nil
	})
	return out
}

func (r *Registry) GetStreams(ctx context.Context, contentID, contentType, episodeID string) map[string][]types.Stream {
	out := map[string][]types.Stream{}
	r.each("streams", func(a Addon) error {
		sr, ok := a.(StreamResolver)
		if !ok {
			return nil
		}
		streams, err := sr.OnGetStreams(ctx, contentID, contentType, episodeID)
		if err != nil {
			return err
		}
		if len(streams) == 0 {
			return nil
		}
		streams = append([]types.Stream(nil), streams...)
		for i := range streams {
			if streams[i].Addon == "" {
				streams[i].Addon = a.ID()
			}
		}
		out[a.ID()] = streams
		return nil
	})
	return out
}

func (r *Registry) GetContentDetails(ctx context.Context, contentID, contentType string) map[string]map[string]any {
	out := map[string]map[string]any{}
	r.each("details", func(a Addon) error {
		dp, ok := a.(DetailsProvider)
		if !ok {
			return nil
		}
		d, err := dp.OnGetDetails(ctx, contentID, contentType)
		if err != nil {
			return err
		}
		if len(d) > 0 {
			out[a.ID()] = d
		}
		return nil
	})
	return out
}

func (r *Registry) ExecuteHook(ctx context.Context, name string, params map[string]any) map[string]any {
	out := map[string]any{}
	r.each("hook:"+name, func(a Addon) error {
		h, ok := a.(Hooker)
		if !ok {
			return nil
		}
		v, err := h.OnHook(ctx, name, params)
		if err != nil {
			return err
		}
		if meaningful(v) {
			out[a.ID()] = v
		}
		return nil
	})
	return out
}

// meaningful drops the "nothing happened" answers: nil, false, and empty
// strings, maps and slices.
func meaningful(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
