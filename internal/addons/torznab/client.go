package torznab

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/belchote2025/stream-sub005/pkg/types"
)

// prowlarrPath is used when the configured base URL carries no path.
const prowlarrPath = "/api/v1/indexers/all/results/torznab/api"

type Client struct {
	BaseURL string // e.g. http://localhost:9696
	APIKey  string
	HTTP    *http.Client
}

type feedItem struct {
	Title     string `xml:"title"`
	Link      string `xml:"link"`
	GUID      string `xml:"guid"`
	Size      int64  `xml:"size"`
	Seeders   int    `xml:"seeders"`
	Peers     int    `xml:"peers"`
	Enclosure struct {
		URL    string `xml:"url,attr"`
		Length int64  `xml:"length,attr"`
	} `xml:"enclosure"`
	Attrs []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"value,attr"`
	} `xml:"attr"`
}

type feed struct {
	Channel struct {
		Items []feedItem `xml:"item"`
	} `xml:"channel"`
}

// Query runs a free-text search. season/episode are appended as SxxEyy when
// season > 0.
func (c *Client) Query(ctx context.Context, title string, season, episode int) ([]types.Candidate, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("torznab: no indexer url configured")
	}
	q := title
	if season > 0 {
		q = title + " S" + pad2(season) + "E" + pad2(episode)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("torznab: bad indexer url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = prowlarrPath
	}
	v := u.Query()
	v.Set("apikey", c.APIKey)
	v.Set("t", "search")
	v.Set("q", q)
	u.RawQuery = v.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("torznab: indexer responded %d", resp.StatusCode)
	}

	var f feed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&f); err != nil {
		return nil, fmt.Errorf("torznab: decode feed: %w", err)
	}

	out := make([]types.Candidate, 0, len(f.Channel.Items))
	for _, it := range f.Channel.Items {
		out = append(out, toCandidate(it, season, episode))
	}
	return out, nil
}

func toCandidate(it feedItem, season, episode int) types.Candidate {
	link := it.Link
	if link == "" {
		link = it.Enclosure.URL
	}
	size := it.Size
	if size == 0 {
		size = it.Enclosure.Length
	}
	seeders, peers := it.Seeders, it.Peers
	ih := ""
	for _, a := range it.Attrs {
		switch strings.ToLower(a.Name) {
		case "seeders":
			seeders, _ = strconv.Atoi(a.Value)
		case "peers":
			peers, _ = strconv.Atoi(a.Value)
		case "size":
			if n, err := strconv.ParseInt(a.Value, 10, 64); err == nil {
				size = n
			}
		case "infohash":
			ih = strings.ToLower(a.Value)
		case "magneturl":
			link = a.Value
		}
	}
	lih, magnet := parseLink(link)
	if ih == "" {
		ih = lih
	}
	kind := "single"
	if season > 0 && !strings.Contains(strings.ToUpper(it.Title), "E"+pad2(episode)) {
		kind = "season_pack"
	}
	return types.Candidate{
		InfoHash:      ih,
		Magnet:        magnet,
		Title:         it.Title,
		ReleaseGroup:  pickGroup(it.Title),
		Resolution:    pickRes(it.Title),
		Codec:         pickCodec(it.Title),
		Source:        pickSource(it.Title),
		Seeders:       seeders,
		Leechers:      peers,
		SizeBytes:     size,
		SourceKind:    kind,
		ParsedSeason:  season,
		ParsedEpisode: episode,
	}
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

func pickRes(t string) string {
	t = strings.ToLower(t)
	for _, k := range []string{"2160p", "1080p", "720p", "480p"} {
		if strings.Contains(t, k) {
			return k
		}
	}
	return "1080p"
}

func pickCodec(t string) string {
	t = strings.ToLower(t)
	for _, k := range []string{"av1", "x265", "hevc", "h265", "x264", "h264", "hi10p"} {
		if strings.Contains(t, k) {
			switch k {
			case "x265", "h265":
				return "hevc"
			case "x264":
				return "h264"
			}
			return k
		}
	}
	return "h264"
}

func pickSource(t string) string {
	t = strings.ToLower(t)
	switch {
	case strings.Contains(t, "web-dl"), strings.Contains(t, "webdl"):
		return "WEB-DL"
	case strings.Contains(t, "webrip"):
		return "WEBRip"
	case strings.Contains(t, "hdtv"):
		return "HDTV"
	case strings.Contains(t, "bluray"), strings.Contains(t, "blu-ray"):
		return "BluRay"
	}
	return "WEBRip"
}

func pickGroup(t string) string {
	parts := strings.Split(t, "-")
	if len(parts) > 1 {
		g := strings.TrimSpace(parts[len(parts)-1])
		if i := strings.IndexAny(g, " .["); i > 0 {
			g = g[:i]
		}
		return g
	}
	return ""
}

// parseLink returns the lowercase btih hash of a magnet link, or "" for
// other links. The link itself is returned unchanged.
func parseLink(link string) (string, string) {
	l := strings.ToLower(link)
	if strings.HasPrefix(l, "magnet:") {
		if i := strings.Index(l, "btih:"); i >= 0 && len(l) >= i+45 {
			return l[i+5 : i+45], link
		}
	}
	return "", link
}
