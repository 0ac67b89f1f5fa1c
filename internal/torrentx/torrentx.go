package torrentx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/hashicorp/go-hclog"
)

// ErrClientUnavailable is returned when the peer-to-peer client cannot be constructed.
var ErrClientUnavailable = errors.New("torrent client unavailable")

var videoExts = map[string]bool{".mp4": true, ".webm": true, ".mkv": true, ".avi": true}

type FileEntry struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

// Reader is the subset of torrent.Reader used for streaming.
type Reader interface {
	io.ReadSeekCloser
	SetReadahead(int64)
	SetResponsive()
}

type Torrent interface {
	InfoHash() string
	Name() string
	GotInfo() <-chan struct{}
	Files() []FileEntry
	NewReader(index int) (Reader, error)
}

// Source adds torrents to the shared client. Every successful Add must be
// paired with a Release; the torrent is dropped once nobody holds it.
type Source interface {
	Add(ctx context.Context, ref string) (Torrent, error)
	Release(t Torrent)
}

type Config struct {
	DataDir      string
	TrackersMode string // all|http|udp|none
}

// Client is the process-wide peer-to-peer client. The underlying anacrolix
// client is created on first use; a failed construction is retried next time.
type Client struct {
	cfg  Config
	log  hclog.Logger
	http *http.Client

	mu   sync.Mutex
	cl   *torrent.Client
	refs map[metainfo.Hash]int
}

func NewClient(cfg Config, logger hclog.Logger) *Client {
	if cfg.TrackersMode == "" {
		cfg.TrackersMode = "udp"
	}
	return &Client{
		cfg:  cfg,
		log:  logger.Named("torrent"),
		http: &http.Client{Timeout: 20 * time.Second},
		refs: make(map[metainfo.Hash]int),
	}
}

func (c *Client) client() (*torrent.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cl != nil {
		return c.cl, nil
	}
	if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: data dir: %v", ErrClientUnavailable, err)
	}

	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = c.cfg.DataDir
	cfg.DisableTCP = false
	cfg.DisableUTP = true
	cfg.Seed = false
	cfg.NoUpload = false

	cl, err := torrent.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientUnavailable, err)
	}
	c.cl = cl
	c.log.Info("client initialized", "data_dir", c.cfg.DataDir, "trackers_mode", c.cfg.TrackersMode)
	return cl, nil
}

// Add resolves a magnet URI, a .torrent URL or a .torrent path.
func (c *Client) Add(ctx context.Context, ref string) (Torrent, error) {
	cl, err := c.client()
	if err != nil {
		return nil, err
	}
	src := sanitizeMagnet(ref, c.cfg.TrackersMode)

	var t *torrent.Torrent
	switch {
	case strings.HasPrefix(strings.ToLower(src), "magnet:"):
		if ih := parseMagnetHash(src); ih != (metainfo.Hash{}) {
			if existing, ok := cl.Torrent(ih); ok {
				t = existing
				break
			}
		}
		t, err = cl.AddMagnet(src)
		if err != nil {
			return nil, fmt.Errorf("add magnet: %w", err)
		}
		if tiers := buildTrackerTiers(c.cfg.TrackersMode); len(tiers) != 0 {
			t.AddTrackers(tiers)
		}
	case strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://"):
		mi, err := c.fetchMetainfo(ctx, src)
		if err != nil {
			return nil, err
		}
		t, err = cl.AddTorrent(mi)
		if err != nil {
			return nil, fmt.Errorf("add torrent: %w", err)
		}
	default:
		t, err = cl.AddTorrentFromFile(src)
		if err != nil {
			return nil, fmt.Errorf("add torrent file: %w", err)
		}
	}

	c.mu.Lock()
	c.refs[t.InfoHash()]++
	n := c.refs[t.InfoHash()]
	c.mu.Unlock()
	c.log.Debug("torrent added", "ih", t.InfoHash().HexString(), "refs", n)
	return &handle{t: t}, nil
}

// Release drops the torrent once its last holder lets go.
func (c *Client) Release(t Torrent) {
	h, ok := t.(*handle)
	if !ok || h == nil {
		return
	}
	ih := h.t.InfoHash()
	c.mu.Lock()
	n := c.refs[ih] - 1
	if n > 0 {
		c.refs[ih] = n
		c.mu.Unlock()
		return
	}
	delete(c.refs, ih)
	c.mu.Unlock()

	c.log.Info("dropping torrent", "name", h.t.Name(), "ih", ih.HexString())
	h.t.Drop()
}

// HeldNames lists the top-level names of torrents currently in the client.
func (c *Client) HeldNames() map[string]bool {
	c.mu.Lock()
	cl := c.cl
	c.mu.Unlock()
	out := map[string]bool{}
	if cl == nil {
		return out
	}
	for _, t := range cl.Torrents() {
		if t.Info() != nil {
			out[t.Name()] = true
		}
	}
	return out
}

func (c *Client) DataDir() string { return c.cfg.DataDir }

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cl != nil {
		c.log.Info("closing client")
		c.cl.Close()
		c.cl = nil
	}
}

func (c *Client) fetchMetainfo(ctx context.Context, u string) (*metainfo.MetaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch torrent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch torrent: status %d", resp.StatusCode)
	}
	mi, err := metainfo.Load(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("parse torrent: %w", err)
	}
	return mi, nil
}

type handle struct{ t *torrent.Torrent }

func (h *handle) InfoHash() string { return h.t.InfoHash().HexString() }
func (h *handle) Name() string     { return h.t.Name() }

func (h *handle) GotInfo() <-chan struct{} { return (<-chan struct{})(h.t.GotInfo()) }

func (h *handle) Files() []FileEntry {
	if h.t.Info() == nil {
		return nil
	}
	files := h.t.Files()
	out := make([]FileEntry, 0, len(files))
	for i, f := range files {
		out = append(out, FileEntry{Index: i, Path: f.Path(), Length: f.Length()})
	}
	return out
}

func (h *handle) NewReader(index int) (Reader, error) {
	files := h.t.Files()
	if index < 0 || index >= len(files) {
		return nil, fmt.Errorf("file index %d out of range (%d files)", index, len(files))
	}
	return files[index].NewReader(), nil
}

func WaitForInfo(ctx context.Context, t Torrent) error {
	select {
	case <-t.GotInfo():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SelectVideoFile picks the largest file with a known video extension,
// falling back to the first file. ok is false only for an empty list.
func SelectVideoFile(files []FileEntry) (FileEntry, bool) {
	if len(files) == 0 {
		return FileEntry{}, false
	}
	best := -1
	for i, f := range files {
		if !IsVideoName(f.Path) {
			continue
		}
		if best < 0 || f.Length > files[best].Length {
			best = i
		}
	}
	if best < 0 {
		return files[0], true
	}
	return files[best], true
}

func IsVideoName(name string) bool {
	return videoExts[strings.ToLower(filepath.Ext(name))]
}

// IsTorrentRef reports whether ref is a magnet URI or points at a .torrent file.
func IsTorrentRef(ref string) bool {
	if strings.HasPrefix(strings.ToLower(ref), "magnet:") {
		return true
	}
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return strings.EqualFold(path.Ext(p), ".torrent")
}

// trackers
var extraHTTP = []string{
	"http://tracker.opentrackr.org:1337/announce",
	"https://tracker.opentrackr.org:443/announce",
	"https://tracker.zemoj.com/announce",
}
var extraUDP = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://open.demonii.com:1337/announce",
}

func buildTrackerTiers(mode string) [][]string {
	var tiers [][]string
	add := func(list []string) {
		for _, s := range list {
			tiers = append(tiers, []string{s})
		}
	}
	switch strings.ToLower(mode) {
	case "none":
	case "http":
		add(extraHTTP)
	case "udp":
		add(extraUDP)
	default: // "all"
		add(extraHTTP)
		add(extraUDP)
	}
	return tiers
}

// sanitizeMagnet filters the magnet's own trackers down to the configured mode.
func sanitizeMagnet(raw, mode string) string {
	if !strings.HasPrefix(strings.ToLower(raw), "magnet:") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "udp"
	}
	orig := q["tr"]
	q.Del("tr")
	for _, tr := range orig {
		trL := strings.ToLower(tr)
		switch mode {
		case "none":
			continue
		case "udp":
			if !strings.HasPrefix(trL, "udp://") {
				continue
			}
		case "http":
			if !strings.HasPrefix(trL, "http://") && !strings.HasPrefix(trL, "https://") {
				continue
			}
		}
		q.Add("tr", tr)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func parseMagnetHash(src string) metainfo.Hash {
	m, err := metainfo.ParseMagnetURI(src)
	if err == nil && m.InfoHash != (metainfo.Hash{}) {
		return m.InfoHash
	}
	return metainfo.Hash{}
}

func ContentTypeForName(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mkv":
		return "video/x-matroska"
	case ".avi":
		return "video/x-msvideo"
	}
	return "application/octet-stream"
}

func SafeDownloadName(name string) string {
	repl := strings.NewReplacer("<", "", ">", "", ":", "", `"`, "", "/", "", `\`, "", "|", "", "?", "", "*", "")
	n := strings.Trim(repl.Replace(name), " .")
	if len(n) == 0 {
		n = "video"
	}
	if len(n) > 120 {
		n = n[:120]
	}
	return n
}

func DirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// ClientGone reports errors caused by the HTTP peer going away mid-stream.
func ClientGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "broken pipe") || strings.Contains(s, "reset by peer")
}
