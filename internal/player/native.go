package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

type NativeConfig struct {
	MediaRoot    string // Local references resolve under this directory
	Origin       string // page origin stripped from absolute local URLs
	Probe        bool   // confirm Remote URLs with a one-byte range request
	ProbeTimeout time.Duration
	HTTP         *http.Client
}

// nativeBackend plays through the client's own <video> element. Local media
// is served by this host; remote media is handed to the client as-is.
type nativeBackend struct {
	kind SourceKind
	cfg  NativeConfig

	mu       sync.Mutex
	cancel   context.CancelFunc
	detached bool
}

func newNativeBackend(kind SourceKind, cfg NativeConfig) *nativeBackend {
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	return &nativeBackend{kind: kind, cfg: cfg}
}

func (b *nativeBackend) Kind() SourceKind { return b.kind }

func (b *nativeBackend) Attach(ctx context.Context, ref string) (*Attachment, error) {
	b.mu.Lock()
	if b.detached {
		b.mu.Unlock()
		return nil, ErrSuperseded
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()
	defer cancel()

	if b.kind == KindLocal {
		return b.attachLocal(ref)
	}
	return b.attachRemote(ctx, ref)
}

func (b *nativeBackend) attachLocal(ref string) (*Attachment, error) {
	full, err := resolveLocal(b.cfg.MediaRoot, b.cfg.Origin, ref)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newError(AttachmentFailed, "media file not found", err)
		}
		return nil, newError(AttachmentFailed, "cannot stat media file", err)
	}
	if st.IsDir() {
		return nil, newError(InvalidReference, "reference is a directory", nil)
	}

	mt, err := mimetype.DetectFile(full)
	if err != nil {
		return nil, newError(AttachmentFailed, "cannot read media file", err)
	}
	if !playableMIME(mt.String()) {
		return nil, newError(AttachmentFailed, fmt.Sprintf("unsupported media type %s", mt.String()), nil)
	}

	return &Attachment{
		Kind:        KindLocal,
		Ref:         ref,
		Name:        filepath.Base(full),
		Size:        st.Size(),
		ContentType: mt.String(),
		ModTime:     st.ModTime(),
		open: func() (io.ReadSeekCloser, error) {
			return os.Open(full)
		},
	}, nil
}

func (b *nativeBackend) attachRemote(ctx context.Context, ref string) (*Attachment, error) {
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, newError(InvalidReference, "remote reference must be an http(s) URL", err)
	}
	att := &Attachment{Kind: KindRemote, Ref: ref, PlayURL: ref, Name: path.Base(u.Path)}
	if !b.cfg.Probe {
		return att, nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, newError(InvalidReference, "bad remote URL", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := b.cfg.HTTP.Do(req)
	if err != nil {
		return nil, newError(AttachmentFailed, "network failure", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, newError(AttachmentFailed, fmt.Sprintf("remote responded %d", resp.StatusCode), nil)
	}
	ct := resp.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(ct), "text/html") {
		return nil, newError(AttachmentFailed, "remote URL is a web page, not media", nil)
	}
	att.ContentType = ct
	att.Size = remoteSize(resp)
	return att, nil
}

func (b *nativeBackend) Control(op Op) (Call, error) {
	b.mu.Lock()
	detached := b.detached
	b.mu.Unlock()
	if detached {
		return Call{}, newError(AttachmentFailed, "no media attached", nil)
	}
	return videoCall(op)
}

func (b *nativeBackend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = true
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	return nil
}

// videoCall maps an Op onto HTMLMediaElement members.
func videoCall(op Op) (Call, error) {
	switch op.Name {
	case OpPlay:
		return Call{Target: "video", Method: "play"}, nil
	case OpPause:
		return Call{Target: "video", Method: "pause"}, nil
	case OpSeek:
		return Call{Target: "video", Method: "currentTime", Args: []any{op.Value}}, nil
	case OpVolume:
		return Call{Target: "video", Method: "volume", Args: []any{op.Value}}, nil
	case OpMute:
		return Call{Target: "video", Method: "muted", Args: []any{op.Flag}}, nil
	case OpRate:
		return Call{Target: "video", Method: "playbackRate", Args: []any{op.Value}}, nil
	case OpFullscreen:
		if op.Flag {
			return Call{Target: "container", Method: "requestFullscreen"}, nil
		}
		return Call{Target: "document", Method: "exitFullscreen"}, nil
	}
	return Call{}, fmt.Errorf("unsupported op %q", op.Name)
}

// resolveLocal maps a local reference onto a file under root. Cleaning the
// rooted path first means ".." can never climb above root.
func resolveLocal(root, origin, ref string) (string, error) {
	if root == "" {
		return "", newError(BackendUnavailable, "no media root configured", nil)
	}
	p := ref
	if origin != "" && strings.HasPrefix(p, strings.TrimRight(origin, "/")+"/") {
		p = strings.TrimPrefix(p, strings.TrimRight(origin, "/"))
	}
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	p = path.Clean("/" + strings.ReplaceAll(p, `\`, "/"))
	if p == "/" {
		return "", newError(InvalidReference, "empty local path", nil)
	}
	return filepath.Join(root, filepath.FromSlash(p)), nil
}

func playableMIME(mt string) bool {
	mt = strings.ToLower(mt)
	if strings.HasPrefix(mt, "video/") || strings.HasPrefix(mt, "audio/") {
		return true
	}
	switch mt {
	case "application/vnd.apple.mpegurl", "application/x-mpegurl", "application/dash+xml":
		return true
	}
	return false
}

// remoteSize reads the total from "Content-Range: bytes 0-0/12345" when present.
func remoteSize(resp *http.Response) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if n, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				return n
			}
		}
	}
	if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
		return resp.ContentLength
	}
	return 0
}
