package player

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const defaultOEmbedURL = "https://www.youtube.com/oembed"

type YouTubeConfig struct {
	Origin      string // passed to the iframe so postMessage is scoped to the page
	VerifyEmbed bool   // ask oEmbed whether the video exists and may be embedded
	OEmbedURL   string
	HTTP        *http.Client
}

// youtubeBackend drives an embedded iframe player. The client owns the iframe;
// this side resolves the id, checks embeddability and translates controls into
// iframe API calls.
type youtubeBackend struct {
	cfg YouTubeConfig

	mu       sync.Mutex
	videoID  string
	cancel   context.CancelFunc
	detached bool
}

func newYouTubeBackend(cfg YouTubeConfig) *youtubeBackend {
	if cfg.OEmbedURL == "" {
		cfg.OEmbedURL = defaultOEmbedURL
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	return &youtubeBackend{cfg: cfg}
}

func (b *youtubeBackend) Kind() SourceKind { return KindYouTube }

func (b *youtubeBackend) Attach(ctx context.Context, ref string) (*Attachment, error) {
	id, ok := ExtractYouTubeID(ref)
	if !ok {
		return nil, newError(InvalidReference, "no YouTube video id in reference", nil)
	}

	b.mu.Lock()
	if b.detached {
		b.mu.Unlock()
		return nil, ErrSuperseded
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()
	defer cancel()

	att := &Attachment{
		Kind:        KindYouTube,
		Ref:         ref,
		PlayURL:     embedURL(id, b.cfg.Origin),
		Name:        id,
		ContentType: "text/html",
	}
	if b.cfg.VerifyEmbed {
		title, err := b.verify(ctx, id)
		if err != nil {
			return nil, err
		}
		if title != "" {
			att.Name = title
		}
	}

	b.mu.Lock()
	b.videoID = id
	b.mu.Unlock()
	return att, nil
}

func (b *youtubeBackend) verify(ctx context.Context, id string) (string, error) {
	q := url.Values{}
	q.Set("url", "https://www.youtube.com/watch?v="+id)
	q.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.OEmbedURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", newError(BackendUnavailable, "bad oEmbed endpoint", err)
	}
	resp, err := b.cfg.HTTP.Do(req)
	if err != nil {
		return "", newError(AttachmentFailed, "YouTube unreachable", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", newError(AttachmentFailed, "embedding is disabled for this video", nil)
	case http.StatusNotFound, http.StatusBadRequest:
		return "", newError(AttachmentFailed, "video not found", nil)
	default:
		return "", newError(AttachmentFailed, fmt.Sprintf("oEmbed responded %d", resp.StatusCode), nil)
	}

	var meta struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&meta)
	return meta.Title, nil
}

func (b *youtubeBackend) Control(op Op) (Call, error) {
	b.mu.Lock()
	attached := b.videoID != "" && !b.detached
	b.mu.Unlock()
	if !attached {
		return Call{}, newError(AttachmentFailed, "no video attached", nil)
	}

	switch op.Name {
	case OpPlay:
		return Call{Target: "youtube", Method: "playVideo"}, nil
	case OpPause:
		return Call{Target: "youtube", Method: "pauseVideo"}, nil
	case OpSeek:
		return Call{Target: "youtube", Method: "seekTo", Args: []any{op.Value, true}}, nil
	case OpVolume:
		// iframe API volume is an integer percentage
		return Call{Target: "youtube", Method: "setVolume", Args: []any{int(math.Round(op.Value * 100))}}, nil
	case OpMute:
		if op.Flag {
			return Call{Target: "youtube", Method: "mute"}, nil
		}
		return Call{Target: "youtube", Method: "unMute"}, nil
	case OpRate:
		return Call{Target: "youtube", Method: "setPlaybackRate", Args: []any{op.Value}}, nil
	case OpFullscreen:
		return videoCall(op)
	}
	return Call{}, fmt.Errorf("unsupported op %q", op.Name)
}

func (b *youtubeBackend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = true
	b.videoID = ""
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	return nil
}

func embedURL(id, origin string) string {
	q := url.Values{}
	q.Set("enablejsapi", "1")
	q.Set("playsinline", "1")
	q.Set("rel", "0")
	if origin != "" {
		q.Set("origin", origin)
	}
	return "https://www.youtube.com/embed/" + url.PathEscape(id) + "?" + q.Encode()
}
