package player

import (
	"context"
	"io"
	"time"
)

type OpName string

const (
	OpPlay       OpName = "play"
	OpPause      OpName = "pause"
	OpSeek       OpName = "seek"
	OpVolume     OpName = "volume"
	OpMute       OpName = "mute"
	OpRate       OpName = "rate"
	OpFullscreen OpName = "fullscreen"
)

// Op is one uniform control request. Value carries seconds, volume or rate;
// Flag carries mute/fullscreen on-off.
type Op struct {
	Name  OpName
	Value float64
	Flag  bool
}

// Call is the concrete backend call the client executes to mirror an Op,
// e.g. {Target: "video", Method: "play"} or {Target: "youtube", Method: "seekTo", Args: [42, true]}.
type Call struct {
	Target string `json:"target"`
	Method string `json:"method"`
	Args   []any  `json:"args,omitempty"`
}

// Attachment describes the media a backend attached.
type Attachment struct {
	Kind        SourceKind `json:"kind"`
	Ref         string     `json:"ref"`
	PlayURL     string     `json:"playUrl"`
	Name        string     `json:"name,omitempty"`
	Size        int64      `json:"size,omitempty"`
	ContentType string     `json:"contentType,omitempty"`
	ModTime     time.Time  `json:"-"`

	// open returns the media bytes for range streaming; nil for kinds the
	// client fetches itself (remote URLs, YouTube embeds).
	open func() (io.ReadSeekCloser, error)
}

// Streamable reports whether the dispatcher serves the bytes itself.
func (a *Attachment) Streamable() bool { return a != nil && a.open != nil }

func (a *Attachment) Open() (io.ReadSeekCloser, error) {
	if !a.Streamable() {
		return nil, newError(AttachmentFailed, "media is not served by this host", nil)
	}
	return a.open()
}

// Backend is the per-kind adapter. Attach returns only once the media can
// play, or with an *Error. Detach must be idempotent and safe to call while
// Attach is still in flight.
type Backend interface {
	Kind() SourceKind
	Attach(ctx context.Context, ref string) (*Attachment, error)
	Control(op Op) (Call, error)
	Detach() error
}

// BackendFactory builds a fresh backend for a kind.
type BackendFactory func(kind SourceKind) (Backend, error)

// NewBackends returns the factory used in production: one fresh adapter per
// load, sharing the torrent source across sessions.
func NewBackends(native NativeConfig, yt YouTubeConfig, tor TorrentConfig) BackendFactory {
	return func(kind SourceKind) (Backend, error) {
		switch kind {
		case KindLocal, KindRemote:
			return newNativeBackend(kind, native), nil
		case KindYouTube:
			return newYouTubeBackend(yt), nil
		case KindTorrent:
			return newTorrentBackend(tor), nil
		}
		return nil, newError(InvalidReference, "unknown source kind "+string(kind), nil)
	}
}
