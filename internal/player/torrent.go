package player

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/belchote2025/stream-sub005/internal/buffer"
	"github.com/belchote2025/stream-sub005/internal/torrentx"
)

type TorrentConfig struct {
	Source       torrentx.Source // shared peer-to-peer client; nil means unavailable
	WaitMetadata time.Duration
	PlaySec      int64 // readahead window while playing
	PauseSec     int64 // readahead window while paused
}

// torrentBackend streams one file of a torrent into the client's <video>
// element through this host. It holds its torrent until Detach.
type torrentBackend struct {
	cfg TorrentConfig

	mu       sync.Mutex
	t        torrentx.Torrent
	ctl      *buffer.Controller
	readers  map[*meteredReader]struct{}
	cancel   context.CancelFunc
	detached bool
}

func newTorrentBackend(cfg TorrentConfig) *torrentBackend {
	if cfg.WaitMetadata <= 0 {
		cfg.WaitMetadata = 25 * time.Second
	}
	return &torrentBackend{
		cfg:     cfg,
		ctl:     buffer.New(cfg.PlaySec, cfg.PauseSec),
		readers: make(map[*meteredReader]struct{}),
	}
}

func (b *torrentBackend) Kind() SourceKind { return KindTorrent }

func (b *torrentBackend) Attach(ctx context.Context, ref string) (*Attachment, error) {
	if b.cfg.Source == nil {
		return nil, newError(BackendUnavailable, "peer-to-peer client is not available", nil)
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

	t, err := b.cfg.Source.Add(ctx, ref)
	if err != nil {
		if errors.Is(err, torrentx.ErrClientUnavailable) {
			return nil, newError(BackendUnavailable, "peer-to-peer client could not be created", err)
		}
		return nil, newError(AttachmentFailed, "cannot add torrent", err)
	}

	b.mu.Lock()
	if b.detached {
		b.mu.Unlock()
		b.cfg.Source.Release(t)
		return nil, ErrSuperseded
	}
	b.t = t
	b.mu.Unlock()

	wctx, wcancel := context.WithTimeout(ctx, b.cfg.WaitMetadata)
	defer wcancel()
	if err := torrentx.WaitForInfo(wctx, t); err != nil {
		if ctx.Err() != nil {
			return nil, ErrSuperseded
		}
		return nil, newError(AttachmentFailed, "torrent metadata timeout", err)
	}

	f, ok := torrentx.SelectVideoFile(t.Files())
	if !ok {
		return nil, newError(NoPlayableFile, "torrent contains no files", nil)
	}

	return &Attachment{
		Kind:        KindTorrent,
		Ref:         ref,
		Name:        f.Path,
		Size:        f.Length,
		ContentType: torrentx.ContentTypeForName(f.Path),
		ModTime:     time.Now(),
		open: func() (io.ReadSeekCloser, error) {
			return b.openFile(t, f.Index)
		},
	}, nil
}

func (b *torrentBackend) openFile(t torrentx.Torrent, index int) (io.ReadSeekCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached || b.t != t {
		return nil, newError(AttachmentFailed, "torrent detached", nil)
	}
	r, err := t.NewReader(index)
	if err != nil {
		return nil, newError(AttachmentFailed, "cannot open torrent file", err)
	}
	r.SetResponsive()
	r.SetReadahead(b.ctl.TargetBytes())
	mr := &meteredReader{Reader: r, ctl: b.ctl}
	mr.onClose = func() {
		b.mu.Lock()
		delete(b.readers, mr)
		b.mu.Unlock()
	}
	b.readers[mr] = struct{}{}
	return mr, nil
}

func (b *torrentBackend) Control(op Op) (Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached || b.t == nil {
		return Call{}, newError(AttachmentFailed, "no torrent attached", nil)
	}
	switch op.Name {
	case OpPlay:
		b.ctl.SetState(buffer.StatePlaying)
		b.retuneLocked()
	case OpPause:
		b.ctl.SetState(buffer.StatePaused)
		b.retuneLocked()
	}
	return videoCall(op)
}

func (b *torrentBackend) retuneLocked() {
	target := b.ctl.TargetBytes()
	for r := range b.readers {
		r.SetReadahead(target)
	}
}

func (b *torrentBackend) Detach() error {
	b.mu.Lock()
	b.detached = true
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	t := b.t
	b.t = nil
	readers := b.readers
	b.readers = make(map[*meteredReader]struct{})
	b.mu.Unlock()

	for r := range readers {
		_ = r.Close()
	}
	if t != nil {
		b.cfg.Source.Release(t)
	}
	return nil
}

// meteredReader feeds observed read throughput back into the buffer controller.
type meteredReader struct {
	torrentx.Reader
	ctl     *buffer.Controller
	onClose func()

	bytes    int64
	elapsed  time.Duration
	once     sync.Once
	closeErr error
}

const meterFlushBytes = 1 << 20

func (m *meteredReader) Read(p []byte) (int, error) {
	start := time.Now()
	n, err := m.Reader.Read(p)
	m.bytes += int64(n)
	m.elapsed += time.Since(start)
	if m.bytes >= meterFlushBytes {
		m.ctl.UpdateThroughput(m.bytes, m.elapsed.Milliseconds())
		m.bytes, m.elapsed = 0, 0
	}
	return n, err
}

func (m *meteredReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := m.Reader.Seek(offset, whence)
	if err == nil {
		m.ctl.SetPlayhead(pos)
	}
	return pos, err
}

// Close is safe to call from both the stream handler and Detach; the
// underlying reader is closed once.
func (m *meteredReader) Close() error {
	m.once.Do(func() {
		if m.onClose != nil {
			m.onClose()
		}
		m.closeErr = m.Reader.Close()
	})
	return m.closeErr
}
