package player

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journal records backend lifecycle calls in order across backends.
type journal struct {
	mu    sync.Mutex
	lines []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.lines = append(j.lines, s)
	j.mu.Unlock()
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.lines...)
}

type fakeBackend struct {
	name string
	kind SourceKind
	j    *journal

	attachErr  error
	attachWait chan struct{} // Attach blocks until closed or detached
	controlErr error
	panicOn    OpName

	mu       sync.Mutex
	detached chan struct{}
	calls    []Op
}

func newFake(name string, j *journal) *fakeBackend {
	return &fakeBackend{name: name, kind: KindLocal, j: j, detached: make(chan struct{})}
}

func (f *fakeBackend) Kind() SourceKind { return f.kind }

func (f *fakeBackend) Attach(ctx context.Context, ref string) (*Attachment, error) {
	f.j.add("attach " + f.name)
	if f.attachWait != nil {
		select {
		case <-f.attachWait:
		case <-f.detached:
			return nil, ErrSuperseded
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	return &Attachment{
		Kind: f.kind,
		Ref:  ref,
		Name: f.name,
		open: func() (io.ReadSeekCloser, error) {
			return nopCloser{bytes.NewReader([]byte("media"))}, nil
		},
	}, nil
}

func (f *fakeBackend) Control(op Op) (Call, error) {
	if op.Name == f.panicOn {
		panic("boom")
	}
	if f.controlErr != nil {
		return Call{}, f.controlErr
	}
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
	return videoCall(op)
}

func (f *fakeBackend) Detach() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.detached:
	default:
		close(f.detached)
		f.j.add("detach " + f.name)
	}
	return nil
}

func (f *fakeBackend) isDetached() bool {
	select {
	case <-f.detached:
		return true
	default:
		return false
	}
}

type nopCloser struct{ io.ReadSeeker }

func (nopCloser) Close() error { return nil }

// queueFactory hands out the given backends in order.
func queueFactory(backends ...*fakeBackend) BackendFactory {
	var mu sync.Mutex
	return func(SourceKind) (Backend, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(backends) == 0 {
			return nil, errors.New("no more backends")
		}
		b := backends[0]
		backends = backends[1:]
		return b, nil
	}
}

func newTestSession(f BackendFactory) *Session {
	return NewSession(SessionConfig{
		ID:        "s1",
		Factory:   f,
		StreamURL: func(id string) string { return "/v1/player/stream?session=" + id },
	})
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []Event) []EventType {
	out := make([]EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestLoadReady(t *testing.T) {
	j := &journal{}
	s := newTestSession(queueFactory(newFake("a", j)))
	ch, cancel := s.Subscribe(16)
	defer cancel()

	att, err := s.Load(context.Background(), "/movies/a.mp4", KindAuto)
	require.NoError(t, err)
	assert.Equal(t, "/v1/player/stream?session=s1", att.PlayURL)

	snap := s.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, KindLocal, snap.Kind)
	assert.Equal(t, 1.0, snap.Volume)
	assert.Equal(t, []EventType{EventLoading, EventReady}, eventTypes(drain(ch)))
}

func TestLoadEmptyReference(t *testing.T) {
	s := newTestSession(queueFactory())
	_, err := s.Load(context.Background(), "  ", KindAuto)
	assert.ErrorIs(t, err, ErrInvalidReference)
	assert.Equal(t, StateIdle, s.Snapshot().State)
}

func TestLoadTearsDownBeforeAttach(t *testing.T) {
	j := &journal{}
	a, b := newFake("a", j), newFake("b", j)
	s := newTestSession(queueFactory(a, b))

	_, err := s.Load(context.Background(), "/a.mp4", KindAuto)
	require.NoError(t, err)
	_, err = s.Load(context.Background(), "/b.mp4", KindAuto)
	require.NoError(t, err)

	assert.Equal(t, []string{"attach a", "detach a", "attach b"}, j.all())
	assert.Equal(t, "b", s.Snapshot().Media.Name)
}

func TestConcurrentLoadSupersedes(t *testing.T) {
	j := &journal{}
	a, b := newFake("a", j), newFake("b", j)
	a.attachWait = make(chan struct{})
	s := newTestSession(queueFactory(a, b))

	done := make(chan error, 1)
	go func() {
		_, err := s.Load(context.Background(), "/a.mp4", KindAuto)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(j.all()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.Load(context.Background(), "/b.mp4", KindAuto)
	require.NoError(t, err)
	assert.ErrorIs(t, <-done, ErrSuperseded)

	assert.True(t, a.isDetached())
	assert.False(t, b.isDetached())
	assert.Equal(t, []string{"attach a", "detach a", "attach b"}, j.all())
	assert.Equal(t, "b", s.Snapshot().Media.Name)
	assert.Equal(t, StateReady, s.Snapshot().State)
}

func TestFailedLoadLeavesNothingAttached(t *testing.T) {
	j := &journal{}
	a := newFake("a", j)
	a.attachErr = newError(NoPlayableFile, "torrent contains no files", nil)
	s := newTestSession(queueFactory(a))
	ch, cancel := s.Subscribe(16)
	defer cancel()

	_, err := s.Load(context.Background(), "/a.mp4", KindAuto)
	assert.ErrorIs(t, err, ErrNoPlayableFile)
	assert.True(t, a.isDetached())

	snap := s.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Nil(t, snap.Media)
	require.NotNil(t, snap.Error)
	assert.Equal(t, NoPlayableFile, snap.Error.Kind)

	evs := drain(ch)
	assert.Equal(t, []EventType{EventLoading, EventError, EventStateChange}, eventTypes(evs))
	assert.Equal(t, NoPlayableFile, evs[1].ErrorKind)

	// Error accepts a fresh load
	s.cfg.Factory = queueFactory(newFake("b", j))
	_, err = s.Load(context.Background(), "/b.mp4", KindAuto)
	assert.NoError(t, err)
}

func TestLoadFactoryError(t *testing.T) {
	s := newTestSession(func(SourceKind) (Backend, error) {
		return nil, newError(BackendUnavailable, "peer-to-peer client is not available", nil)
	})
	_, err := s.Load(context.Background(), "magnet:?xt=urn:btih:abc", KindAuto)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, StateError, s.Snapshot().State)
}

func TestAttachPanicRecovered(t *testing.T) {
	s := newTestSession(func(SourceKind) (Backend, error) { return panicBackend{}, nil })
	_, err := s.Load(context.Background(), "/a.mp4", KindAuto)
	assert.ErrorIs(t, err, ErrAttachmentFailed)
}

type panicBackend struct{}

func (panicBackend) Kind() SourceKind { return KindLocal }
func (panicBackend) Attach(context.Context, string) (*Attachment, error) {
	panic("attach exploded")
}
func (panicBackend) Control(Op) (Call, error) { return Call{}, nil }
func (panicBackend) Detach() error            { return nil }

func TestControlsNoopWithoutBackend(t *testing.T) {
	s := newTestSession(queueFactory())
	ch, cancel := s.Subscribe(16)
	defer cancel()

	s.Play()
	s.Seek(10)
	s.SetVolume(0.3)
	s.ToggleMute()
	s.ToggleFullscreen()

	snap := s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.Playing)
	assert.Equal(t, 1.0, snap.Volume)
	assert.Empty(t, drain(ch))
}

func loaded(t *testing.T) (*Session, *fakeBackend) {
	t.Helper()
	f := newFake("a", &journal{})
	s := newTestSession(queueFactory(f))
	_, err := s.Load(context.Background(), "/a.mp4", KindAuto)
	require.NoError(t, err)
	return s, f
}

func TestPlayPauseStateMachine(t *testing.T) {
	s, f := loaded(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	s.Play()
	assert.Equal(t, StatePlaying, s.Snapshot().State)
	s.TogglePlay()
	assert.Equal(t, StatePaused, s.Snapshot().State)
	s.TogglePlay()
	assert.True(t, s.Snapshot().Playing)

	assert.Len(t, f.calls, 3)
	evs := drain(ch)
	require.NotEmpty(t, evs)
	assert.Equal(t, EventCall, evs[0].Type)
	assert.Equal(t, "play", evs[0].Call.Method)
}

func TestSetVolumeClamps(t *testing.T) {
	s, _ := loaded(t)

	s.SetVolume(-0.5)
	low := s.Snapshot().Volume
	s.SetVolume(0)
	assert.Equal(t, low, s.Snapshot().Volume)
	assert.Equal(t, 0.0, low)

	s.SetVolume(1.5)
	high := s.Snapshot().Volume
	s.SetVolume(1)
	assert.Equal(t, high, s.Snapshot().Volume)
	assert.Equal(t, 1.0, high)
}

func TestToggleMuteRoundTrip(t *testing.T) {
	s, _ := loaded(t)
	s.SetVolume(0.4)

	s.ToggleMute()
	assert.True(t, s.Snapshot().Muted)
	s.ToggleMute()

	snap := s.Snapshot()
	assert.False(t, snap.Muted)
	assert.Equal(t, 0.4, snap.Volume)
}

func TestSeekClampsToDuration(t *testing.T) {
	s, _ := loaded(t)
	s.ReportProgress(5, 100, false)

	s.Seek(250)
	assert.Equal(t, 100.0, s.Snapshot().CurrentTime)
	s.Seek(-3)
	assert.Equal(t, 0.0, s.Snapshot().CurrentTime)
}

func TestPlaybackRateUnbounded(t *testing.T) {
	s, _ := loaded(t)
	s.SetPlaybackRate(16)
	assert.Equal(t, 16.0, s.Snapshot().Rate)
}

func TestControlErrorBecomesEvent(t *testing.T) {
	s, f := loaded(t)
	ch, cancel := s.Subscribe(16)
	defer cancel()

	f.controlErr = errors.New("decode error")
	assert.NotPanics(t, s.Play)
	f.controlErr = nil
	f.panicOn = OpPause
	assert.NotPanics(t, s.Pause)

	evs := drain(ch)
	assert.Equal(t, []EventType{EventError, EventError}, eventTypes(evs))
	assert.Equal(t, StateReady, s.Snapshot().State)
}

func TestReportProgressEnded(t *testing.T) {
	var got []Snapshot
	f := newFake("a", &journal{})
	s := NewSession(SessionConfig{
		ID:         "s1",
		Factory:    queueFactory(f),
		OnProgress: func(snap Snapshot) { got = append(got, snap) },
	})
	_, err := s.Load(context.Background(), "/a.mp4", KindAuto)
	require.NoError(t, err)
	s.Play()
	ch, cancel := s.Subscribe(16)
	defer cancel()

	s.ReportProgress(30, 60, false)
	s.ReportProgress(60, 60, true)

	snap := s.Snapshot()
	assert.Equal(t, StatePaused, snap.State)
	assert.False(t, snap.Playing)
	assert.Equal(t, []EventType{EventTimeUpdate, EventTimeUpdate, EventEnded, EventStateChange}, eventTypes(drain(ch)))
	require.Len(t, got, 2)
	assert.Equal(t, 30.0, got[0].CurrentTime)
	assert.False(t, got[0].Ended)
	assert.True(t, got[1].Ended)
	assert.False(t, snap.Ended)
}

func TestHandleKey(t *testing.T) {
	s, _ := loaded(t)
	s.ReportProgress(50, 100, false)

	assert.False(t, s.HandleKey(" ", true))
	assert.False(t, s.Snapshot().Playing)

	assert.True(t, s.HandleKey(" ", false))
	assert.True(t, s.Snapshot().Playing)
	assert.True(t, s.HandleKey("k", false))
	assert.False(t, s.Snapshot().Playing)

	s.HandleKey("ArrowRight", false)
	assert.Equal(t, 60.0, s.Snapshot().CurrentTime)
	s.HandleKey("ArrowLeft", false)
	s.HandleKey("ArrowLeft", false)
	assert.Equal(t, 40.0, s.Snapshot().CurrentTime)

	s.HandleKey("ArrowDown", false)
	assert.InDelta(t, 0.9, s.Snapshot().Volume, 1e-9)
	s.HandleKey("ArrowUp", false)
	s.HandleKey("ArrowUp", false)
	assert.Equal(t, 1.0, s.Snapshot().Volume)

	s.HandleKey("m", false)
	assert.True(t, s.Snapshot().Muted)
	s.HandleKey("f", false)
	assert.True(t, s.Snapshot().Fullscreen)

	assert.False(t, s.HandleKey("q", false))
}

func TestCloseDetachesAndRejectsLoads(t *testing.T) {
	s, f := loaded(t)
	ch, _ := s.Subscribe(4)

	s.Close()
	assert.True(t, f.isDetached())
	_, open := <-ch
	assert.False(t, open)

	_, err := s.Load(context.Background(), "/b.mp4", KindAuto)
	assert.Error(t, err)
}

func TestMediaOpen(t *testing.T) {
	s, _ := loaded(t)
	att, ok := s.Media()
	require.True(t, ok)
	rc, err := att.Open()
	require.NoError(t, err)
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "media", string(b))
}
