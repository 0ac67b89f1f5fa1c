package player

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateError   State = "error"
)

// Snapshot is a point-in-time copy of a session's playback state.
type Snapshot struct {
	ID          string      `json:"id"`
	Subject     string      `json:"subject,omitempty"`
	State       State       `json:"state"`
	Kind        SourceKind  `json:"kind,omitempty"`
	Ref         string      `json:"ref,omitempty"`
	Media       *Attachment `json:"media,omitempty"`
	Playing     bool        `json:"isPlaying"`
	Muted       bool        `json:"isMuted"`
	Fullscreen  bool        `json:"isFullscreen"`
	CurrentTime float64     `json:"currentTime"`
	Duration    float64     `json:"duration"`
	Volume      float64     `json:"volume"`
	Rate        float64     `json:"playbackRate"`
	Error       *Error      `json:"error,omitempty"`
	// Ended is set only on the snapshot handed to OnProgress for the
	// report that finished playback.
	Ended bool `json:"ended,omitempty"`
}

type SessionConfig struct {
	ID      string
	Subject string // opaque caller identity, used for history
	Factory BackendFactory
	Origin  string // page origin for classification
	// StreamURL builds the URL the client plays for byte-backed attachments.
	StreamURL  func(sessionID string) string
	Logger     hclog.Logger
	OnProgress func(Snapshot)
}

// Session owns at most one attached backend. Load tears the previous one
// down before attaching the next; every other operation is a no-op when
// nothing is attached.
type Session struct {
	cfg SessionConfig
	log hclog.Logger
	bus *bus

	mu          sync.Mutex
	gen         uint64
	backend     Backend
	pending     Backend
	att         *Attachment
	kind        SourceKind
	ref         string
	state       State
	playing     bool
	muted       bool
	fullscreen  bool
	currentTime float64
	duration    float64
	volume      float64
	rate        float64
	lastErr     *Error
	closed      bool
}

func NewSession(cfg SessionConfig) *Session {
	lg := cfg.Logger
	if lg == nil {
		lg = hclog.NewNullLogger()
	}
	return &Session{
		cfg:    cfg,
		log:    lg.Named("session").With("session", cfg.ID),
		bus:    newBus(),
		state:  StateIdle,
		volume: 1,
		rate:   1,
	}
}

func (s *Session) ID() string      { return s.cfg.ID }
func (s *Session) Subject() string { return s.cfg.Subject }

// Subscribe returns the session's event feed. Slow readers drop events.
func (s *Session) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	return s.bus.subscribe(buf)
}

// Load tears down whatever is attached or still attaching, then attaches
// ref with the backend for kind (KindAuto classifies). It returns once the
// backend can play or has failed; a failed attach leaves nothing attached.
func (s *Session) Load(ctx context.Context, ref string, kind SourceKind) (*Attachment, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		err := newError(InvalidReference, "empty media reference", nil)
		s.emitError(err)
		return nil, err
	}
	if kind == KindAuto {
		kind = Classify(ref, s.cfg.Origin)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("session closed")
	}
	s.gen++
	gen := s.gen
	old, pending := s.backend, s.pending
	s.backend, s.pending, s.att = nil, nil, nil
	s.resetLocked()
	s.state = StateIdle
	s.mu.Unlock()

	if old != nil || pending != nil {
		s.teardown(old)
		s.teardown(pending)
		s.emit(Event{Type: EventStateChange, State: StateIdle})
	}

	b, err := s.cfg.Factory(kind)
	if err != nil {
		pe := asError(err)
		s.mu.Lock()
		current := s.gen == gen
		if current {
			s.state, s.lastErr = StateError, pe
		}
		s.mu.Unlock()
		if !current {
			return nil, ErrSuperseded
		}
		s.emitError(pe)
		s.emit(Event{Type: EventStateChange, State: StateError})
		return nil, pe
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.teardown(b)
		return nil, ErrSuperseded
	}
	s.pending = b
	s.kind, s.ref = kind, ref
	s.state = StateLoading
	s.mu.Unlock()
	s.emit(Event{Type: EventLoading, Kind: kind, State: StateLoading})
	s.log.Debug("loading", "kind", kind, "ref", ref)

	att, err := s.attach(ctx, b, ref)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.teardown(b)
		return nil, ErrSuperseded
	}
	s.pending = nil
	if err != nil {
		pe := asError(err)
		if errors.Is(err, ErrSuperseded) || ctx.Err() != nil {
			pe = newError(AttachmentFailed, "load canceled", ctx.Err())
		}
		s.state, s.lastErr = StateError, pe
		s.mu.Unlock()
		s.teardown(b)
		s.log.Warn("load failed", "kind", kind, "error", pe)
		s.emitError(pe)
		s.emit(Event{Type: EventStateChange, State: StateError})
		return nil, pe
	}
	if att.Streamable() && att.PlayURL == "" && s.cfg.StreamURL != nil {
		att.PlayURL = s.cfg.StreamURL(s.cfg.ID)
	}
	s.backend, s.att = b, att
	s.state = StateReady
	s.mu.Unlock()

	s.log.Info("ready", "kind", kind, "name", att.Name)
	s.emit(Event{Type: EventReady, Kind: kind, State: StateReady})
	cp := *att
	return &cp, nil
}

func (s *Session) attach(ctx context.Context, b Backend, ref string) (att *Attachment, err error) {
	defer func() {
		if r := recover(); r != nil {
			att, err = nil, newError(AttachmentFailed, "backend panicked", fmt.Errorf("%v", r))
		}
	}()
	att, err = b.Attach(ctx, ref)
	if err == nil && att == nil {
		err = newError(AttachmentFailed, "backend attached nothing", nil)
	}
	return att, err
}

func (s *Session) teardown(b Backend) {
	if b == nil {
		return
	}
	safely(func() {
		if err := b.Detach(); err != nil {
			s.log.Debug("detach", "kind", b.Kind(), "error", err)
		}
	})
}

func (s *Session) resetLocked() {
	s.playing = false
	s.fullscreen = false
	s.currentTime, s.duration = 0, 0
	s.lastErr = nil
}

func controllable(st State) bool {
	return st == StateReady || st == StatePlaying || st == StatePaused
}

// control runs op on the attached backend and, if it went through and the
// session still holds the same load, applies mutate under the lock.
func (s *Session) control(op Op, mutate func() []Event) {
	s.mu.Lock()
	if s.backend == nil || !controllable(s.state) {
		s.mu.Unlock()
		return
	}
	b, gen := s.backend, s.gen
	s.mu.Unlock()

	var (
		call Call
		err  error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("backend panicked: %v", r)
			}
		}()
		call, err = b.Control(op)
	}()
	if err != nil {
		s.log.Debug("control failed", "op", op.Name, "error", err)
		s.emitError(asError(err))
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.backend != b {
		s.mu.Unlock()
		return
	}
	events := mutate()
	s.mu.Unlock()

	s.emit(Event{Type: EventCall, Call: &call})
	for _, ev := range events {
		s.emit(ev)
	}
}

func (s *Session) Play() {
	s.control(Op{Name: OpPlay}, func() []Event {
		s.playing = true
		s.state = StatePlaying
		return []Event{{Type: EventStateChange, State: StatePlaying}}
	})
}

func (s *Session) Pause() {
	s.control(Op{Name: OpPause}, func() []Event {
		s.playing = false
		s.state = StatePaused
		return []Event{{Type: EventStateChange, State: StatePaused}}
	})
}

func (s *Session) TogglePlay() {
	s.mu.Lock()
	playing := s.playing
	s.mu.Unlock()
	if playing {
		s.Pause()
	} else {
		s.Play()
	}
}

// Seek moves to t seconds, clamped to [0, duration] when the duration is known.
func (s *Session) Seek(t float64) {
	s.mu.Lock()
	t = clampSeek(t, s.duration)
	s.mu.Unlock()
	s.control(Op{Name: OpSeek, Value: t}, func() []Event {
		s.currentTime = t
		return []Event{{Type: EventTimeUpdate, CurrentTime: t, Duration: s.duration}}
	})
}

// SeekBy seeks relative to the current position.
func (s *Session) SeekBy(delta float64) {
	s.mu.Lock()
	t := s.currentTime + delta
	s.mu.Unlock()
	s.Seek(t)
}

func (s *Session) SetVolume(v float64) {
	v = clamp01(v)
	s.control(Op{Name: OpVolume, Value: v}, func() []Event {
		s.volume = v
		return []Event{{Type: EventVolumeChange, Volume: v, Muted: s.muted}}
	})
}

// AdjustVolume changes the volume by delta, clamped to [0,1].
func (s *Session) AdjustVolume(delta float64) {
	s.mu.Lock()
	v := s.volume + delta
	s.mu.Unlock()
	s.SetVolume(math.Round(v*100) / 100)
}

// ToggleMute flips muted without touching the volume level, so unmuting
// restores whatever volume was set before.
func (s *Session) ToggleMute() {
	s.mu.Lock()
	next := !s.muted
	s.mu.Unlock()
	s.control(Op{Name: OpMute, Flag: next}, func() []Event {
		s.muted = next
		return []Event{{Type: EventVolumeChange, Volume: s.volume, Muted: next}}
	})
}

// SetPlaybackRate passes rate through unbounded.
func (s *Session) SetPlaybackRate(rate float64) {
	s.control(Op{Name: OpRate, Value: rate}, func() []Event {
		s.rate = rate
		return nil
	})
}

func (s *Session) ToggleFullscreen() {
	s.mu.Lock()
	next := !s.fullscreen
	s.mu.Unlock()
	s.control(Op{Name: OpFullscreen, Flag: next}, func() []Event {
		s.fullscreen = next
		return nil
	})
}

// ReportProgress records what the client's media element is doing.
func (s *Session) ReportProgress(currentTime, duration float64, ended bool) {
	s.mu.Lock()
	if s.backend == nil || !controllable(s.state) {
		s.mu.Unlock()
		return
	}
	if duration > 0 && !math.IsInf(duration, 0) {
		s.duration = duration
	}
	s.currentTime = clampSeek(currentTime, s.duration)
	if ended {
		s.playing = false
		s.state = StatePaused
	}
	ct, dur := s.currentTime, s.duration
	snap := s.snapshotLocked()
	snap.Ended = ended
	s.mu.Unlock()

	s.emit(Event{Type: EventTimeUpdate, CurrentTime: ct, Duration: dur})
	if ended {
		s.emit(Event{Type: EventEnded, CurrentTime: ct, Duration: dur})
		s.emit(Event{Type: EventStateChange, State: StatePaused})
	}
	if s.cfg.OnProgress != nil {
		safely(func() { s.cfg.OnProgress(snap) })
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:          s.cfg.ID,
		Subject:     s.cfg.Subject,
		State:       s.state,
		Kind:        s.kind,
		Ref:         s.ref,
		Playing:     s.playing,
		Muted:       s.muted,
		Fullscreen:  s.fullscreen,
		CurrentTime: s.currentTime,
		Duration:    s.duration,
		Volume:      s.volume,
		Rate:        s.rate,
		Error:       s.lastErr,
	}
	if s.att != nil {
		cp := *s.att
		snap.Media = &cp
	}
	return snap
}

// Media returns the live attachment for byte streaming, if any.
func (s *Session) Media() (*Attachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.att == nil {
		return nil, false
	}
	return s.att, true
}

// Close detaches everything and ends the event feed. Later loads fail.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	old, pending := s.backend, s.pending
	s.backend, s.pending, s.att = nil, nil, nil
	s.resetLocked()
	s.state = StateIdle
	s.mu.Unlock()

	s.teardown(old)
	s.teardown(pending)
	s.bus.close()
}

func (s *Session) emitError(pe *Error) {
	s.emit(Event{Type: EventError, ErrorKind: pe.Kind, Message: pe.Message})
}

func (s *Session) emit(ev Event) {
	ev.SessionID = s.cfg.ID
	ev.At = time.Now()
	if ev.Kind == "" {
		s.mu.Lock()
		ev.Kind = s.kind
		s.mu.Unlock()
	}
	s.bus.publish(ev)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampSeek(t, duration float64) float64 {
	if math.IsNaN(t) || t < 0 {
		return 0
	}
	if duration > 0 && t > duration {
		return duration
	}
	return t
}

func safely(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
