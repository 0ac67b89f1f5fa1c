package player

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

type ManagerConfig struct {
	Factory    BackendFactory
	Origin     string
	StreamURL  func(sessionID string) string
	StaleAfter time.Duration // sessions idle longer than this are closed
	ReapEvery  time.Duration
	Logger     hclog.Logger
	OnProgress func(Snapshot)
}

// Manager hands out sessions by id and reaps the ones nobody touches.
type Manager struct {
	cfg ManagerConfig
	log hclog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	s        *Session
	lastSeen time.Time
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.ReapEvery <= 0 {
		cfg.ReapEvery = cfg.StaleAfter / 4
	}
	lg := cfg.Logger
	if lg == nil {
		lg = hclog.NewNullLogger()
	}
	m := &Manager{
		cfg:      cfg,
		log:      lg.Named("player"),
		sessions: make(map[string]*entry),
		stopCh:   make(chan struct{}),
	}
	go m.reaper()
	return m
}

func (m *Manager) Create(subject string) *Session {
	id := uuid.NewString()
	s := NewSession(SessionConfig{
		ID:         id,
		Subject:    subject,
		Factory:    m.cfg.Factory,
		Origin:     m.cfg.Origin,
		StreamURL:  m.cfg.StreamURL,
		Logger:     m.log,
		OnProgress: m.cfg.OnProgress,
	})
	m.mu.Lock()
	m.sessions[id] = &entry{s: s, lastSeen: time.Now()}
	n := len(m.sessions)
	m.mu.Unlock()
	m.log.Info("session created", "session", id, "subject", subject, "live", n)
	return s
}

// Get returns the session and renews its lease.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	e.lastSeen = time.Now()
	return e.s, true
}

func (m *Manager) Touch(id string) bool {
	_, ok := m.Get(id)
	return ok
}

func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	safely(e.s.Close)
	m.log.Info("session closed", "session", id)
	return true
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops the reaper and closes every session.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()
	for _, e := range all {
		safely(e.s.Close)
	}
}

func (m *Manager) reaper() {
	t := time.NewTicker(m.cfg.ReapEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.reap(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) reap(now time.Time) int {
	var stale []*Session
	m.mu.Lock()
	for id, e := range m.sessions {
		if now.Sub(e.lastSeen) > m.cfg.StaleAfter {
			stale = append(stale, e.s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	// close outside the lock; Detach may block on network teardown
	for _, s := range stale {
		m.log.Info("reaper: closing idle session", "session", s.ID())
		safely(s.Close)
	}
	return len(stale)
}
