package addon

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// State is the persisted row of one addon. Settings is an opaque blob.
type State struct {
	ID        string
	Enabled   bool
	Settings  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists enablement and settings by addon id.
type Store interface {
	GetState(ctx context.Context, id string) (State, bool, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	GetConfig(ctx context.Context, id string) ([]byte, bool, error)
	SetConfig(ctx context.Context, id string, blob []byte) error
}

type SQLStore struct{ DB *sql.DB }

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{DB: db} }

func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS addons (
  id         TEXT PRIMARY KEY,
  enabled    BOOLEAN NOT NULL DEFAULT TRUE,
  settings   TEXT NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

func (s *SQLStore) GetState(ctx context.Context, id string) (State, bool, error) {
	var st State
	var settings sql.NullString
	err := s.DB.QueryRowContext(ctx, `
SELECT id, enabled, settings, created_at, updated_at
FROM addons WHERE id=$1`, id).Scan(&st.ID, &st.Enabled, &settings, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return State{}, false, nil
		}
		return State{}, false, err
	}
	if settings.Valid {
		st.Settings = []byte(settings.String)
	}
	return st, true, nil
}

func (s *SQLStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO addons (id, enabled, created_at, updated_at)
VALUES ($1,$2, now(), now())
ON CONFLICT (id) DO UPDATE
SET enabled=EXCLUDED.enabled, updated_at=now()`, id, enabled)
	return err
}

func (s *SQLStore) GetConfig(ctx context.Context, id string) ([]byte, bool, error) {
	var settings sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT settings FROM addons WHERE id=$1`, id).Scan(&settings)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !settings.Valid {
		return nil, false, nil
	}
	return []byte(settings.String), true, nil
}

func (s *SQLStore) SetConfig(ctx context.Context, id string, blob []byte) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO addons (id, settings, created_at, updated_at)
VALUES ($1,$2, now(), now())
ON CONFLICT (id) DO UPDATE
SET settings=EXCLUDED.settings, updated_at=now()`, id, string(blob))
	return err
}

// MemoryStore keeps state for the life of the process. Used when no
// database is configured.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]State
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{rows: make(map[string]State)} }

func (m *MemoryStore) GetState(_ context.Context, id string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[id]
	return st, ok, nil
}

func (m *MemoryStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.row(id)
	st.Enabled = enabled
	m.rows[id] = st
	return nil
}

func (m *MemoryStore) GetConfig(_ context.Context, id string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[id]
	if !ok || st.Settings == nil {
		return nil, false, nil
	}
	return append([]byte(nil), st.Settings...), true, nil
}

func (m *MemoryStore) SetConfig(_ context.Context, id string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.row(id)
	st.Settings = append([]byte(nil), blob...)
	m.rows[id] = st
	return nil
}

// row returns the existing row or a fresh one with column defaults.
func (m *MemoryStore) row(id string) State {
	now := time.Now()
	st, ok := m.rows[id]
	if !ok {
		st = State{ID: id, Enabled: true, Settings: []byte("{}"), CreatedAt: now}
	}
	st.UpdatedAt = now
	return st
}
