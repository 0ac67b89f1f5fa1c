// Package history persists playback positions per subject so a client can
// resume where it left off.
package history

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/belchote2025/stream-sub005/internal/player"
)

// ResumeRewind is subtracted from the stored position on resume.
const ResumeRewind = 10

type Store struct{ DB *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS playback_history (
  subject_id  TEXT NOT NULL,
  content_ref TEXT NOT NULL,
  kind        TEXT NOT NULL DEFAULT '',
  position_s  INTEGER NOT NULL DEFAULT 0,
  duration_s  INTEGER NOT NULL DEFAULT 0,
  percent     DOUBLE PRECISION NOT NULL DEFAULT 0,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (subject_id, content_ref)
)`)
	return err
}

func (s *Store) SaveProgress(ctx context.Context, subjectID, ref, kind string, pos, dur int) error {
	percent := 0.0
	if dur > 0 {
		percent = float64(pos) / float64(dur) * 100.0
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO playback_history (subject_id, content_ref, kind, position_s, duration_s, percent, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6, now(), now())
ON CONFLICT (subject_id, content_ref) DO UPDATE
SET kind=EXCLUDED.kind, position_s=EXCLUDED.position_s, duration_s=EXCLUDED.duration_s, percent=EXCLUDED.percent, updated_at=now()`,
		subjectID, ref, kind, pos, dur, percent)
	return err
}

type Entry struct {
	Ref       string    `json:"ref"`
	Kind      string    `json:"kind,omitempty"`
	PositionS int       `json:"position_s"`
	DurationS int       `json:"duration_s"`
	Percent   float64   `json:"percent"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetResume returns the stored entry with PositionS already rewound.
func (s *Store) GetResume(ctx context.Context, subjectID, ref string) (Entry, bool, error) {
	var e Entry
	err := s.DB.QueryRowContext(ctx, `
SELECT content_ref, kind, position_s, duration_s, percent, updated_at
FROM playback_history
WHERE subject_id=$1 AND content_ref=$2`,
		subjectID, ref).Scan(&e.Ref, &e.Kind, &e.PositionS, &e.DurationS, &e.Percent, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e.PositionS -= ResumeRewind
	if e.PositionS < 0 {
		e.PositionS = 0
	}
	return e, true, nil
}

// ListRecent lists unfinished entries (1-95%) newest first.
func (s *Store) ListRecent(ctx context.Context, subjectID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT content_ref, kind, position_s, duration_s, percent, updated_at
FROM playback_history
WHERE subject_id=$1
  AND percent BETWEEN 1 AND 95
ORDER BY updated_at DESC
LIMIT $2`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Ref, &e.Kind, &e.PositionS, &e.DurationS, &e.Percent, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Forget(ctx context.Context, subjectID, ref string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM playback_history WHERE subject_id=$1 AND content_ref=$2`, subjectID, ref)
	return err
}

// Recorder turns session progress reports into SaveProgress calls, writing
// at most once per Every for each session. Ended playback is always written.
type Recorder struct {
	Store *Store
	Every time.Duration
	Log   hclog.Logger

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewRecorder(store *Store, every time.Duration, logger hclog.Logger) *Recorder {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Recorder{Store: store, Every: every, Log: logger.Named("history"), last: map[string]time.Time{}, now: time.Now}
}

// Record matches player.SessionConfig.OnProgress.
func (r *Recorder) Record(snap player.Snapshot) {
	if snap.Subject == "" || snap.Ref == "" {
		return
	}
	ended := snap.Ended || (snap.Duration > 0 && snap.CurrentTime >= snap.Duration)
	now := r.now()
	r.mu.Lock()
	if prev, ok := r.last[snap.ID]; ok && !ended && now.Sub(prev) < r.Every {
		r.mu.Unlock()
		return
	}
	r.last[snap.ID] = now
	if len(r.last) > 256 {
		for id, t := range r.last {
			if now.Sub(t) > time.Hour {
				delete(r.last, id)
			}
		}
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pos, dur := int(math.Round(snap.CurrentTime)), int(math.Round(snap.Duration))
	if err := r.Store.SaveProgress(ctx, snap.Subject, snap.Ref, string(snap.Kind), pos, dur); err != nil {
		r.Log.Warn("save progress", "session", snap.ID, "ref", snap.Ref, "error", err)
	}
}
