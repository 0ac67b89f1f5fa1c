package torznab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/belchote2025/stream-sub005/pkg/types"
)

// Cache keeps indexer answers in search_cache so repeated stream lookups do
// not hit the indexer.
type Cache struct {
	DB  *sql.DB
	TTL time.Duration
}

func (c *Cache) Migrate(ctx context.Context) error {
	_, err := c.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS search_cache (
  key        TEXT PRIMARY KEY,
  candidates JSONB NOT NULL,
  fetched_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	return err
}

func cacheKey(query string, season, episode int) string {
	return strings.ToLower(strings.TrimSpace(query)) + "|S" + pad2(season) + "E" + pad2(episode)
}

func (c *Cache) Get(ctx context.Context, key string) ([]types.Candidate, bool, error) {
	var raw []byte
	err := c.DB.QueryRowContext(ctx, `
SELECT candidates FROM search_cache
WHERE key=$1 AND fetched_at > $2`, key, time.Now().Add(-c.TTL)).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var out []types.Candidate
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, nil
	}
	return out, true, nil
}

func (c *Cache) Put(ctx context.Context, key string, cands []types.Candidate) error {
	raw, err := json.Marshal(cands)
	if err != nil {
		return err
	}
	_, err = c.DB.ExecContext(ctx, `
INSERT INTO search_cache (key, candidates, fetched_at) VALUES ($1,$2,now())
ON CONFLICT (key) DO UPDATE SET candidates=EXCLUDED.candidates, fetched_at=now()`, key, raw)
	return err
}
