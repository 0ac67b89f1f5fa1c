package janitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(t *testing.T, dir, name string, size int, at time.Time) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(p, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p, "video.mp4"), make([]byte, size), 0o644))
	require.NoError(t, os.Chtimes(p, at, at))
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func TestPickBest(t *testing.T) {
	base := time.Now()
	cands := []cand{
		{name: "new", at: base, size: 10},
		{name: "old", at: base.Add(-time.Hour), size: 5},
		{name: "old-big", at: base.Add(-time.Hour + time.Minute), size: 50},
	}
	assert.Equal(t, 2, pickBest(cands))
	assert.Equal(t, 0, pickBest(cands[:1]))
}

func TestSweepEvictsUntilUnderCap(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	entryAt(t, dir, "a", 400, now.Add(-3*time.Hour))
	entryAt(t, dir, "b", 400, now.Add(-2*time.Hour))
	entryAt(t, dir, "c", 400, now.Add(-1*time.Hour))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".torrent.db"), make([]byte, 400), 0o644))

	j := New(Config{Dir: dir, MaxBytes: 1000}, nil)
	removed := j.Sweep()
	assert.Equal(t, []string{"a", "b"}, removed)
	assert.True(t, exists(dir, "c"))
	assert.True(t, exists(dir, ".torrent.db"))
}

func TestSweepSkipsHeld(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	entryAt(t, dir, "playing", 800, now.Add(-5*time.Hour))
	entryAt(t, dir, "done", 300, now.Add(-time.Hour))

	j := New(Config{Dir: dir, MaxBytes: 500, Held: func() map[string]bool {
		return map[string]bool{"playing": true}
	}}, nil)
	assert.Equal(t, []string{"done"}, j.Sweep())
	assert.True(t, exists(dir, "playing"))

	// still over the cap but nothing left to take
	assert.Empty(t, j.Sweep())
}

func TestSweepTTL(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	entryAt(t, dir, "stale", 10, now.Add(-48*time.Hour))
	entryAt(t, dir, "fresh", 10, now.Add(-time.Minute))

	j := New(Config{Dir: dir, TTL: 24 * time.Hour}, nil)
	assert.True(t, j.Enabled())
	assert.Equal(t, []string{"stale"}, j.Sweep())
	assert.True(t, exists(dir, "fresh"))
}

func TestDisabledAndMissingDir(t *testing.T) {
	j := New(Config{Dir: filepath.Join(t.TempDir(), "nope")}, nil)
	assert.False(t, j.Enabled())
	assert.Empty(t, j.Sweep())
}
