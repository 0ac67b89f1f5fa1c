// Package janitor keeps the torrent data directory under its size cap.
package janitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/belchote2025/stream-sub005/internal/torrentx"
)

type Config struct {
	Dir      string
	MaxBytes int64         // 0 disables the size cap
	TTL      time.Duration // 0 disables age-based removal
	Every    time.Duration

	// Held reports top-level names a live torrent is using; those are never removed.
	Held func() map[string]bool
}

type Janitor struct {
	cfg Config
	log hclog.Logger
	now func() time.Time
}

func New(cfg Config, logger hclog.Logger) *Janitor {
	if cfg.Every <= 0 {
		cfg.Every = 2 * time.Minute
	}
	if cfg.Held == nil {
		cfg.Held = func() map[string]bool { return nil }
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Janitor{cfg: cfg, log: logger.Named("janitor"), now: time.Now}
}

// Enabled is false when neither a cap nor a TTL is configured.
func (j *Janitor) Enabled() bool { return j.cfg.MaxBytes > 0 || j.cfg.TTL > 0 }

func (j *Janitor) Run(ctx context.Context) {
	t := time.NewTicker(j.cfg.Every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.Sweep()
		}
	}
}

// cand is one top-level entry of the data dir.
type cand struct {
	name string
	at   time.Time
	size int64
}

// Sweep removes expired entries, then evicts until the directory fits the
// cap. It returns the removed names in removal order.
func (j *Janitor) Sweep() []string {
	cands := j.scan()
	var removed []string
	now := j.now()

	if j.cfg.TTL > 0 {
		kept := cands[:0]
		for _, c := range cands {
			if now.Sub(c.at) > j.cfg.TTL {
				j.log.Info("dropping idle entry", "name", c.name, "age", now.Sub(c.at).Truncate(time.Second))
				if j.remove(c.name) {
					removed = append(removed, c.name)
					continue
				}
			}
			kept = append(kept, c)
		}
		cands = kept
	}

	max := j.cfg.MaxBytes
	if max <= 0 {
		return removed
	}
	used := torrentx.DirSize(j.cfg.Dir)
	for used > max {
		if len(cands) == 0 {
			j.log.Warn("cache over cap but nothing safe to evict; will retry later", "used", used, "max", max)
			break
		}
		i := pickBest(cands)
		best := cands[i]
		cands = append(cands[:i], cands[i+1:]...)
		j.log.Info("evicting", "name", best.name, "age", now.Sub(best.at).Truncate(time.Second), "size", best.size, "used", used, "max", max)
		if j.remove(best.name) {
			removed = append(removed, best.name)
		}
		used = torrentx.DirSize(j.cfg.Dir)
	}
	return removed
}

func (j *Janitor) scan() []cand {
	ents, err := os.ReadDir(j.cfg.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.log.Warn("read data dir", "dir", j.cfg.Dir, "error", err)
		}
		return nil
	}
	held := j.cfg.Held()
	var out []cand
	for _, e := range ents {
		name := e.Name()
		// piece-completion databases live alongside the data
		if strings.HasPrefix(name, ".") || held[name] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, cand{
			name: name,
			at:   info.ModTime(),
			size: torrentx.DirSize(filepath.Join(j.cfg.Dir, name)),
		})
	}
	return out
}

func (j *Janitor) remove(name string) bool {
	if err := os.RemoveAll(filepath.Join(j.cfg.Dir, name)); err != nil {
		j.log.Warn("remove failed", "name", name, "error", err)
		return false
	}
	return true
}

// pickBest prefers the oldest entry; entries within two minutes of each
// other go biggest first.
func pickBest(cands []cand) int {
	best := 0
	for i, x := range cands[1:] {
		b := cands[best]
		older := x.at.Before(b.at)
		closeAge := x.at.Sub(b.at)
		if closeAge < 0 {
			closeAge = -closeAge
		}
		bigger := x.size > b.size
		if older || (closeAge < 2*time.Minute && bigger) {
			best = i + 1
		}
	}
	return best
}
