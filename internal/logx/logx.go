package logx

import (
	"io"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// hclog prefixes every line with an RFC3339-ish timestamp; two otherwise
// identical lines never compare equal unless it is stripped from the key.
var tsPrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?([+-]\d{2}:?\d{2}|Z)?\s+`)

// Combined filter + de-dup writer.
// - allowPattern (optional): if set, only lines matching it pass
// - denyPattern  (optional): lines matching it are dropped
// - window: drop identical lines seen within this window (de-dup)
type Writer struct {
	dst         io.Writer
	allow, deny *regexp.Regexp
	window      time.Duration
	now         func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
	dropped  atomic.Int64
}

func New(dst io.Writer, window time.Duration, allowPattern, denyPattern string) *Writer {
	return &Writer{
		dst:      dst,
		allow:    compileSoft(allowPattern),
		deny:     compileSoft(denyPattern),
		window:   window,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

// compileSoft ignores empty and invalid patterns.
func compileSoft(p string) *regexp.Regexp {
	if strings.TrimSpace(p) == "" {
		return nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil
	}
	return re
}

func (w *Writer) Write(p []byte) (int, error) {
	line := string(p)
	key := tsPrefix.ReplaceAllString(strings.TrimRight(line, "\r\n"), "")

	if w.deny != nil && w.deny.MatchString(key) {
		w.dropped.Add(1)
		return len(p), nil
	}
	if w.allow != nil && !w.allow.MatchString(key) {
		w.dropped.Add(1)
		return len(p), nil
	}

	if w.window > 0 {
		now := w.now()
		w.mu.Lock()
		if last, ok := w.lastSeen[key]; ok && now.Sub(last) < w.window {
			w.mu.Unlock()
			w.dropped.Add(1)
			return len(p), nil
		}
		w.lastSeen[key] = now
		if len(w.lastSeen) > 4096 {
			w.pruneLocked(now)
		}
		w.mu.Unlock()
	}

	return w.dst.Write(p)
}

// Dropped reports how many lines were filtered or de-duplicated.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

func (w *Writer) pruneLocked(now time.Time) {
	for k, seen := range w.lastSeen {
		if now.Sub(seen) >= w.window {
			delete(w.lastSeen, k)
		}
	}
}
