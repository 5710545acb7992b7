package trigger

import (
	"sync"
	"time"
)

// Default suppression timings.
const (
	DefaultDebounceWindow = 1500 * time.Millisecond
	DefaultPurgeAfter     = 60 * time.Second
)

// DebounceTracker suppresses repeats of a key within a short window.
// It is safe for concurrent use.
type DebounceTracker struct {
	mu         sync.Mutex
	window     time.Duration
	purgeAfter time.Duration
	now        func() time.Time
	seen       map[string]time.Time
}

// NewDebounceTracker returns a tracker with the given window. Entries older
// than purgeAfter are dropped opportunistically.
func NewDebounceTracker(window, purgeAfter time.Duration) *DebounceTracker {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if purgeAfter < window {
		purgeAfter = DefaultPurgeAfter
	}
	return &DebounceTracker{
		window:     window,
		purgeAfter: purgeAfter,
		now:        time.Now,
		seen:       make(map[string]time.Time),
	}
}

// Allow reports whether key has not been seen within the window, and if so
// records it as seen now.
func (d *DebounceTracker) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false
	}
	for k, t := range d.seen {
		if now.Sub(t) > d.purgeAfter {
			delete(d.seen, k)
		}
	}
	d.seen[key] = now
	return true
}

// Forget removes key so the next Allow for it succeeds.
func (d *DebounceTracker) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Len returns the number of tracked keys.
func (d *DebounceTracker) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
