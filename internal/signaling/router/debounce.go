package router

import (
	"sync"
	"time"
)

// debouncer suppresses repeated notifications per key within a window.
// Keys expire lazily; there is no background goroutine because the map only
// ever holds one short-lived entry per identity that recently tripped a
// busy check.
type debouncer struct {
	mu     sync.Mutex
	window time.Duration
	fired  map[string]time.Time
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window: window,
		fired:  make(map[string]time.Time),
	}
}

// Allow reports whether a notification for key may fire now, and records the
// firing if so. Expired entries encountered on the way are dropped.
func (d *debouncer) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for k, at := range d.fired {
		if now.Sub(at) >= d.window {
			delete(d.fired, k)
		}
	}

	if at, ok := d.fired[key]; ok && now.Sub(at) < d.window {
		return false
	}
	d.fired[key] = now
	return true
}
