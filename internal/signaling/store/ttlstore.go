// Package store provides generic in-memory storage with TTL support.
package store

import (
	"sync"
	"time"
)

type record[V any] struct {
	value     V
	expiresAt time.Time
}

func (r *record[V]) expired(now time.Time) bool {
	return now.After(r.expiresAt)
}

// TTLStore is an in-memory map whose entries expire after a per-entry TTL.
// Expired entries are dropped lazily on read and by a periodic sweep; the
// sweep collects expired keys under the lock and fires the eviction callback
// outside it.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*record[V]
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	onEvict  func(key K, value V)
}

// New creates a TTL store and starts its sweep goroutine.
func New[K comparable, V any](sweepInterval time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*record[V]),
		interval: sweepInterval,
		stopCh:   make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// SetOnEvict registers a callback fired for entries removed by the sweep
// (not by Delete or DeleteFunc).
func (s *TTLStore[K, V]) SetOnEvict(fn func(key K, value V)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

// Set stores a value that expires after ttl. An existing entry is replaced.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	s.items[key] = &record[V]{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

// Get returns the value for key. An expired entry is removed on the spot and
// reported as absent.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if r.expired(time.Now()) {
		delete(s.items, key)
		var zero V
		return zero, false
	}
	return r.value, true
}

// Delete removes key. Returns whether a live entry was removed.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.items[key]
	if !ok {
		return false
	}
	delete(s.items, key)
	return !r.expired(time.Now())
}

// DeleteFunc removes every live entry matching pred and returns the count.
func (s *TTLStore[K, V]) DeleteFunc(pred func(key K, value V) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, r := range s.items {
		if r.expired(now) {
			delete(s.items, key)
			continue
		}
		if pred(key, r.value) {
			delete(s.items, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, r := range s.items {
		if !r.expired(now) {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of all live entries.
func (s *TTLStore[K, V]) Snapshot() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make(map[K]V, len(s.items))
	for key, r := range s.items {
		if !r.expired(now) {
			out[key] = r.value
		}
	}
	return out
}

// Close stops the sweep goroutine. Safe to call more than once.
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *TTLStore[K, V]) sweepLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep removes expired entries, then fires eviction callbacks outside the
// critical section.
func (s *TTLStore[K, V]) sweep() {
	now := time.Now()

	type evicted struct {
		key   K
		value V
	}
	var dropped []evicted

	s.mu.Lock()
	for key, r := range s.items {
		if r.expired(now) {
			dropped = append(dropped, evicted{key, r.value})
			delete(s.items, key)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, e := range dropped {
			onEvict(e.key, e.value)
		}
	}
}
