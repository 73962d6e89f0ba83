// Package presence tracks which identities currently have a live, addressable
// transport connection.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Entry binds an identity to the transport address of its live connection.
type Entry struct {
	Identity    string    `json:"identity"`
	Address     string    `json:"address"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Registry is the authoritative identity → transport address map.
// One entry per identity; a reconnect overwrites the previous address
// (last-write-wins). All mutations are serialized by a single mutex.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	changeMu sync.RWMutex
	onChange func(identities []string)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// SetOnChange registers a callback fired with the updated snapshot after
// every effective mutation. Used to broadcast online-users to all clients.
func (r *Registry) SetOnChange(fn func(identities []string)) {
	r.changeMu.Lock()
	r.onChange = fn
	r.changeMu.Unlock()
}

// Set upserts the address for an identity, superseding any prior entry.
func (r *Registry) Set(identity, address string) {
	r.mu.Lock()
	prev := r.entries[identity]
	r.entries[identity] = &Entry{
		Identity:    identity,
		Address:     address,
		ConnectedAt: time.Now(),
	}
	r.mu.Unlock()

	if prev != nil && prev.Address != address {
		slog.Debug("[Presence] Address superseded", "identity", identity, "old", prev.Address, "new", address)
	} else {
		slog.Info("[Presence] Online", "identity", identity, "address", address)
	}

	r.notify()
}

// Clear removes the entry for identity only if the stored address matches.
// A stale offline or disconnect for a superseded connection must not remove
// the newer entry. Returns whether a removal happened.
func (r *Registry) Clear(identity, address string) bool {
	r.mu.Lock()
	entry, ok := r.entries[identity]
	if !ok || entry.Address != address {
		r.mu.Unlock()
		if ok {
			slog.Debug("[Presence] Stale offline ignored", "identity", identity, "address", address, "current", entry.Address)
		}
		return false
	}
	delete(r.entries, identity)
	r.mu.Unlock()

	slog.Info("[Presence] Offline", "identity", identity, "address", address)
	r.notify()
	return true
}

// Resolve returns the transport address for identity. An absent entry means
// the identity is unreachable; that is a normal outcome, not a fault.
func (r *Registry) Resolve(identity string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[identity]
	if !ok {
		return "", false
	}
	return entry.Address, true
}

// Identities returns a sorted snapshot of all reachable identities.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Snapshot returns a copy of all entries, keyed by identity.
func (r *Registry) Snapshot() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Entry, len(r.entries))
	for id, e := range r.entries {
		out[id] = *e
	}
	return out
}

// Count returns the number of reachable identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) notify() {
	r.changeMu.RLock()
	fn := r.onChange
	r.changeMu.RUnlock()

	if fn != nil {
		fn(r.Identities())
	}
}
