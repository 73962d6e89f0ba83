// Package occupancy tracks which identities are currently committed to an
// active call session.
package occupancy

import (
	"log/slog"
	"time"

	"github.com/sebas/patchbay/internal/signaling/store"
)

const (
	// MaxCallDuration caps how long an occupancy entry may live. Entries
	// older than this are reclaimed even if the end-call event was lost.
	MaxCallDuration = time.Hour
	// SweepInterval is how often the background reclamation sweep runs.
	SweepInterval = 5 * time.Minute
)

// Call is the in-progress call metadata held per occupied identity.
// The two legs of a session are written by two separate Mark calls, so a
// transient state where only one leg exists is possible and must be
// tolerated by readers.
type Call struct {
	SessionID string    `json:"session_id"`
	Partner   string    `json:"partner"`
	StartedAt time.Time `json:"started_at"`
}

// Tracker maps identity → Call with duration-capped entries.
// Reclamation has two independent safety nets: IsOccupied drops an
// over-age entry before answering, and the store's periodic sweep removes
// over-age entries regardless of query activity.
type Tracker struct {
	calls       *store.TTLStore[string, Call]
	maxDuration time.Duration
}

// Config bounds call lifetime and sweep cadence.
type Config struct {
	MaxCallDuration time.Duration
	SweepInterval   time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxCallDuration: MaxCallDuration,
		SweepInterval:   SweepInterval,
	}
}

// NewTracker creates a tracker and starts its reclamation sweep.
func NewTracker(cfg Config) *Tracker {
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = MaxCallDuration
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = SweepInterval
	}

	t := &Tracker{
		calls:       store.New[string, Call](cfg.SweepInterval),
		maxDuration: cfg.MaxCallDuration,
	}

	t.calls.SetOnEvict(func(identity string, c Call) {
		slog.Warn("[Occupancy] Reclaimed stale call",
			"identity", identity,
			"session_id", c.SessionID,
			"age", time.Since(c.StartedAt),
		)
	})

	return t
}

// Mark records that identity is committed to sessionID with partner.
// Unconditional upsert with the current time as start time; idempotent in
// effect when repeated for the same session.
func (t *Tracker) Mark(identity, sessionID, partner string) {
	t.calls.Set(identity, Call{
		SessionID: sessionID,
		Partner:   partner,
		StartedAt: time.Now(),
	}, t.maxDuration)

	slog.Info("[Occupancy] Marked", "identity", identity, "session_id", sessionID, "partner", partner)
}

// Clear removes the occupancy entry for identity, reporting whether one
// was removed.
func (t *Tracker) Clear(identity string) bool {
	removed := t.calls.Delete(identity)
	if removed {
		slog.Info("[Occupancy] Cleared", "identity", identity)
	}
	return removed
}

// ClearSession removes every entry (both legs) recorded under sessionID and
// returns the count. This is the primary teardown path: an end-call sender
// may only know the session id, not both identities.
func (t *Tracker) ClearSession(sessionID string) int {
	removed := t.calls.DeleteFunc(func(_ string, c Call) bool {
		return c.SessionID == sessionID
	})
	if removed > 0 {
		slog.Info("[Occupancy] Session cleared", "session_id", sessionID, "legs", removed)
	}
	return removed
}

// IsOccupied reports whether identity is committed to a call. An entry past
// the maximum call duration is reclaimed on the spot and reported false.
func (t *Tracker) IsOccupied(identity string) bool {
	_, ok := t.calls.Get(identity)
	return ok
}

// Lookup returns the call metadata for identity, if occupied.
func (t *Tracker) Lookup(identity string) (Call, bool) {
	return t.calls.Get(identity)
}

// Snapshot returns a read-only copy of all occupancy entries.
func (t *Tracker) Snapshot() map[string]Call {
	return t.calls.Snapshot()
}

// Count returns the number of occupied identities.
func (t *Tracker) Count() int {
	return t.calls.Len()
}

// Close stops the reclamation sweep.
func (t *Tracker) Close() {
	t.calls.Close()
}
