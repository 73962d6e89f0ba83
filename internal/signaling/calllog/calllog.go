// Package calllog persists per-session call records. It is a write-through
// collaborator of the signaling core: writes are fire-and-forget and a
// failure here never blocks or reverses signaling state.
package calllog

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is one call attempt, keyed by its session id.
type Record struct {
	ID              uint       `gorm:"primaryKey" json:"-"`
	SessionID       string     `gorm:"uniqueIndex;size:191" json:"session_id"`
	CallerID        string     `gorm:"index;size:191" json:"caller_id"`
	CalleeID        string     `gorm:"index;size:191" json:"callee_id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
}

// Store writes call records through GORM.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the call-log database at path.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open call log db: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate call log: %w", err)
	}
	return &Store{db: db}, nil
}

// CallStarted creates the record for a new call attempt. A repeated start
// for the same session id updates the existing row rather than failing.
func (s *Store) CallStarted(sessionID, caller, callee string, at time.Time) error {
	rec := Record{
		SessionID: sessionID,
		CallerID:  caller,
		CalleeID:  callee,
		StartedAt: at,
	}
	err := s.db.Where(Record{SessionID: sessionID}).
		Assign(rec).
		FirstOrCreate(&Record{}).Error
	if err != nil {
		return fmt.Errorf("record call start %s: %w", sessionID, err)
	}
	return nil
}

// CallEnded finalizes the record with end time and duration. Ending an
// unknown session is a no-op: the start write may have been lost, and the
// log must stay fire-and-forget.
func (s *Store) CallEnded(sessionID string, at time.Time) error {
	var rec Record
	err := s.db.Where("session_id = ?", sessionID).First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			slog.Debug("[CallLog] End for unknown session ignored", "session_id", sessionID)
			return nil
		}
		return fmt.Errorf("load call record %s: %w", sessionID, err)
	}
	if rec.EndedAt != nil {
		return nil // already finalized
	}

	ended := at
	rec.EndedAt = &ended
	rec.DurationSeconds = int(at.Sub(rec.StartedAt) / time.Second)
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("record call end %s: %w", sessionID, err)
	}
	return nil
}

// ForIdentity returns records where identity was caller or callee, newest
// first.
func (s *Store) ForIdentity(identity string) ([]Record, error) {
	var recs []Record
	err := s.db.
		Where("caller_id = ? OR callee_id = ?", identity, identity).
		Order("started_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list call records for %s: %w", identity, err)
	}
	return recs, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Noop discards all writes. Used when the call log is disabled.
type Noop struct{}

// CallStarted implements the recorder contract as a no-op.
func (Noop) CallStarted(string, string, string, time.Time) error { return nil }

// CallEnded implements the recorder contract as a no-op.
func (Noop) CallEnded(string, time.Time) error { return nil }
