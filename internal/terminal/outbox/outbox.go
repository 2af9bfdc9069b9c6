// Package outbox is the terminal-local durable queue. Every completed
// business action lands here in the same commit as the operator action, and
// stays until the server acknowledges it. The terminal remains fully
// operational with no connectivity; the outbox just grows.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Status tracks an event through the push cycle.
type Status string

const (
	// StatusPending waits for the next push batch.
	StatusPending Status = "pending"
	// StatusSent is in flight; a crash resets it to pending on restart.
	StatusSent Status = "sent"
	// StatusAcked is server-confirmed and awaits pruning.
	StatusAcked Status = "acked"
	// StatusRejected was refused by the server and needs local review.
	StatusRejected Status = "rejected"
)

// Event is one queued terminal event. Seq is assigned locally and strictly
// increases per device; the server applies events in Seq order.
type Event struct {
	EventID   string `gorm:"primaryKey;size:36"`
	Seq       int64  `gorm:"uniqueIndex;not null"`
	EventType string `gorm:"size:64;not null;index:idx_outbox_status_seq,priority:2"`
	Payload   []byte `gorm:"not null"`
	Status    Status `gorm:"size:16;not null;default:pending;index:idx_outbox_status_seq,priority:1"`
	Attempts  int    `gorm:"not null;default:0"`
	LastError string
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName keeps the table name stable across gorm naming changes.
func (Event) TableName() string { return "outbox_events" }

// Store wraps the SQLite-backed queue.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open creates or opens the outbox database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("outbox: migrate: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// OpenWithDB wraps an existing gorm handle, for tests.
func OpenWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("outbox: migrate: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// WithNow overrides the clock in tests.
func (s *Store) WithNow(now func() time.Time) {
	s.now = now
}

// Enqueue appends one event with the next local sequence number. The event id
// is generated here and never changes, making retries idempotent end to end.
func (s *Store) Enqueue(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("outbox: encode payload: %w", err)
	}
	ev := Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Payload:   data,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&Event{}).Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		ev.Seq = maxSeq + 1
		return tx.Create(&ev).Error
	})
	if err != nil {
		return Event{}, fmt.Errorf("outbox: enqueue: %w", err)
	}
	return ev, nil
}

// NextBatch returns up to limit pending events in sequence order and marks
// them sent. Crash recovery: call ResetInFlight before the first batch.
func (s *Store) NextBatch(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	var events []Event
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ?", StatusPending).
			Order("seq ASC").Limit(limit).Find(&events).Error; err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		ids := make([]string, len(events))
		for i, ev := range events {
			ids[i] = ev.EventID
		}
		return tx.Model(&Event{}).Where("event_id IN ?", ids).
			Updates(map[string]any{"status": StatusSent, "attempts": gorm.Expr("attempts + 1")}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: next batch: %w", err)
	}
	return events, nil
}

// ResetInFlight returns sent events to pending. Runs at startup and after a
// failed push; events acked by the server will dedupe on resend.
func (s *Store) ResetInFlight() error {
	return s.db.Model(&Event{}).Where("status = ?", StatusSent).
		Update("status", StatusPending).Error
}

// Ack marks one event acknowledged.
func (s *Store) Ack(eventID string) error {
	return s.db.Model(&Event{}).Where("event_id = ?", eventID).
		Update("status", StatusAcked).Error
}

// AckThrough acknowledges every event at or below the server watermark.
// Catches events whose individual ack response was lost.
func (s *Store) AckThrough(seq int64) error {
	return s.db.Model(&Event{}).
		Where("seq <= ? AND status IN ?", seq, []Status{StatusPending, StatusSent}).
		Update("status", StatusAcked).Error
}

// MarkRejected parks one event for local review with the server's reason.
func (s *Store) MarkRejected(eventID, reason string) error {
	return s.db.Model(&Event{}).Where("event_id = ?", eventID).
		Updates(map[string]any{"status": StatusRejected, "last_error": reason}).Error
}

// PruneAcked deletes acknowledged events older than the retention window.
func (s *Store) PruneAcked(olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	res := s.db.Where("status = ? AND created_at < ?", StatusAcked, cutoff).Delete(&Event{})
	return res.RowsAffected, res.Error
}

// PendingCount reports the backlog size for the terminal status display.
func (s *Store) PendingCount() (int64, error) {
	var n int64
	err := s.db.Model(&Event{}).Where("status = ?", StatusPending).Count(&n).Error
	return n, err
}

// Rejected lists parked events for review.
func (s *Store) Rejected() ([]Event, error) {
	var events []Event
	err := s.db.Where("status = ?", StatusRejected).Order("seq ASC").Find(&events).Error
	return events, err
}

// Get fetches one event by id.
func (s *Store) Get(eventID string) (Event, error) {
	var ev Event
	err := s.db.First(&ev, "event_id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, fmt.Errorf("outbox: event %s not found", eventID)
	}
	return ev, err
}
