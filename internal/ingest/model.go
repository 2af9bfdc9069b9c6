package ingest

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventStatus is the staged event lifecycle on the server.
type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusApplying  EventStatus = "applying"
	StatusProcessed EventStatus = "processed"
	StatusFailed    EventStatus = "failed"
	StatusDead      EventStatus = "dead"
)

// StagedEvent is one accepted terminal event awaiting (or past) application.
// EventID is the client-generated idempotency key; Seq orders events within
// their device.
type StagedEvent struct {
	EventID       uuid.UUID
	DeviceID      uuid.UUID
	CompanyID     uuid.UUID
	Seq           int64
	EventType     EventType
	Payload       json.RawMessage
	CreatedAt     time.Time
	Status        EventStatus
	AttemptCount  int
	LastError     *string
	NextAttemptAt *time.Time
	ProcessedAt   *time.Time
}

// ResultStatus is the per-event outcome of a push batch.
type ResultStatus string

const (
	ResultAcked     ResultStatus = "acked"
	ResultDuplicate ResultStatus = "duplicate"
	ResultRejected  ResultStatus = "rejected"
)

// PushResult reports the guard's decision for one submitted event.
type PushResult struct {
	EventID uuid.UUID    `json:"event_id"`
	Status  ResultStatus `json:"status"`
	Reason  string       `json:"reason,omitempty"`
}

// InboundEvent is one event as submitted by the terminal.
type InboundEvent struct {
	EventID   uuid.UUID       `json:"event_id"`
	Seq       int64           `json:"seq"`
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
