package ingest

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cedarledger/cedarledger/internal/tenant"
)

// ErrEventNotFound indicates the staged event does not exist in the scope.
var ErrEventNotFound = errors.New("ingest: event not found")

// Repository persists the staged event queue and the per-device watermark.
// The event_id primary key is the durable processed-set: a replayed event hits
// the conflict and is reported duplicate without reapplying.
type Repository interface {
	Stage(ctx context.Context, scope tenant.Scope, deviceID uuid.UUID, ev InboundEvent) (bool, error)
	// FetchNextDue claims due events whose device has no earlier
	// unprocessed event, preserving strict per-device order. Claimed
	// events move to applying so no other worker picks them up while
	// this one holds them.
	FetchNextDue(ctx context.Context, limit int) ([]StagedEvent, error)
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempt int, reason string, nextAttempt *time.Time, dead bool) error
	// FinishApplied marks the event processed and advances the device
	// watermark in one scoped transaction.
	FinishApplied(ctx context.Context, scope tenant.Scope, deviceID, eventID uuid.UUID, seq int64) error
	Watermark(ctx context.Context, scope tenant.Scope, deviceID uuid.UUID) (int64, error)
	Requeue(ctx context.Context, scope tenant.Scope, eventID uuid.UUID) error
	List(ctx context.Context, scope tenant.Scope, filter ListFilter) ([]StagedEvent, error)
}

// ListFilter narrows operator queue queries.
type ListFilter struct {
	Status   EventStatus
	DeviceID *uuid.UUID
	Limit    int
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed ingest repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const eventColumns = `event_id, device_id, company_id, seq, event_type, payload, created_at,
status, attempt_count, last_error, next_attempt_at, processed_at`

func (r *repository) Stage(ctx context.Context, scope tenant.Scope, deviceID uuid.UUID, ev InboundEvent) (bool, error) {
	cmd, err := r.db.Exec(ctx, `INSERT INTO pos_events
(event_id, device_id, company_id, seq, event_type, payload, created_at, status, attempt_count)
VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0)
ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, deviceID, scope.CompanyID, ev.Seq, ev.EventType, ev.Payload, ev.CreatedAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// claimLease bounds how long a claimed event stays invisible to other
// workers. A worker that dies mid-apply loses its claim after the lease and
// the event is picked up again; application is idempotent, so a rare double
// apply after a crash is safe.
const claimLease = "5 minutes"

func (r *repository) FetchNextDue(ctx context.Context, limit int) ([]StagedEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	// Claim and fetch in one statement: the CTE locks candidate rows
	// (SKIP LOCKED keeps concurrent workers off each other) and the UPDATE
	// flips them to applying, so the claim survives past this query instead
	// of evaporating when the row locks are released. The NOT EXISTS gate
	// treats claimed-but-unfinished earlier events as unprocessed, keeping
	// per-device order strict across workers.
	rows, err := r.db.Query(ctx, `WITH due AS (
  SELECT e.event_id FROM pos_events e
  WHERE (e.status='pending'
     OR (e.status='failed' AND (e.next_attempt_at IS NULL OR e.next_attempt_at <= now()))
     OR (e.status='applying' AND e.next_attempt_at <= now()))
    AND NOT EXISTS (
      SELECT 1 FROM pos_events p
      WHERE p.device_id = e.device_id AND p.seq < e.seq AND p.status <> 'processed'
    )
  ORDER BY e.created_at ASC
  LIMIT $1
  FOR UPDATE OF e SKIP LOCKED
)
UPDATE pos_events SET status='applying', next_attempt_at=now() + interval '`+claimLease+`'
WHERE event_id IN (SELECT event_id FROM due)
RETURNING `+eventColumns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StagedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *repository) MarkFailed(ctx context.Context, eventID uuid.UUID, attempt int, reason string, nextAttempt *time.Time, dead bool) error {
	status := StatusFailed
	if dead {
		status = StatusDead
		nextAttempt = nil
	}
	_, err := r.db.Exec(ctx, `UPDATE pos_events
SET status=$2, attempt_count=$3, last_error=$4, next_attempt_at=$5
WHERE event_id=$1`, eventID, status, attempt, reason, nextAttempt)
	return err
}

func (r *repository) FinishApplied(ctx context.Context, scope tenant.Scope, deviceID, eventID uuid.UUID, seq int64) error {
	return tenant.WithTx(ctx, r.db, scope, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE pos_devices
SET last_applied_seq = GREATEST(last_applied_seq, $3)
WHERE company_id=$1 AND id=$2`, scope.CompanyID, deviceID, seq); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE pos_events
SET status='processed', processed_at=now(), last_error=NULL, next_attempt_at=NULL
WHERE event_id=$1 AND company_id=$2`, eventID, scope.CompanyID)
		return err
	})
}

func (r *repository) Watermark(ctx context.Context, scope tenant.Scope, deviceID uuid.UUID) (int64, error) {
	var seq int64
	err := r.db.QueryRow(ctx, `SELECT last_applied_seq FROM pos_devices
WHERE company_id=$1 AND id=$2`, scope.CompanyID, deviceID).Scan(&seq)
	return seq, err
}

func (r *repository) Requeue(ctx context.Context, scope tenant.Scope, eventID uuid.UUID) error {
	cmd, err := r.db.Exec(ctx, `UPDATE pos_events
SET status='pending', attempt_count=0, last_error=NULL, next_attempt_at=NULL, processed_at=NULL
WHERE event_id=$1 AND company_id=$2 AND status IN ('failed','dead')`, eventID, scope.CompanyID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *repository) List(ctx context.Context, scope tenant.Scope, filter ListFilter) ([]StagedEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM pos_events e WHERE e.company_id=$1`
	args := []any{scope.CompanyID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND e.status=$` + strconv.Itoa(len(args))
	}
	if filter.DeviceID != nil {
		args = append(args, *filter.DeviceID)
		query += ` AND e.device_id=$` + strconv.Itoa(len(args))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	args = append(args, limit)
	query += ` ORDER BY e.created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StagedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if err := scope.Check(ev.CompanyID); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEvent(row scannable) (StagedEvent, error) {
	var ev StagedEvent
	err := row.Scan(&ev.EventID, &ev.DeviceID, &ev.CompanyID, &ev.Seq, &ev.EventType, &ev.Payload,
		&ev.CreatedAt, &ev.Status, &ev.AttemptCount, &ev.LastError, &ev.NextAttemptAt, &ev.ProcessedAt)
	if err != nil {
		return StagedEvent{}, err
	}
	return ev, nil
}
