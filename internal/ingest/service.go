package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cedarledger/cedarledger/internal/devices"
	"github.com/cedarledger/cedarledger/internal/documents"
	"github.com/cedarledger/cedarledger/internal/fx"
	"github.com/cedarledger/cedarledger/internal/ledger"
	"github.com/cedarledger/cedarledger/internal/platform/bus"
	"github.com/cedarledger/cedarledger/internal/shifts"
	"github.com/cedarledger/cedarledger/internal/tenant"
)

// Service is the ingestion guard and the event-application pipeline.
//
// Push side: SubmitBatch stages events behind the event_id idempotency key and
// answers per event, so a terminal that lost the previous ack can resend the
// whole batch safely.
//
// Apply side: ProcessDue drains staged events in strict per-device order.
// Application is three idempotent steps in separate transactions, so a crash
// between any two of them replays cleanly: the document insert keys on the
// event id, posting keys on (document, state), and the watermark advance is
// monotonic.
type Service struct {
	repo    Repository
	devices devices.Repository
	ledger  *ledger.Service
	charts  ledger.Repository
	shifts  shifts.Repository
	rates   *fx.Resolver
	db      *pgxpool.Pool
	bus     bus.Publisher
	logger  *slog.Logger

	schedule    retrySchedule
	maxAttempts int
	now         func() time.Time
}

// NewService wires the ingestion pipeline. maxAttempts bounds retries before
// an event is parked dead for operator review.
func NewService(
	repo Repository,
	deviceRepo devices.Repository,
	ledgerSvc *ledger.Service,
	charts ledger.Repository,
	shiftRepo shifts.Repository,
	rates *fx.Resolver,
	db *pgxpool.Pool,
	publisher bus.Publisher,
	logger *slog.Logger,
	maxAttempts int,
	retryCap time.Duration,
) *Service {
	schedule := defaultRetrySchedule()
	if retryCap > 0 {
		schedule.Cap = retryCap
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		repo:        repo,
		devices:     deviceRepo,
		ledger:      ledgerSvc,
		charts:      charts,
		shifts:      shiftRepo,
		rates:       rates,
		db:          db,
		bus:         publisher,
		logger:      logger,
		schedule:    schedule,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock in tests.
func (s *Service) WithNow(now func() time.Time) {
	s.now = now
}

// SubmitBatch validates and stages a push batch from one authenticated device.
// Every event gets a result; the batch never fails as a whole. Replayed events
// come back duplicate, malformed ones rejected with a reason, and an event
// acked once stays acked on every resubmission.
func (s *Service) SubmitBatch(ctx context.Context, device devices.Device, events []InboundEvent) ([]PushResult, error) {
	scope, err := tenant.NewScope(device.CompanyID)
	if err != nil {
		return nil, err
	}

	results := make([]PushResult, 0, len(events))
	for _, ev := range events {
		result := PushResult{EventID: ev.EventID}
		if reason := s.vetEvent(ev); reason != "" {
			result.Status = ResultRejected
			result.Reason = reason
			results = append(results, result)
			continue
		}
		inserted, err := s.repo.Stage(ctx, scope, device.ID, ev)
		if err != nil {
			return nil, fmt.Errorf("ingest: stage event %s: %w", ev.EventID, err)
		}
		if inserted {
			result.Status = ResultAcked
		} else {
			result.Status = ResultDuplicate
		}
		results = append(results, result)
	}
	return results, nil
}

// vetEvent returns a rejection reason, or "" when the event may be staged.
// Rejected events are never stored: the terminal must fix and resend them
// under a new submission, they do not block the device queue.
func (s *Service) vetEvent(ev InboundEvent) string {
	if ev.EventID == uuid.Nil {
		return "event_id is required"
	}
	if ev.Seq <= 0 {
		return "seq must be positive"
	}
	if ev.CreatedAt.IsZero() {
		return "created_at is required"
	}
	if _, err := DecodePayload(ev.EventType, ev.Payload); err != nil {
		return err.Error()
	}
	return ""
}

// ProcessDue applies up to limit due events and reports how many were
// processed and how many failed. Safe to run from several workers at once.
func (s *Service) ProcessDue(ctx context.Context, limit int) (processed, failed int, err error) {
	events, err := s.repo.FetchNextDue(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("ingest: fetch due events: %w", err)
	}
	for _, ev := range events {
		if err := s.apply(ctx, ev); err != nil {
			failed++
			s.fail(ctx, ev, err)
			continue
		}
		processed++
	}
	return processed, failed, nil
}

func (s *Service) apply(ctx context.Context, ev StagedEvent) error {
	scope, err := tenant.NewScope(ev.CompanyID)
	if err != nil {
		return err
	}
	device, err := s.devices.GetByID(ctx, ev.DeviceID)
	if err != nil {
		return fmt.Errorf("load device %s: %w", ev.DeviceID, err)
	}
	if err := scope.Check(device.CompanyID); err != nil {
		return err
	}

	payload, err := DecodePayload(ev.EventType, ev.Payload)
	if err != nil {
		return err
	}

	switch p := payload.(type) {
	case *ShiftOpenPayload:
		return s.applyShiftOpen(ctx, scope, ev, device, p)
	case *ShiftClosePayload:
		return s.applyShiftClose(ctx, scope, ev, device, p)
	case *CashMovementPayload:
		return s.applyCashMovement(ctx, scope, ev, device, p)
	case *SalePayload:
		return s.applyDocument(ctx, scope, ev, device, func(res fx.Resolution, defaults ledger.AccountDefaults, businessDate time.Time) (translation, error) {
			return translateSale(ev, p, device, defaults, res, businessDate)
		}, resolveReq(p.ExchangeRate, p.RateType, p.BusinessDate, ev.CreatedAt))
	case *PurchasePayload:
		return s.applyDocument(ctx, scope, ev, device, func(res fx.Resolution, defaults ledger.AccountDefaults, businessDate time.Time) (translation, error) {
			return translatePurchase(ev, p, device, defaults, res, businessDate)
		}, resolveReq(p.ExchangeRate, p.RateType, p.BusinessDate, ev.CreatedAt))
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEventType, ev.EventType)
	}
}

// applyDocument runs the three-step pipeline for GL-bearing events:
// draft document, journal, watermark. Each step is idempotent on its own,
// so a replay after a partial failure resumes where it stopped.
func (s *Service) applyDocument(
	ctx context.Context,
	scope tenant.Scope,
	ev StagedEvent,
	device devices.Device,
	translate func(fx.Resolution, ledger.AccountDefaults, time.Time) (translation, error),
	req fx.ResolveRequest,
) error {
	res, err := s.rates.Resolve(ctx, scope, req)
	if err != nil {
		return fmt.Errorf("resolve rate: %w", err)
	}
	defaults, err := s.charts.FetchAccountDefaults(ctx, scope)
	if err != nil {
		return fmt.Errorf("load account defaults: %w", err)
	}

	tr, err := translate(res, defaults, req.BusinessDate)
	if err != nil {
		return err
	}

	if err := tenant.WithTx(ctx, s.db, scope, func(tx pgx.Tx) error {
		_, err := documents.InsertIdempotentTx(ctx, tx, tr.Doc)
		return err
	}); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	if tr.Posting != nil {
		if _, err := s.ledger.Post(ctx, scope, *tr.Posting); err != nil && !errors.Is(err, ledger.ErrAlreadyPosted) {
			return fmt.Errorf("post document %s: %w", tr.Doc.ID, err)
		}
	}

	return s.finish(ctx, scope, ev)
}

func (s *Service) applyShiftOpen(ctx context.Context, scope tenant.Scope, ev StagedEvent, device devices.Device, p *ShiftOpenPayload) error {
	branchID := uuid.Nil
	if device.BranchID != nil {
		branchID = *device.BranchID
	}
	shift := shifts.Shift{
		ID:             ev.EventID,
		CompanyID:      scope.CompanyID,
		BranchID:       branchID,
		DeviceID:       device.ID,
		CashierID:      p.CashierID,
		BusinessDate:   dateOnly(ev.CreatedAt),
		OpeningCashUSD: p.OpeningCashUSD,
		OpeningCashLBP: p.OpeningCashLBP,
		Notes:          p.Notes,
		OpenedAt:       ev.CreatedAt,
	}
	if err := s.shifts.OpenIdempotent(ctx, scope, shift); err != nil {
		return fmt.Errorf("open shift: %w", err)
	}
	return s.finish(ctx, scope, ev)
}

func (s *Service) applyShiftClose(ctx context.Context, scope tenant.Scope, ev StagedEvent, device devices.Device, p *ShiftClosePayload) error {
	shiftID := uuid.Nil
	if p.ShiftID != nil {
		shiftID = *p.ShiftID
	} else {
		open, err := s.shifts.OpenByDevice(ctx, scope, device.ID)
		if err != nil && !errors.Is(err, shifts.ErrNotFound) {
			return fmt.Errorf("find open shift: %w", err)
		}
		if err == nil {
			shiftID = open.ID
		}
	}
	// A close with no matching open shift is recorded as applied rather
	// than retried forever; reconciliation surfaces the gap.
	if shiftID != uuid.Nil {
		declared := shifts.Declared{
			ClosingCashUSD: p.ClosingCashUSD,
			ClosingCashLBP: p.ClosingCashLBP,
			CardTotalUSD:   p.CardTotalUSD,
			InvoiceCount:   p.InvoiceCount,
			Notes:          p.Notes,
		}
		if err := s.shifts.Close(ctx, scope, shiftID, declared, ev.CreatedAt); err != nil {
			return fmt.Errorf("close shift: %w", err)
		}
	} else {
		s.logger.Warn("shift close without open shift",
			slog.String("company_id", scope.CompanyID.String()),
			slog.String("device_id", device.ID.String()),
			slog.String("event_id", ev.EventID.String()),
		)
	}
	return s.finish(ctx, scope, ev)
}

func (s *Service) applyCashMovement(ctx context.Context, scope tenant.Scope, ev StagedEvent, device devices.Device, p *CashMovementPayload) error {
	res, err := s.rates.Resolve(ctx, scope, fx.ResolveRequest{BusinessDate: dateOnly(ev.CreatedAt)})
	if err != nil {
		return fmt.Errorf("resolve rate: %w", err)
	}
	tr := translateCashMovement(ev, p, device, res, dateOnly(ev.CreatedAt), s.now())

	if err := tenant.WithTx(ctx, s.db, scope, func(tx pgx.Tx) error {
		_, err := documents.InsertIdempotentTx(ctx, tx, tr.Doc)
		return err
	}); err != nil {
		return fmt.Errorf("insert cash movement: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"movement_type": p.MovementType,
		"amount_usd":    p.AmountUSD,
		"amount_lbp":    p.AmountLBP,
	})
	if err := s.bus.Publish(ctx, bus.Event{
		EventType:  "pos.cash_movement",
		CompanyID:  scope.CompanyID.String(),
		SourceType: string(documents.DocTypeCashMovement),
		SourceID:   tr.Doc.ID.String(),
		Payload:    payload,
		OccurredAt: s.now(),
	}); err != nil {
		// Already committed; the movement stands, the event is lost.
		s.logger.Error("publish cash movement event",
			slog.String("document_id", tr.Doc.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return s.finish(ctx, scope, ev)
}

func (s *Service) finish(ctx context.Context, scope tenant.Scope, ev StagedEvent) error {
	if err := s.repo.FinishApplied(ctx, scope, ev.DeviceID, ev.EventID, ev.Seq); err != nil {
		return fmt.Errorf("finish event %s: %w", ev.EventID, err)
	}
	return nil
}

// fail records one failed attempt, scheduling a retry or parking the event
// dead once attempts run out. A dead event unblocks nothing: the device queue
// stays held until an operator requeues or discards it.
func (s *Service) fail(ctx context.Context, ev StagedEvent, cause error) {
	attempt := ev.AttemptCount + 1
	dead := attempt >= s.maxAttempts
	var nextAttempt *time.Time
	if !dead {
		at := s.schedule.NextAttemptAt(s.now(), ev.EventID.String(), attempt)
		nextAttempt = &at
	}
	level := slog.LevelWarn
	if dead {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "event application failed",
		slog.String("event_id", ev.EventID.String()),
		slog.String("event_type", string(ev.EventType)),
		slog.String("device_id", ev.DeviceID.String()),
		slog.Int("attempt", attempt),
		slog.Bool("dead", dead),
		slog.String("error", cause.Error()),
	)
	if err := s.repo.MarkFailed(ctx, ev.EventID, attempt, cause.Error(), nextAttempt, dead); err != nil {
		s.logger.Error("mark event failed",
			slog.String("event_id", ev.EventID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Watermark reports the device's last applied sequence, served on pull so the
// terminal can prune its outbox.
func (s *Service) Watermark(ctx context.Context, scope tenant.Scope, deviceID uuid.UUID) (int64, error) {
	return s.repo.Watermark(ctx, scope, deviceID)
}

// Queue lists staged events for the operator console.
func (s *Service) Queue(ctx context.Context, scope tenant.Scope, filter ListFilter) ([]StagedEvent, error) {
	return s.repo.List(ctx, scope, filter)
}

// Requeue resets a failed or dead event for another attempt.
func (s *Service) Requeue(ctx context.Context, scope tenant.Scope, eventID uuid.UUID) error {
	return s.repo.Requeue(ctx, scope, eventID)
}

func resolveReq(terminalRate *decimal.Decimal, rateType, businessDate string, createdAt time.Time) fx.ResolveRequest {
	req := fx.ResolveRequest{
		TerminalRate: terminalRate,
		RateType:     fx.RateType(rateType),
		BusinessDate: dateOnly(createdAt),
	}
	if businessDate != "" {
		if parsed, err := time.Parse("2006-01-02", businessDate); err == nil {
			req.BusinessDate = parsed
		}
	}
	return req
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
