package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cedarledger/cedarledger/internal/shifts"
	"github.com/cedarledger/cedarledger/internal/tenant"
)

// Count discrepancies are exact; money gets the posting tolerance so sub-cent
// and sub-pound rounding never pages anyone at 3am.
var (
	toleranceUSD = decimal.RequireFromString("0.05")
	toleranceLBP = decimal.NewFromInt(5000)
)

// Service runs the nightly declared-vs-committed comparison.
type Service struct {
	repo   Repository
	shifts shifts.Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the reconciliation service.
func NewService(repo Repository, shiftRepo shifts.Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		shifts: shiftRepo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock in tests.
func (s *Service) WithNow(now func() time.Time) {
	s.now = now
}

// Companies lists the tenants with shifts to reconcile on a date.
func (s *Service) Companies(ctx context.Context, businessDate time.Time) ([]uuid.UUID, error) {
	return s.repo.CompaniesWithClosedShifts(ctx, businessDate)
}

// RunDaily reconciles every shift a company closed on a business date.
// Idempotent: reruns refresh open exceptions and add newly surfaced ones.
func (s *Service) RunDaily(ctx context.Context, scope tenant.Scope, businessDate time.Time) (RunSummary, error) {
	closed, err := s.shifts.ClosedOn(ctx, scope, businessDate)
	if err != nil {
		return RunSummary{}, fmt.Errorf("recon: list closed shifts: %w", err)
	}

	summary := RunSummary{CompanyID: scope.CompanyID, BusinessDate: businessDate}
	for _, shift := range closed {
		opened, err := s.reconcileShift(ctx, scope, shift)
		if err != nil {
			return RunSummary{}, err
		}
		summary.ShiftsChecked++
		summary.ExceptionsOpen += opened
	}

	s.logger.Info("reconciliation run complete",
		slog.String("company_id", scope.CompanyID.String()),
		slog.Time("business_date", businessDate),
		slog.Int("shifts", summary.ShiftsChecked),
		slog.Int("exceptions", summary.ExceptionsOpen),
	)
	return summary, nil
}

func (s *Service) reconcileShift(ctx context.Context, scope tenant.Scope, shift shifts.Shift) (int, error) {
	committed, err := s.repo.CommittedForShift(ctx, scope, shift.ID)
	if err != nil {
		return 0, fmt.Errorf("recon: committed totals for shift %s: %w", shift.ID, err)
	}

	// Expected drawer cash: opening float plus cash sales plus recorded
	// movements. Declared figures default to zero when the close event
	// carried none; that still reconciles against an all-zero shift.
	expectedUSD := shift.OpeningCashUSD.Add(committed.CashSalesUSD).Add(committed.MovementUSD)
	expectedLBP := shift.OpeningCashLBP.Add(committed.CashSalesLBP).Add(committed.MovementLBP)

	opened := 0
	checks := []struct {
		kind      Kind
		declared  decimal.Decimal
		committed decimal.Decimal
		tolerance decimal.Decimal
	}{
		{KindCashUSD, deref(shift.ClosingCashUSD), expectedUSD, toleranceUSD},
		{KindCashLBP, deref(shift.ClosingCashLBP), expectedLBP, toleranceLBP},
		{KindCardUSD, deref(shift.CardTotalUSD), committed.CardUSD, toleranceUSD},
	}
	for _, check := range checks {
		delta := check.declared.Sub(check.committed)
		if delta.Abs().LessThanOrEqual(check.tolerance) {
			continue
		}
		if err := s.openException(ctx, scope, shift, check.kind, check.declared, check.committed, delta); err != nil {
			return opened, err
		}
		opened++
	}

	declaredCount := 0
	if shift.InvoiceCount != nil {
		declaredCount = *shift.InvoiceCount
	}
	if declaredCount != committed.InvoiceCount {
		declared := decimal.NewFromInt(int64(declaredCount))
		actual := decimal.NewFromInt(int64(committed.InvoiceCount))
		if err := s.openException(ctx, scope, shift, KindInvoiceCount, declared, actual, declared.Sub(actual)); err != nil {
			return opened, err
		}
		opened++
	}
	return opened, nil
}

func (s *Service) openException(ctx context.Context, scope tenant.Scope, shift shifts.Shift, kind Kind, declared, committed, delta decimal.Decimal) error {
	ex := Exception{
		ID:           uuid.New(),
		CompanyID:    scope.CompanyID,
		ShiftID:      shift.ID,
		DeviceID:     shift.DeviceID,
		BusinessDate: shift.BusinessDate,
		Kind:         kind,
		Declared:     declared,
		Committed:    committed,
		Delta:        delta,
		Status:       ExceptionOpen,
		CreatedAt:    s.now(),
	}
	if err := s.repo.UpsertException(ctx, scope, ex); err != nil {
		return fmt.Errorf("recon: record exception on shift %s: %w", shift.ID, err)
	}
	s.logger.Warn("shift discrepancy",
		slog.String("company_id", scope.CompanyID.String()),
		slog.String("shift_id", shift.ID.String()),
		slog.String("kind", string(kind)),
		slog.String("declared", declared.String()),
		slog.String("committed", committed.String()),
		slog.String("delta", delta.String()),
	)
	return nil
}

// Exceptions lists exceptions for the operator console.
func (s *Service) Exceptions(ctx context.Context, scope tenant.Scope, status ExceptionStatus, limit int) ([]Exception, error) {
	return s.repo.ListExceptions(ctx, scope, status, limit)
}

// Resolve closes one exception with operator notes.
func (s *Service) Resolve(ctx context.Context, scope tenant.Scope, id uuid.UUID, notes string) error {
	return s.repo.Resolve(ctx, scope, id, notes, s.now())
}

func deref(v *decimal.Decimal) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return *v
}
