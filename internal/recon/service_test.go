package recon

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedarledger/cedarledger/internal/shifts"
	"github.com/cedarledger/cedarledger/internal/tenant"
)

type mockReconRepo struct {
	committed  map[uuid.UUID]Committed
	exceptions map[uuid.UUID]*Exception
}

func newMockReconRepo() *mockReconRepo {
	return &mockReconRepo{
		committed:  make(map[uuid.UUID]Committed),
		exceptions: make(map[uuid.UUID]*Exception),
	}
}

func (m *mockReconRepo) CommittedForShift(_ context.Context, _ tenant.Scope, shiftID uuid.UUID) (Committed, error) {
	return m.committed[shiftID], nil
}

func (m *mockReconRepo) UpsertException(_ context.Context, _ tenant.Scope, ex Exception) error {
	for _, existing := range m.exceptions {
		if existing.ShiftID == ex.ShiftID && existing.Kind == ex.Kind {
			if existing.Status == ExceptionOpen {
				existing.Declared = ex.Declared
				existing.Committed = ex.Committed
				existing.Delta = ex.Delta
			}
			return nil
		}
	}
	m.exceptions[ex.ID] = &ex
	return nil
}

func (m *mockReconRepo) ListExceptions(_ context.Context, _ tenant.Scope, status ExceptionStatus, _ int) ([]Exception, error) {
	var out []Exception
	for _, ex := range m.exceptions {
		if status == "" || ex.Status == status {
			out = append(out, *ex)
		}
	}
	return out, nil
}

func (m *mockReconRepo) Resolve(_ context.Context, _ tenant.Scope, id uuid.UUID, notes string, at time.Time) error {
	ex, ok := m.exceptions[id]
	if !ok || ex.Status != ExceptionOpen {
		return ErrExceptionNotFound
	}
	ex.Status = ExceptionResolved
	ex.Notes = notes
	ex.ResolvedAt = &at
	return nil
}

func (m *mockReconRepo) CompaniesWithClosedShifts(_ context.Context, _ time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

type mockShiftSource struct {
	closed []shifts.Shift
}

func (m *mockShiftSource) Get(_ context.Context, _ tenant.Scope, _ uuid.UUID) (shifts.Shift, error) {
	return shifts.Shift{}, shifts.ErrNotFound
}

func (m *mockShiftSource) OpenIdempotent(_ context.Context, _ tenant.Scope, _ shifts.Shift) error {
	return nil
}

func (m *mockShiftSource) Close(_ context.Context, _ tenant.Scope, _ uuid.UUID, _ shifts.Declared, _ time.Time) error {
	return nil
}

func (m *mockShiftSource) OpenByDevice(_ context.Context, _ tenant.Scope, _ uuid.UUID) (shifts.Shift, error) {
	return shifts.Shift{}, shifts.ErrNotFound
}

func (m *mockShiftSource) ClosedOn(_ context.Context, _ tenant.Scope, _ time.Time) ([]shifts.Shift, error) {
	return m.closed, nil
}

func dec(s string) decimal.Decimal           { return decimal.RequireFromString(s) }
func ptr(d decimal.Decimal) *decimal.Decimal { return &d }
func ptrInt(v int) *int                      { return &v }

func closedShift(companyID uuid.UUID) shifts.Shift {
	return shifts.Shift{
		ID:             uuid.New(),
		CompanyID:      companyID,
		DeviceID:       uuid.New(),
		Status:         shifts.StatusClosed,
		BusinessDate:   time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		OpeningCashUSD: dec("100"),
		OpeningCashLBP: dec("4500000"),
	}
}

func newReconService(repo Repository, src shifts.Repository) *Service {
	return NewService(repo, src, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunDailyCleanShift(t *testing.T) {
	scope := tenant.Scope{CompanyID: uuid.New()}
	shift := closedShift(scope.CompanyID)
	shift.ClosingCashUSD = ptr(dec("350"))
	shift.ClosingCashLBP = ptr(dec("9000000"))
	shift.CardTotalUSD = ptr(dec("120"))
	shift.InvoiceCount = ptrInt(14)

	repo := newMockReconRepo()
	repo.committed[shift.ID] = Committed{
		CashSalesUSD: dec("300"),
		CashSalesLBP: dec("4501000"),
		CardUSD:      dec("120"),
		MovementUSD:  dec("-50"),
		MovementLBP:  dec("0"),
		InvoiceCount: 14,
	}

	svc := newReconService(repo, &mockShiftSource{closed: []shifts.Shift{shift}})
	summary, err := svc.RunDaily(context.Background(), scope, shift.BusinessDate)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ShiftsChecked)
	assert.Zero(t, summary.ExceptionsOpen)
	assert.Empty(t, repo.exceptions)
}

func TestRunDailyCashShortage(t *testing.T) {
	scope := tenant.Scope{CompanyID: uuid.New()}
	shift := closedShift(scope.CompanyID)
	// Expected drawer is 100 + 300 = 400 USD; cashier declares 380.
	shift.ClosingCashUSD = ptr(dec("380"))
	shift.ClosingCashLBP = ptr(dec("4500000"))

	repo := newMockReconRepo()
	repo.committed[shift.ID] = Committed{CashSalesUSD: dec("300")}

	svc := newReconService(repo, &mockShiftSource{closed: []shifts.Shift{shift}})
	summary, err := svc.RunDaily(context.Background(), scope, shift.BusinessDate)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ExceptionsOpen)

	open, err := svc.Exceptions(context.Background(), scope, ExceptionOpen, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, KindCashUSD, open[0].Kind)
	assert.Equal(t, "380", open[0].Declared.String())
	assert.Equal(t, "400", open[0].Committed.String())
	assert.Equal(t, "-20", open[0].Delta.String())
}

func TestRunDailyInvoiceCountIsExact(t *testing.T) {
	scope := tenant.Scope{CompanyID: uuid.New()}
	shift := closedShift(scope.CompanyID)
	shift.ClosingCashUSD = ptr(dec("100"))
	shift.ClosingCashLBP = ptr(dec("4500000"))
	shift.InvoiceCount = ptrInt(10)

	repo := newMockReconRepo()
	repo.committed[shift.ID] = Committed{InvoiceCount: 11}

	svc := newReconService(repo, &mockShiftSource{closed: []shifts.Shift{shift}})
	summary, err := svc.RunDaily(context.Background(), scope, shift.BusinessDate)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ExceptionsOpen)

	open, _ := svc.Exceptions(context.Background(), scope, ExceptionOpen, 10)
	require.Len(t, open, 1)
	assert.Equal(t, KindInvoiceCount, open[0].Kind)
	assert.Equal(t, "-1", open[0].Delta.String())
}

func TestRunDailyRerunRefreshesInsteadOfDuplicating(t *testing.T) {
	scope := tenant.Scope{CompanyID: uuid.New()}
	shift := closedShift(scope.CompanyID)
	shift.ClosingCashUSD = ptr(dec("380"))
	shift.ClosingCashLBP = ptr(dec("4500000"))

	repo := newMockReconRepo()
	repo.committed[shift.ID] = Committed{CashSalesUSD: dec("300")}
	svc := newReconService(repo, &mockShiftSource{closed: []shifts.Shift{shift}})

	_, err := svc.RunDaily(context.Background(), scope, shift.BusinessDate)
	require.NoError(t, err)
	_, err = svc.RunDaily(context.Background(), scope, shift.BusinessDate)
	require.NoError(t, err)

	assert.Len(t, repo.exceptions, 1)
}

func TestResolveException(t *testing.T) {
	scope := tenant.Scope{CompanyID: uuid.New()}
	shift := closedShift(scope.CompanyID)
	shift.ClosingCashUSD = ptr(dec("380"))
	shift.ClosingCashLBP = ptr(dec("4500000"))

	repo := newMockReconRepo()
	repo.committed[shift.ID] = Committed{CashSalesUSD: dec("300")}
	svc := newReconService(repo, &mockShiftSource{closed: []shifts.Shift{shift}})

	_, err := svc.RunDaily(context.Background(), scope, shift.BusinessDate)
	require.NoError(t, err)

	open, _ := svc.Exceptions(context.Background(), scope, ExceptionOpen, 10)
	require.Len(t, open, 1)

	require.NoError(t, svc.Resolve(context.Background(), scope, open[0].ID, "counted again, till roll error"))
	assert.ErrorIs(t, svc.Resolve(context.Background(), scope, open[0].ID, "twice"), ErrExceptionNotFound)

	resolved, _ := svc.Exceptions(context.Background(), scope, ExceptionResolved, 10)
	require.Len(t, resolved, 1)
	assert.Equal(t, "counted again, till roll error", resolved[0].Notes)
}
