package shifts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cedarledger/cedarledger/internal/tenant"
)

// ErrNotFound indicates no matching shift row in the scope.
var ErrNotFound = errors.New("shifts: not found")

// Repository stores shift rows.
type Repository interface {
	Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (Shift, error)
	// OpenIdempotent inserts an open shift keyed by id, treating a
	// conflict as an earlier successful open.
	OpenIdempotent(ctx context.Context, scope tenant.Scope, shift Shift) error
	// Close records declared closing figures. Closing an already-closed
	// shift is a no-op so event replays stay harmless.
	Close(ctx context.Context, scope tenant.Scope, id uuid.UUID, declared Declared, closedAt time.Time) error
	// OpenByDevice returns the device's current open shift.
	OpenByDevice(ctx context.Context, scope tenant.Scope, deviceID uuid.UUID) (Shift, error)
	// ClosedOn lists shifts closed on a business date, for reconciliation.
	ClosedOn(ctx context.Context, scope tenant.Scope, businessDate time.Time) ([]Shift, error)
}

// Declared carries the cashier's end-of-shift counts.
type Declared struct {
	ClosingCashUSD decimal.Decimal
	ClosingCashLBP decimal.Decimal
	CardTotalUSD   decimal.Decimal
	InvoiceCount   int
	Notes          string
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed shift repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const shiftColumns = `id, company_id, branch_id, device_id, cashier_id, status, business_date,
opening_cash_usd, opening_cash_lbp, closing_cash_usd, closing_cash_lbp,
card_total_usd, invoice_count, notes, opened_at, closed_at`

func (r *repository) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (Shift, error) {
	row := r.db.QueryRow(ctx, `SELECT `+shiftColumns+` FROM pos_shifts
WHERE company_id=$1 AND id=$2`, scope.CompanyID, id)
	return scanShift(row, scope)
}

func (r *repository) OpenIdempotent(ctx context.Context, scope tenant.Scope, shift Shift) error {
	_, err := r.db.Exec(ctx, `INSERT INTO pos_shifts
(id, company_id, branch_id, device_id, cashier_id, status, business_date,
 opening_cash_usd, opening_cash_lbp, notes, opened_at)
VALUES ($1,$2,$3,$4,$5,'open',$6,$7,$8,$9,$10)
ON CONFLICT (id) DO NOTHING`,
		shift.ID, scope.CompanyID, shift.BranchID, shift.DeviceID, shift.CashierID,
		shift.BusinessDate, shift.OpeningCashUSD, shift.OpeningCashLBP, shift.Notes, shift.OpenedAt)
	return err
}

func (r *repository) Close(ctx context.Context, scope tenant.Scope, id uuid.UUID, declared Declared, closedAt time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE pos_shifts
SET status='closed', closing_cash_usd=$3, closing_cash_lbp=$4,
    card_total_usd=$5, invoice_count=$6,
    notes = CASE WHEN $7 <> '' THEN $7 ELSE notes END,
    closed_at=$8
WHERE company_id=$1 AND id=$2 AND status='open'`,
		scope.CompanyID, id,
		declared.ClosingCashUSD, declared.ClosingCashLBP,
		declared.CardTotalUSD, declared.InvoiceCount, declared.Notes, closedAt)
	return err
}

func (r *repository) OpenByDevice(ctx context.Context, scope tenant.Scope, deviceID uuid.UUID) (Shift, error) {
	row := r.db.QueryRow(ctx, `SELECT `+shiftColumns+` FROM pos_shifts
WHERE company_id=$1 AND device_id=$2 AND status='open'
ORDER BY opened_at DESC LIMIT 1`, scope.CompanyID, deviceID)
	return scanShift(row, scope)
}

func (r *repository) ClosedOn(ctx context.Context, scope tenant.Scope, businessDate time.Time) ([]Shift, error) {
	rows, err := r.db.Query(ctx, `SELECT `+shiftColumns+` FROM pos_shifts
WHERE company_id=$1 AND status='closed' AND business_date=$2
ORDER BY closed_at ASC`, scope.CompanyID, businessDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shifts []Shift
	for rows.Next() {
		shift, err := scanShiftRow(rows, scope)
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, shift)
	}
	return shifts, rows.Err()
}

func scanShift(row pgx.Row, scope tenant.Scope) (Shift, error) {
	shift, err := scanShiftRow(row, scope)
	if errors.Is(err, pgx.ErrNoRows) {
		return Shift{}, ErrNotFound
	}
	return shift, err
}

func scanShiftRow(row pgx.Row, scope tenant.Scope) (Shift, error) {
	var shift Shift
	err := row.Scan(&shift.ID, &shift.CompanyID, &shift.BranchID, &shift.DeviceID, &shift.CashierID,
		&shift.Status, &shift.BusinessDate,
		&shift.OpeningCashUSD, &shift.OpeningCashLBP,
		&shift.ClosingCashUSD, &shift.ClosingCashLBP,
		&shift.CardTotalUSD, &shift.InvoiceCount,
		&shift.Notes, &shift.OpenedAt, &shift.ClosedAt)
	if err != nil {
		return Shift{}, err
	}
	if err := scope.Check(shift.CompanyID); err != nil {
		return Shift{}, err
	}
	return shift, nil
}
