package recon

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cedarledger/cedarledger/internal/tenant"
)

// ErrExceptionNotFound indicates no matching exception in the scope.
var ErrExceptionNotFound = errors.New("recon: exception not found")

// Repository aggregates committed totals and stores exceptions.
type Repository interface {
	// CommittedForShift sums the ledger-side truth for one shift: cash and
	// card tenders from posted sale documents plus drawer movements.
	CommittedForShift(ctx context.Context, scope tenant.Scope, shiftID uuid.UUID) (Committed, error)
	// UpsertException records a discrepancy. One exception per
	// (shift, kind); reruns update the committed figures instead of
	// stacking duplicates, and resolved exceptions stay resolved.
	UpsertException(ctx context.Context, scope tenant.Scope, ex Exception) error
	ListExceptions(ctx context.Context, scope tenant.Scope, status ExceptionStatus, limit int) ([]Exception, error)
	Resolve(ctx context.Context, scope tenant.Scope, id uuid.UUID, notes string, at time.Time) error
	// CompaniesWithClosedShifts lists companies the nightly run must
	// visit for a business date. Cross-tenant by design: the scheduler
	// fans out one scoped run per company.
	CompaniesWithClosedShifts(ctx context.Context, businessDate time.Time) ([]uuid.UUID, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed recon repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) CommittedForShift(ctx context.Context, scope tenant.Scope, shiftID uuid.UUID) (Committed, error) {
	var c Committed

	// Tender splits come from the GL: the posting engine writes one entry
	// per tender against the role-mapped cash and card accounts.
	err := r.db.QueryRow(ctx, `SELECT
  COALESCE(SUM(CASE WHEN d.role_code='CASH_USD' THEN e.debit_usd - e.credit_usd ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN d.role_code='CASH_LBP' THEN e.debit_lbp - e.credit_lbp ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN d.role_code='CARD_CLEARING' THEN e.debit_usd - e.credit_usd ELSE 0 END), 0)
FROM gl_entries e
JOIN gl_journals j ON j.id = e.journal_id
JOIN financial_documents fd ON fd.id = j.source_id
JOIN company_account_defaults d
  ON d.company_id = j.company_id AND d.account_id = e.account_id
WHERE j.company_id = $1 AND fd.shift_id = $2`,
		scope.CompanyID, shiftID).
		Scan(&c.CashSalesUSD, &c.CashSalesLBP, &c.CardUSD)
	if err != nil {
		return Committed{}, err
	}

	err = r.db.QueryRow(ctx, `SELECT
  COUNT(*) FILTER (WHERE doc_type = 'sales_invoice' AND status IN ('posted','reversed')),
  COALESCE(SUM(CASE WHEN doc_type = 'cash_movement' THEN amount_usd ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN doc_type = 'cash_movement' THEN amount_lbp ELSE 0 END), 0)
FROM financial_documents
WHERE company_id = $1 AND shift_id = $2`,
		scope.CompanyID, shiftID).
		Scan(&c.InvoiceCount, &c.MovementUSD, &c.MovementLBP)
	if err != nil {
		return Committed{}, err
	}
	return c, nil
}

func (r *repository) UpsertException(ctx context.Context, scope tenant.Scope, ex Exception) error {
	_, err := r.db.Exec(ctx, `INSERT INTO recon_exceptions
(id, company_id, shift_id, device_id, business_date, kind,
 declared, committed, delta, status, notes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'open',$10,$11)
ON CONFLICT (shift_id, kind) DO UPDATE
SET declared = EXCLUDED.declared,
    committed = EXCLUDED.committed,
    delta = EXCLUDED.delta
WHERE recon_exceptions.status = 'open'`,
		ex.ID, scope.CompanyID, ex.ShiftID, ex.DeviceID, ex.BusinessDate, ex.Kind,
		ex.Declared, ex.Committed, ex.Delta, ex.Notes, ex.CreatedAt)
	return err
}

func (r *repository) ListExceptions(ctx context.Context, scope tenant.Scope, status ExceptionStatus, limit int) ([]Exception, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `SELECT id, company_id, shift_id, device_id, business_date, kind,
declared, committed, delta, status, notes, created_at, resolved_at
FROM recon_exceptions WHERE company_id=$1`
	args := []any{scope.CompanyID}
	if status != "" {
		args = append(args, status)
		query += ` AND status=$2`
	}
	args = append(args, limit)
	if status != "" {
		query += ` ORDER BY created_at DESC LIMIT $3`
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2`
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exceptions []Exception
	for rows.Next() {
		var ex Exception
		if err := rows.Scan(&ex.ID, &ex.CompanyID, &ex.ShiftID, &ex.DeviceID, &ex.BusinessDate, &ex.Kind,
			&ex.Declared, &ex.Committed, &ex.Delta, &ex.Status, &ex.Notes, &ex.CreatedAt, &ex.ResolvedAt); err != nil {
			return nil, err
		}
		if err := scope.Check(ex.CompanyID); err != nil {
			return nil, err
		}
		exceptions = append(exceptions, ex)
	}
	return exceptions, rows.Err()
}

func (r *repository) Resolve(ctx context.Context, scope tenant.Scope, id uuid.UUID, notes string, at time.Time) error {
	cmd, err := r.db.Exec(ctx, `UPDATE recon_exceptions
SET status='resolved', notes=$3, resolved_at=$4
WHERE company_id=$1 AND id=$2 AND status='open'`,
		scope.CompanyID, id, notes, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrExceptionNotFound
	}
	return nil
}

func (r *repository) CompaniesWithClosedShifts(ctx context.Context, businessDate time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT company_id FROM pos_shifts
WHERE status='closed' AND business_date=$1`, businessDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
