package intercompany

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrTransferNotFound indicates no matching transfer row.
var ErrTransferNotFound = errors.New("intercompany: transfer not found")

// Repository stores transfers and pair settlements. Rows here span two
// companies, so access is admin-surface only, never device-scoped.
type Repository interface {
	InsertTransferIdempotent(ctx context.Context, tr Transfer) (bool, error)
	GetTransfer(ctx context.Context, id uuid.UUID) (Transfer, error)
	MarkPosted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ListTransfers(ctx context.Context, companyID uuid.UUID, limit int) ([]Transfer, error)
	// AccumulateSettlement folds one posted transfer into the pair's net
	// position. The pair is stored in canonical order with the sign
	// flipped as needed, so (A,B) and (B,A) share one row.
	AccumulateSettlement(ctx context.Context, from, to uuid.UUID, usd, lbp decimal.Decimal, at time.Time) error
	GetSettlement(ctx context.Context, a, b uuid.UUID) (Settlement, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed intercompany repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const transferColumns = `id, from_company_id, to_company_id, from_branch_id, to_branch_id,
reference, amount_usd, amount_lbp, exchange_rate, status, created_at, posted_at`

func (r *repository) InsertTransferIdempotent(ctx context.Context, tr Transfer) (bool, error) {
	cmd, err := r.db.Exec(ctx, `INSERT INTO ic_transfers
(`+transferColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO NOTHING`,
		tr.ID, tr.FromCompanyID, tr.ToCompanyID, tr.FromBranchID, tr.ToBranchID,
		tr.Reference, tr.AmountUSD, tr.AmountLBP, tr.ExchangeRate, tr.Status, tr.CreatedAt, tr.PostedAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *repository) GetTransfer(ctx context.Context, id uuid.UUID) (Transfer, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM ic_transfers WHERE id=$1`, id)
	tr, err := scanTransfer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transfer{}, ErrTransferNotFound
	}
	return tr, err
}

func (r *repository) MarkPosted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	cmd, err := r.db.Exec(ctx, `UPDATE ic_transfers
SET status='posted', posted_at=$2
WHERE id=$1 AND status='pending'`, id, at)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *repository) ListTransfers(ctx context.Context, companyID uuid.UUID, limit int) ([]Transfer, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT `+transferColumns+` FROM ic_transfers
WHERE from_company_id=$1 OR to_company_id=$1
ORDER BY created_at DESC LIMIT $2`, companyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []Transfer
	for rows.Next() {
		tr, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, tr)
	}
	return transfers, rows.Err()
}

// canonicalPair orders a company pair so (A,B) and (B,A) address the same
// settlement row. flipped reports whether the caller's direction was swapped
// and its net amounts must change sign.
func canonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID, bool) {
	if b.String() < a.String() {
		return b, a, true
	}
	return a, b, false
}

func (r *repository) AccumulateSettlement(ctx context.Context, from, to uuid.UUID, usd, lbp decimal.Decimal, at time.Time) error {
	a, b, flipped := canonicalPair(from, to)
	if flipped {
		usd = usd.Neg()
		lbp = lbp.Neg()
	}
	_, err := r.db.Exec(ctx, `INSERT INTO ic_settlements
(from_company_id, to_company_id, net_usd, net_lbp, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (from_company_id, to_company_id) DO UPDATE
SET net_usd = ic_settlements.net_usd + EXCLUDED.net_usd,
    net_lbp = ic_settlements.net_lbp + EXCLUDED.net_lbp,
    updated_at = EXCLUDED.updated_at`,
		a, b, usd, lbp, at)
	return err
}

func (r *repository) GetSettlement(ctx context.Context, a, b uuid.UUID) (Settlement, error) {
	a, b, flip := canonicalPair(a, b)
	var s Settlement
	err := r.db.QueryRow(ctx, `SELECT from_company_id, to_company_id, net_usd, net_lbp, updated_at
FROM ic_settlements WHERE from_company_id=$1 AND to_company_id=$2`, a, b).
		Scan(&s.FromCompanyID, &s.ToCompanyID, &s.NetUSD, &s.NetLBP, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settlement{FromCompanyID: a, ToCompanyID: b, NetUSD: decimal.Zero, NetLBP: decimal.Zero}, nil
	}
	if err != nil {
		return Settlement{}, err
	}
	if flip {
		s.FromCompanyID, s.ToCompanyID = s.ToCompanyID, s.FromCompanyID
		s.NetUSD = s.NetUSD.Neg()
		s.NetLBP = s.NetLBP.Neg()
	}
	return s, nil
}

func scanTransfer(row pgx.Row) (Transfer, error) {
	var tr Transfer
	err := row.Scan(&tr.ID, &tr.FromCompanyID, &tr.ToCompanyID, &tr.FromBranchID, &tr.ToBranchID,
		&tr.Reference, &tr.AmountUSD, &tr.AmountLBP, &tr.ExchangeRate, &tr.Status, &tr.CreatedAt, &tr.PostedAt)
	if err != nil {
		return Transfer{}, err
	}
	return tr, nil
}
