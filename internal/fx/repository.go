package fx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cedarledger/cedarledger/internal/tenant"
)

// ErrRateNotFound indicates no rate row matched the lookup.
var ErrRateNotFound = errors.New("fx: rate not found")

// Repository reads the company daily rate table.
type Repository interface {
	// GetRate returns the exact rate for the business date.
	GetRate(ctx context.Context, scope tenant.Scope, rateType RateType, rateDate time.Time) (Rate, error)
	// GetLatestRateBefore returns the most recent rate on or before the date.
	GetLatestRateBefore(ctx context.Context, scope tenant.Scope, rateType RateType, rateDate time.Time) (Rate, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed rate repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) GetRate(ctx context.Context, scope tenant.Scope, rateType RateType, rateDate time.Time) (Rate, error) {
	row := r.db.QueryRow(ctx, `SELECT company_id, rate_date, rate_type, usd_to_lbp, created_at
FROM exchange_rates
WHERE company_id=$1 AND rate_type=$2 AND rate_date=$3
LIMIT 1`, scope.CompanyID, rateType, rateDate)
	return scanRate(row, scope)
}

func (r *repository) GetLatestRateBefore(ctx context.Context, scope tenant.Scope, rateType RateType, rateDate time.Time) (Rate, error) {
	row := r.db.QueryRow(ctx, `SELECT company_id, rate_date, rate_type, usd_to_lbp, created_at
FROM exchange_rates
WHERE company_id=$1 AND rate_type=$2 AND rate_date<=$3
ORDER BY rate_date DESC, created_at DESC
LIMIT 1`, scope.CompanyID, rateType, rateDate)
	return scanRate(row, scope)
}

func scanRate(row pgx.Row, scope tenant.Scope) (Rate, error) {
	var rate Rate
	if err := row.Scan(&rate.CompanyID, &rate.RateDate, &rate.Type, &rate.USDToLBP, &rate.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rate{}, ErrRateNotFound
		}
		return Rate{}, err
	}
	if err := scope.Check(rate.CompanyID); err != nil {
		return Rate{}, err
	}
	return rate, nil
}
