package refdata

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cedarledger/cedarledger/internal/tenant"
)

// Repository reads reference data changed after a cursor. Every query orders
// by (updated_at, id) and compares row-wise against the cursor pair so rows
// sharing a boundary timestamp are never skipped across pages.
type Repository interface {
	ItemsChangedSince(ctx context.Context, scope tenant.Scope, since Cursor, limit int) ([]Item, error)
	PriceListsChangedSince(ctx context.Context, scope tenant.Scope, since Cursor, limit int) ([]PriceList, error)
	PricesChangedSince(ctx context.Context, scope tenant.Scope, since Cursor, limit int) ([]Price, error)
	PromotionsChangedSince(ctx context.Context, scope tenant.Scope, since Cursor, limit int) ([]Promotion, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed refdata repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) ItemsChangedSince(ctx context.Context, scope tenant.Scope, since Cursor, limit int) ([]Item, error) {
	rows, err := r.db.Query(ctx, `SELECT id, company_id, sku, name, barcode, price_usd, price_lbp, vat_rate_pct, active, updated_at
FROM items
WHERE company_id=$1 AND (updated_at, id) > ($2::timestamptz, $3::uuid)
ORDER BY updated_at ASC, id ASC
LIMIT $4`, scope.CompanyID, since.TS, since.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("refdata: query items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.CompanyID, &it.SKU, &it.Name, &it.Barcode,
			&it.PriceUSD, &it.PriceLBP, &it.VATRatePct, &it.Active, &it.UpdatedAt); err != nil {
			return nil, err
		}
		if err := scope.Check(it.CompanyID); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *repository) PriceListsChangedSince(ctx context.Context, scope tenant.Scope, since Cursor, limit int) ([]PriceList, error) {
	rows, err := r.db.Query(ctx, `SELECT id, company_id, name, priority, active, updated_at
FROM price_lists
WHERE company_id=$1 AND (updated_at, id) > ($2::timestamptz, $3::uuid)
ORDER BY updated_at ASC, id ASC
LIMIT $4`, scope.CompanyID, since.TS, since.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("refdata: query price lists: %w", err)
	}
	defer rows.Close()

	var lists []PriceList
	for rows.Next() {
		var pl PriceList
		if err := rows.Scan(&pl.ID, &pl.CompanyID, &pl.Name, &pl.Priority, &pl.Active, &pl.UpdatedAt); err != nil {
			return nil, err
		}
		if err := scope.Check(pl.CompanyID); err != nil {
			return nil, err
		}
		lists = append(lists, pl)
	}
	return lists, rows.Err()
}

func (r *repository) PricesChangedSince(ctx context.Context, scope tenant.Scope, since Cursor, limit int) ([]Price, error) {
	rows, err := r.db.Query(ctx, `SELECT id, company_id, price_list_id, item_id, price_usd, price_lbp, active, updated_at
FROM item_prices
WHERE company_id=$1 AND (updated_at, id) > ($2::timestamptz, $3::uuid)
ORDER BY updated_at ASC, id ASC
LIMIT $4`, scope.CompanyID, since.TS, since.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("refdata: query item prices: %w", err)
	}
	defer rows.Close()

	var prices []Price
	for rows.Next() {
		var p Price
		if err := rows.Scan(&p.ID, &p.CompanyID, &p.PriceListID, &p.ItemID,
			&p.PriceUSD, &p.PriceLBP, &p.Active, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := scope.Check(p.CompanyID); err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

func (r *repository) PromotionsChangedSince(ctx context.Context, scope tenant.Scope, since Cursor, limit int) ([]Promotion, error) {
	rows, err := r.db.Query(ctx, `SELECT id, company_id, name, item_id, percent_off, amount_usd, amount_lbp, starts_at, ends_at, active, updated_at
FROM promotions
WHERE company_id=$1 AND (updated_at, id) > ($2::timestamptz, $3::uuid)
ORDER BY updated_at ASC, id ASC
LIMIT $4`, scope.CompanyID, since.TS, since.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("refdata: query promotions: %w", err)
	}
	defer rows.Close()

	var promos []Promotion
	for rows.Next() {
		var p Promotion
		if err := rows.Scan(&p.ID, &p.CompanyID, &p.Name, &p.ItemID, &p.PercentOff,
			&p.AmountUSD, &p.AmountLBP, &p.StartsAt, &p.EndsAt, &p.Active, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := scope.Check(p.CompanyID); err != nil {
			return nil, err
		}
		promos = append(promos, p)
	}
	return promos, rows.Err()
}
