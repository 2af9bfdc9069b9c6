package documents

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

// ErrNotFound indicates the document does not exist within the scope.
var ErrNotFound = errors.New("documents: not found")

const documentColumns = `id, company_id, doc_type, doc_no, status,
amount_usd, amount_lbp, tax_usd, tax_lbp,
exchange_rate, rate_type, rate_source, pricing_currency, settlement_currency,
device_id, shift_id, source_event_id, business_date, created_at, posted_at, reversed_at`

// Repository provides scoped document access. Writes happen inside the
// ledger posting transaction through the Tx variants.
type Repository interface {
	Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (Document, error)
	List(ctx context.Context, scope tenant.Scope, filter ListFilter) ([]Document, error)
}

// ListFilter narrows admin document queries.
type ListFilter struct {
	DocType  DocType
	Status   Status
	DeviceID *uuid.UUID
	From     *time.Time
	To       *time.Time
	Limit    int
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed document repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (Document, error) {
	row := r.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM financial_documents WHERE company_id=$1 AND id=$2`, scope.CompanyID, id)
	return scanDocument(row, scope)
}

func (r *repository) List(ctx context.Context, scope tenant.Scope, filter ListFilter) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM financial_documents WHERE company_id=$1`
	args := []any{scope.CompanyID}
	if filter.DocType != "" {
		args = append(args, filter.DocType)
		query += ` AND doc_type=$` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status=$` + strconv.Itoa(len(args))
	}
	if filter.DeviceID != nil {
		args = append(args, *filter.DeviceID)
		query += ` AND device_id=$` + strconv.Itoa(len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += ` AND business_date>=$` + strconv.Itoa(len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += ` AND business_date<=$` + strconv.Itoa(len(args))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows, scope)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// InsertTx creates a document inside the event-application transaction.
func InsertTx(ctx context.Context, tx pgx.Tx, doc Document) error {
	_, err := tx.Exec(ctx, `INSERT INTO financial_documents
(`+documentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		doc.ID, doc.CompanyID, doc.DocType, doc.DocNo, doc.Status,
		doc.AmountUSD, doc.AmountLBP, doc.TaxUSD, doc.TaxLBP,
		doc.ExchangeRate, doc.RateType, doc.RateSource, doc.PricingCurrency, doc.SettlementCurrency,
		doc.DeviceID, doc.ShiftID, doc.SourceEventID, doc.BusinessDate, doc.CreatedAt, doc.PostedAt, doc.ReversedAt)
	return err
}

// InsertIdempotentTx creates a document keyed by its id, treating a conflict
// as an earlier successful attempt. Event application derives the document id
// from the event id, so a replay lands here and changes nothing.
func InsertIdempotentTx(ctx context.Context, tx pgx.Tx, doc Document) (bool, error) {
	cmd, err := tx.Exec(ctx, `INSERT INTO financial_documents
(`+documentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
ON CONFLICT (id) DO NOTHING`,
		doc.ID, doc.CompanyID, doc.DocType, doc.DocNo, doc.Status,
		doc.AmountUSD, doc.AmountLBP, doc.TaxUSD, doc.TaxLBP,
		doc.ExchangeRate, doc.RateType, doc.RateSource, doc.PricingCurrency, doc.SettlementCurrency,
		doc.DeviceID, doc.ShiftID, doc.SourceEventID, doc.BusinessDate, doc.CreatedAt, doc.PostedAt, doc.ReversedAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// GetForUpdateTx locks the document row, serializing concurrent post attempts
// on the same document.
func GetForUpdateTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id uuid.UUID) (Document, error) {
	row := tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM financial_documents WHERE company_id=$1 AND id=$2 FOR UPDATE`, scope.CompanyID, id)
	return scanDocument(row, scope)
}

// UpdateStatusTx transitions the document, guarded by the expected current
// status so a lost race is a no-op, never a double transition.
func UpdateStatusTx(ctx context.Context, tx pgx.Tx, scope tenant.Scope, id uuid.UUID, from, to Status, at time.Time) (bool, error) {
	column := "posted_at"
	if to == StatusReversed {
		column = "reversed_at"
	}
	cmd, err := tx.Exec(ctx, `UPDATE financial_documents SET status=$4, `+column+`=$5
WHERE company_id=$1 AND id=$2 AND status=$3`, scope.CompanyID, id, from, to, at)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func scanDocument(row pgx.Row, scope tenant.Scope) (Document, error) {
	var doc Document
	err := row.Scan(&doc.ID, &doc.CompanyID, &doc.DocType, &doc.DocNo, &doc.Status,
		&doc.AmountUSD, &doc.AmountLBP, &doc.TaxUSD, &doc.TaxLBP,
		&doc.ExchangeRate, &doc.RateType, &doc.RateSource, &doc.PricingCurrency, &doc.SettlementCurrency,
		&doc.DeviceID, &doc.ShiftID, &doc.SourceEventID, &doc.BusinessDate, &doc.CreatedAt, &doc.PostedAt, &doc.ReversedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	if err := scope.Check(doc.CompanyID); err != nil {
		return Document{}, err
	}
	return doc, nil
}
