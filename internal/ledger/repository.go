package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cedarledger/cedarledger/internal/documents"
	"github.com/cedarledger/cedarledger/internal/tenant"
)

// ErrDuplicateKey signals an idempotency-key conflict inside a posting
// transaction: the transition has already happened.
var ErrDuplicateKey = errors.New("ledger: idempotency key already recorded")

// Repository encapsulates GL storage. The journal and entry tables are
// append-only; no update or delete paths exist here.
type Repository interface {
	ListJournals(ctx context.Context, scope tenant.Scope, limit int) ([]Journal, error)
	GetJournalWithEntries(ctx context.Context, scope tenant.Scope, id uuid.UUID) (Journal, error)
	FetchAccountDefaults(ctx context.Context, scope tenant.Scope) (AccountDefaults, error)
	WithTx(ctx context.Context, scope tenant.Scope, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the operations valid inside a posting transaction.
type TxRepository interface {
	GetDocumentForUpdate(ctx context.Context, id uuid.UUID) (documents.Document, error)
	UpdateDocumentStatus(ctx context.Context, id uuid.UUID, from, to documents.Status, at time.Time) (bool, error)
	InsertJournal(ctx context.Context, journal Journal) error
	InsertEntries(ctx context.Context, journalID uuid.UUID, entries []GLEntry) error
	// InsertPostingKey records the (document, target state) idempotency key;
	// a crash-retry that already wrote it gets ErrDuplicateKey.
	InsertPostingKey(ctx context.Context, documentID uuid.UUID, targetState documents.Status) error
	GetJournalWithEntries(ctx context.Context, id uuid.UUID) (Journal, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed ledger repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const journalColumns = `id, company_id, journal_no, source_type, source_id, journal_date,
rate_type, exchange_rate, memo, reverses_journal_id, created_by_device_id, created_at`

func (r *repository) ListJournals(ctx context.Context, scope tenant.Scope, limit int) ([]Journal, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := r.db.Query(ctx, `SELECT `+journalColumns+` FROM gl_journals
WHERE company_id=$1 ORDER BY created_at DESC LIMIT $2`, scope.CompanyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var journals []Journal
	for rows.Next() {
		journal, err := scanJournal(rows, scope)
		if err != nil {
			return nil, err
		}
		journals = append(journals, journal)
	}
	return journals, rows.Err()
}

func (r *repository) GetJournalWithEntries(ctx context.Context, scope tenant.Scope, id uuid.UUID) (Journal, error) {
	return getJournalWithEntries(ctx, r.db, scope, id)
}

func (r *repository) FetchAccountDefaults(ctx context.Context, scope tenant.Scope) (AccountDefaults, error) {
	rows, err := r.db.Query(ctx, `SELECT role_code, account_id FROM company_account_defaults WHERE company_id=$1`, scope.CompanyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defaults := make(AccountDefaults)
	for rows.Next() {
		var role RoleCode
		var accountID uuid.UUID
		if err := rows.Scan(&role, &accountID); err != nil {
			return nil, err
		}
		defaults[role] = accountID
	}
	return defaults, rows.Err()
}

func (r *repository) WithTx(ctx context.Context, scope tenant.Scope, fn func(context.Context, TxRepository) error) error {
	return tenant.WithTx(ctx, r.db, scope, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, scope: scope})
	})
}

type txRepository struct {
	tx    pgx.Tx
	scope tenant.Scope
}

func (r *txRepository) GetDocumentForUpdate(ctx context.Context, id uuid.UUID) (documents.Document, error) {
	return documents.GetForUpdateTx(ctx, r.tx, r.scope, id)
}

func (r *txRepository) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, from, to documents.Status, at time.Time) (bool, error) {
	return documents.UpdateStatusTx(ctx, r.tx, r.scope, id, from, to, at)
}

func (r *txRepository) InsertJournal(ctx context.Context, journal Journal) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO gl_journals (`+journalColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		journal.ID, journal.CompanyID, journal.JournalNo, journal.SourceType, journal.SourceID, journal.JournalDate,
		journal.RateType, journal.ExchangeRate, journal.Memo, journal.ReversesJournalID, journal.CreatedByDeviceID, journal.CreatedAt)
	return err
}

func (r *txRepository) InsertEntries(ctx context.Context, journalID uuid.UUID, entries []GLEntry) error {
	for _, entry := range entries {
		if _, err := r.tx.Exec(ctx, `INSERT INTO gl_entries
(id, company_id, journal_id, account_id, debit_usd, credit_usd, debit_lbp, credit_lbp, memo)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			entry.ID, r.scope.CompanyID, journalID, entry.AccountID, entry.DebitUSD, entry.CreditUSD, entry.DebitLBP, entry.CreditLBP, entry.Memo); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) InsertPostingKey(ctx context.Context, documentID uuid.UUID, targetState documents.Status) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO posting_keys (company_id, document_id, target_state, created_at)
VALUES ($1,$2,$3,$4)`, r.scope.CompanyID, documentID, targetState, time.Now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (r *txRepository) GetJournalWithEntries(ctx context.Context, id uuid.UUID) (Journal, error) {
	return getJournalWithEntries(ctx, r.tx, r.scope, id)
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getJournalWithEntries(ctx context.Context, q queryer, scope tenant.Scope, id uuid.UUID) (Journal, error) {
	row := q.QueryRow(ctx, `SELECT `+journalColumns+` FROM gl_journals WHERE company_id=$1 AND id=$2`, scope.CompanyID, id)
	journal, err := scanJournal(row, scope)
	if err != nil {
		return Journal{}, err
	}

	rows, err := q.Query(ctx, `SELECT id, company_id, journal_id, account_id, debit_usd, credit_usd, debit_lbp, credit_lbp, memo
FROM gl_entries WHERE company_id=$1 AND journal_id=$2 ORDER BY id ASC`, scope.CompanyID, id)
	if err != nil {
		return Journal{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var entry GLEntry
		if err := rows.Scan(&entry.ID, &entry.CompanyID, &entry.JournalID, &entry.AccountID,
			&entry.DebitUSD, &entry.CreditUSD, &entry.DebitLBP, &entry.CreditLBP, &entry.Memo); err != nil {
			return Journal{}, err
		}
		if err := scope.Check(entry.CompanyID); err != nil {
			return Journal{}, err
		}
		journal.Entries = append(journal.Entries, entry)
	}
	return journal, rows.Err()
}

func scanJournal(row pgx.Row, scope tenant.Scope) (Journal, error) {
	var journal Journal
	err := row.Scan(&journal.ID, &journal.CompanyID, &journal.JournalNo, &journal.SourceType, &journal.SourceID,
		&journal.JournalDate, &journal.RateType, &journal.ExchangeRate, &journal.Memo,
		&journal.ReversesJournalID, &journal.CreatedByDeviceID, &journal.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Journal{}, ErrJournalNotFound
		}
		return Journal{}, err
	}
	if err := scope.Check(journal.CompanyID); err != nil {
		return Journal{}, err
	}
	return journal, nil
}
