// Package tenant enforces company isolation. Every read and write path in the
// system runs under a Scope; the database applies row-level policies keyed on
// app.current_company_id as an independent second check.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrViolation indicates an attempted cross-company access. It is fatal to the
// operation, logged by the caller, and never retried or silently corrected.
var ErrViolation = errors.New("tenant: cross-company access denied")

// Scope identifies exactly one company for the duration of an operation.
type Scope struct {
	CompanyID uuid.UUID
}

// NewScope builds a scope, rejecting the nil company id.
func NewScope(companyID uuid.UUID) (Scope, error) {
	if companyID == uuid.Nil {
		return Scope{}, errors.New("tenant: company id required")
	}
	return Scope{CompanyID: companyID}, nil
}

// Check verifies a row-level company id against the scope. Repositories call
// it after every read that returns a company-carrying row, in addition to
// filtering in SQL.
func (s Scope) Check(companyID uuid.UUID) error {
	if companyID != s.CompanyID {
		return fmt.Errorf("%w: scope %s, row %s", ErrViolation, s.CompanyID, companyID)
	}
	return nil
}

type scopeContextKey struct{}

// ContextWithScope stores the scope in context.
func ContextWithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext extracts the scope from context.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(scopeContextKey{}).(Scope)
	return scope, ok
}

// WithTx opens a RepeatableRead transaction bound to the scope. It sets
// app.current_company_id with set_config before running fn, so the database
// row-security policies see the same company the application layer filters on.
func WithTx(ctx context.Context, pool *pgxpool.Pool, scope Scope, fn func(pgx.Tx) error) error {
	if scope.CompanyID == uuid.Nil {
		return errors.New("tenant: scope required")
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tenant: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_company_id', $1, true)`, scope.CompanyID.String()); err != nil {
		return fmt.Errorf("tenant: set company context: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tenant: commit tx: %w", err)
	}
	return nil
}
