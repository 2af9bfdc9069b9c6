// Package recon compares cashier-declared shift totals against the figures
// the ledger actually committed, and records an exception per discrepancy.
// It never mutates financial documents: corrections happen as new documents
// or reversals decided by an operator.
package recon

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind classifies what a shift exception disagrees about.
type Kind string

const (
	KindCashUSD      Kind = "cash_usd"
	KindCashLBP      Kind = "cash_lbp"
	KindCardUSD      Kind = "card_usd"
	KindInvoiceCount Kind = "invoice_count"
)

// ExceptionStatus is the operator workflow state.
type ExceptionStatus string

const (
	ExceptionOpen     ExceptionStatus = "open"
	ExceptionResolved ExceptionStatus = "resolved"
)

// Exception is one declared-vs-committed discrepancy on one shift.
type Exception struct {
	ID           uuid.UUID
	CompanyID    uuid.UUID
	ShiftID      uuid.UUID
	DeviceID     uuid.UUID
	BusinessDate time.Time
	Kind         Kind
	Declared     decimal.Decimal
	Committed    decimal.Decimal
	Delta        decimal.Decimal
	Status       ExceptionStatus
	Notes        string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

// Committed is the server-side truth for one shift, aggregated from posted
// journals and cash movement documents.
type Committed struct {
	CashSalesUSD decimal.Decimal
	CashSalesLBP decimal.Decimal
	CardUSD      decimal.Decimal
	MovementUSD  decimal.Decimal
	MovementLBP  decimal.Decimal
	InvoiceCount int
}

// RunSummary reports one reconciliation pass over a business date.
type RunSummary struct {
	CompanyID      uuid.UUID
	BusinessDate   time.Time
	ShiftsChecked  int
	ExceptionsOpen int
}
