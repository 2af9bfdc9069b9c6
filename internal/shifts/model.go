// Package shifts tracks POS cashier shifts. A shift is opened and closed by
// terminal events; the declared closing figures feed the nightly
// reconciliation against server-committed totals.
package shifts

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the shift lifecycle.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Shift is one cash-drawer session on a device.
type Shift struct {
	ID             uuid.UUID
	CompanyID      uuid.UUID
	BranchID       uuid.UUID
	DeviceID       uuid.UUID
	CashierID      *uuid.UUID
	Status         Status
	BusinessDate   time.Time
	OpeningCashUSD decimal.Decimal
	OpeningCashLBP decimal.Decimal

	// Declared figures from shift.closed, nil until the shift closes.
	ClosingCashUSD *decimal.Decimal
	ClosingCashLBP *decimal.Decimal
	CardTotalUSD   *decimal.Decimal
	InvoiceCount   *int

	Notes    string
	OpenedAt time.Time
	ClosedAt *time.Time
}
