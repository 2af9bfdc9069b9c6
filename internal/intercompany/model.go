// Package intercompany moves stock between companies of the group. One
// transfer produces a document and journal in each company plus a running
// net settlement balance per company pair, so month-end netting reads one row
// instead of replaying transfers.
package intercompany

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferStatus is the transfer lifecycle.
type TransferStatus string

const (
	TransferPending TransferStatus = "pending"
	TransferPosted  TransferStatus = "posted"
)

// Transfer is one stock movement between two companies, valued at the
// group-internal rate locked at creation.
type Transfer struct {
	ID            uuid.UUID
	FromCompanyID uuid.UUID
	ToCompanyID   uuid.UUID
	FromBranchID  *uuid.UUID
	ToBranchID    *uuid.UUID
	Reference     string
	AmountUSD     decimal.Decimal
	AmountLBP     decimal.Decimal
	ExchangeRate  decimal.Decimal
	Status        TransferStatus
	CreatedAt     time.Time
	PostedAt      *time.Time
}

// Settlement is the running net position of one ordered company pair.
// Positive NetUSD means ToCompany owes FromCompany.
type Settlement struct {
	FromCompanyID uuid.UUID
	ToCompanyID   uuid.UUID
	NetUSD        decimal.Decimal
	NetLBP        decimal.Decimal
	UpdatedAt     time.Time
}
