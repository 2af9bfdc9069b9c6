package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cedarledger/cedarledger/internal/fx"
)

// Journal is one posted double-entry journal. Journals and their entries are
// append-only: correction is by reversal, never by update or delete.
type Journal struct {
	ID                uuid.UUID
	CompanyID         uuid.UUID
	JournalNo         string
	SourceType        string
	SourceID          uuid.UUID
	JournalDate       time.Time
	RateType          fx.RateType
	ExchangeRate      decimal.Decimal
	Memo              string
	ReversesJournalID *uuid.UUID
	CreatedByDeviceID *uuid.UUID
	CreatedAt         time.Time
	Entries           []GLEntry
}

// GLEntry stores one dual-currency debit or credit. It carries its own
// company_id so the row-security policies scope entries without a join.
type GLEntry struct {
	ID        uuid.UUID
	CompanyID uuid.UUID
	JournalID uuid.UUID
	AccountID uuid.UUID
	DebitUSD  decimal.Decimal
	CreditUSD decimal.Decimal
	DebitLBP  decimal.Decimal
	CreditLBP decimal.Decimal
	Memo      string
}

// RoleCode names a company account default used by posting rules.
type RoleCode string

const (
	RoleCashUSD        RoleCode = "CASH_USD"
	RoleCashLBP        RoleCode = "CASH_LBP"
	RoleCard           RoleCode = "CARD_CLEARING"
	RoleAR             RoleCode = "AR"
	RoleAP             RoleCode = "AP"
	RoleSales          RoleCode = "SALES"
	RoleSalesReturns   RoleCode = "SALES_RETURNS"
	RoleVATPayable     RoleCode = "VAT_PAYABLE"
	RoleVATRecoverable RoleCode = "VAT_RECOVERABLE"
	RoleCOGS           RoleCode = "COGS"
	RoleInventory      RoleCode = "INVENTORY"
	RoleGRNI           RoleCode = "GRNI"
	RoleRounding       RoleCode = "ROUNDING"
	RoleIntercompany   RoleCode = "INTERCO"
)

// AccountDefaults maps role codes to the company chart of accounts.
type AccountDefaults map[RoleCode]uuid.UUID
