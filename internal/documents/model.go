package documents

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cedarledger/cedarledger/internal/fx"
)

// DocType enumerates the financial document kinds produced by terminal events.
type DocType string

const (
	DocTypeSalesInvoice    DocType = "sales_invoice"
	DocTypeSalesReturn     DocType = "sales_return"
	DocTypeGoodsReceipt    DocType = "goods_receipt"
	DocTypeSupplierInvoice DocType = "supplier_invoice"
	DocTypeCashMovement    DocType = "cash_movement"
	DocTypeStockTransfer   DocType = "stock_transfer"
)

// Status is the document lifecycle. Draft documents carry no GL entries;
// posting is the only transition that creates them; reversal never mutates
// the originals.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusPosted   Status = "posted"
	StatusReversed Status = "reversed"
)

// Document is a dual-currency financial document. ExchangeRate and both
// amount fields are locked at creation and never recomputed.
type Document struct {
	ID                 uuid.UUID
	CompanyID          uuid.UUID
	DocType            DocType
	DocNo              string
	Status             Status
	AmountUSD          decimal.Decimal
	AmountLBP          decimal.Decimal
	TaxUSD             decimal.Decimal
	TaxLBP             decimal.Decimal
	ExchangeRate       decimal.Decimal
	RateType           fx.RateType
	RateSource         fx.RateSource
	PricingCurrency    string
	SettlementCurrency string
	DeviceID           *uuid.UUID
	ShiftID            *uuid.UUID
	SourceEventID      *uuid.UUID
	BusinessDate       time.Time
	CreatedAt          time.Time
	PostedAt           *time.Time
	ReversedAt         *time.Time
}
