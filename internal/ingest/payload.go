package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType tags an inbound terminal event. Each type has exactly one
// concrete payload shape, validated here before the currency normalizer or
// the posting engine ever see it.
type EventType string

const (
	EventSaleCompleted    EventType = "sale.completed"
	EventSaleReturned     EventType = "sale.returned"
	EventCashMovement     EventType = "pos.cash_movement"
	EventPurchaseReceived EventType = "purchase.received"
	EventPurchaseInvoice  EventType = "purchase.invoice"
	EventShiftOpened      EventType = "shift.opened"
	EventShiftClosed      EventType = "shift.closed"
)

// ErrUnknownEventType rejects events no payload shape exists for.
var ErrUnknownEventType = errors.New("ingest: unknown event type")

var validate = validator.New()

// Payload is one decoded event body.
type Payload interface {
	Validate() error
}

// SaleLine is one invoice line as captured at the terminal.
type SaleLine struct {
	ItemID       uuid.UUID       `json:"item_id" validate:"required"`
	Qty          decimal.Decimal `json:"qty"`
	UnitPriceUSD decimal.Decimal `json:"unit_price_usd"`
	UnitPriceLBP decimal.Decimal `json:"unit_price_lbp"`
	LineTotalUSD decimal.Decimal `json:"line_total_usd"`
	LineTotalLBP decimal.Decimal `json:"line_total_lbp"`
}

// Payment is one tender against a sale.
type Payment struct {
	Method    string          `json:"method" validate:"required,oneof=cash_usd cash_lbp card"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	AmountLBP decimal.Decimal `json:"amount_lbp"`
}

// SalePayload covers sale.completed and sale.returned.
type SalePayload struct {
	DocNo              string           `json:"doc_no"`
	CustomerID         *uuid.UUID       `json:"customer_id,omitempty"`
	PricingCurrency    string           `json:"pricing_currency" validate:"required,oneof=USD LBP"`
	SettlementCurrency string           `json:"settlement_currency" validate:"omitempty,oneof=USD LBP"`
	ExchangeRate       *decimal.Decimal `json:"exchange_rate,omitempty"`
	RateType           string           `json:"rate_type" validate:"omitempty,oneof=official market internal"`
	Lines              []SaleLine       `json:"lines" validate:"required,min=1,dive"`
	Payments           []Payment        `json:"payments" validate:"dive"`
	TotalUSD           decimal.Decimal  `json:"total_usd"`
	TotalLBP           decimal.Decimal  `json:"total_lbp"`
	TaxUSD             decimal.Decimal  `json:"tax_usd"`
	TaxLBP             decimal.Decimal  `json:"tax_lbp"`
	ShiftID            *uuid.UUID       `json:"shift_id,omitempty"`
	CashierID          *uuid.UUID       `json:"cashier_id,omitempty"`
	BusinessDate       string           `json:"business_date" validate:"omitempty,datetime=2006-01-02"`
}

// Validate applies struct tags plus the sign rules validator cannot express.
func (p SalePayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	for idx, line := range p.Lines {
		if line.Qty.IsNegative() {
			return fmt.Errorf("ingest: line %d negative quantity", idx)
		}
		if line.UnitPriceUSD.IsNegative() || line.UnitPriceLBP.IsNegative() {
			return fmt.Errorf("ingest: line %d negative price", idx)
		}
	}
	for idx, payment := range p.Payments {
		if payment.AmountUSD.IsNegative() || payment.AmountLBP.IsNegative() {
			return fmt.Errorf("ingest: payment %d negative amount", idx)
		}
	}
	if p.TotalUSD.IsNegative() || p.TotalLBP.IsNegative() {
		return errors.New("ingest: negative sale total")
	}
	if p.ExchangeRate != nil && !p.ExchangeRate.IsPositive() {
		return errors.New("ingest: exchange rate must be positive")
	}
	return nil
}

// CashMovementPayload covers pos.cash_movement.
type CashMovementPayload struct {
	MovementType string          `json:"movement_type" validate:"required,oneof=cash_in cash_out paid_out safe_drop other"`
	AmountUSD    decimal.Decimal `json:"amount_usd"`
	AmountLBP    decimal.Decimal `json:"amount_lbp"`
	ShiftID      *uuid.UUID      `json:"shift_id,omitempty"`
	CashierID    *uuid.UUID      `json:"cashier_id,omitempty"`
	Notes        string          `json:"notes"`
}

func (p CashMovementPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if p.AmountUSD.IsNegative() || p.AmountLBP.IsNegative() {
		return errors.New("ingest: amounts must be >= 0")
	}
	if p.AmountUSD.IsZero() && p.AmountLBP.IsZero() {
		return errors.New("ingest: amount is required")
	}
	return nil
}

// ReceiptLine is one received or invoiced purchase line.
type ReceiptLine struct {
	ItemID       uuid.UUID       `json:"item_id" validate:"required"`
	Qty          decimal.Decimal `json:"qty"`
	UnitCostUSD  decimal.Decimal `json:"unit_cost_usd"`
	UnitCostLBP  decimal.Decimal `json:"unit_cost_lbp"`
	LineTotalUSD decimal.Decimal `json:"line_total_usd"`
	LineTotalLBP decimal.Decimal `json:"line_total_lbp"`
}

// PurchasePayload covers purchase.received and purchase.invoice.
type PurchasePayload struct {
	DocNo        string           `json:"doc_no"`
	SupplierID   *uuid.UUID       `json:"supplier_id,omitempty"`
	SupplierRef  string           `json:"supplier_ref"`
	ExchangeRate *decimal.Decimal `json:"exchange_rate,omitempty"`
	RateType     string           `json:"rate_type" validate:"omitempty,oneof=official market internal"`
	Lines        []ReceiptLine    `json:"lines" validate:"required,min=1,dive"`
	TotalUSD     decimal.Decimal  `json:"total_usd"`
	TotalLBP     decimal.Decimal  `json:"total_lbp"`
	TaxUSD       decimal.Decimal  `json:"tax_usd"`
	TaxLBP       decimal.Decimal  `json:"tax_lbp"`
	BusinessDate string           `json:"business_date" validate:"omitempty,datetime=2006-01-02"`
}

func (p PurchasePayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	for idx, line := range p.Lines {
		if line.Qty.IsNegative() {
			return fmt.Errorf("ingest: line %d negative quantity", idx)
		}
	}
	if p.TotalUSD.IsNegative() || p.TotalLBP.IsNegative() {
		return errors.New("ingest: negative purchase total")
	}
	if p.ExchangeRate != nil && !p.ExchangeRate.IsPositive() {
		return errors.New("ingest: exchange rate must be positive")
	}
	return nil
}

// ShiftOpenPayload covers shift.opened.
type ShiftOpenPayload struct {
	OpeningCashUSD decimal.Decimal `json:"opening_cash_usd"`
	OpeningCashLBP decimal.Decimal `json:"opening_cash_lbp"`
	CashierID      *uuid.UUID      `json:"cashier_id,omitempty"`
	Notes          string          `json:"notes"`
}

func (p ShiftOpenPayload) Validate() error {
	if p.OpeningCashUSD.IsNegative() || p.OpeningCashLBP.IsNegative() {
		return errors.New("ingest: opening cash must be >= 0")
	}
	return nil
}

// ShiftClosePayload covers shift.closed. The declared totals feed the daily
// reconciliation against server-committed figures.
type ShiftClosePayload struct {
	ShiftID        *uuid.UUID      `json:"shift_id,omitempty"`
	ClosingCashUSD decimal.Decimal `json:"closing_cash_usd"`
	ClosingCashLBP decimal.Decimal `json:"closing_cash_lbp"`
	CardTotalUSD   decimal.Decimal `json:"card_total_usd"`
	InvoiceCount   int             `json:"invoice_count"`
	CashierID      *uuid.UUID      `json:"cashier_id,omitempty"`
	Notes          string          `json:"notes"`
}

func (p ShiftClosePayload) Validate() error {
	if p.ClosingCashUSD.IsNegative() || p.ClosingCashLBP.IsNegative() {
		return errors.New("ingest: closing cash must be >= 0")
	}
	if p.InvoiceCount < 0 {
		return errors.New("ingest: invoice count must be >= 0")
	}
	return nil
}

// DecodePayload parses and validates the payload for an event type.
func DecodePayload(eventType EventType, raw json.RawMessage) (Payload, error) {
	var payload Payload
	switch eventType {
	case EventSaleCompleted, EventSaleReturned:
		payload = &SalePayload{}
	case EventCashMovement:
		payload = &CashMovementPayload{}
	case EventPurchaseReceived, EventPurchaseInvoice:
		payload = &PurchasePayload{}
	case EventShiftOpened:
		payload = &ShiftOpenPayload{}
	case EventShiftClosed:
		payload = &ShiftClosePayload{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("ingest: decode %s payload: %w", eventType, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}
