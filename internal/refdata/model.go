// Package refdata serves the reference data terminals cache locally: items,
// dual-currency price lists, and promotions. Pull is delta-based on a
// timestamp cursor so a terminal that was offline for days catches up in one
// or a few pages.
package refdata

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Item is one sellable product with its current dual-currency price.
type Item struct {
	ID         uuid.UUID       `json:"id"`
	CompanyID  uuid.UUID       `json:"company_id"`
	SKU        string          `json:"sku"`
	Name       string          `json:"name"`
	Barcode    string          `json:"barcode,omitempty"`
	PriceUSD   decimal.Decimal `json:"price_usd"`
	PriceLBP   decimal.Decimal `json:"price_lbp"`
	VATRatePct decimal.Decimal `json:"vat_rate_pct"`
	Active     bool            `json:"active"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PriceList groups channel or branch specific prices layered over the item's
// base price. Higher priority wins when several lists cover the same item.
type PriceList struct {
	ID        uuid.UUID `json:"id"`
	CompanyID uuid.UUID `json:"company_id"`
	Name      string    `json:"name"`
	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Price is one price list entry for an item.
type Price struct {
	ID          uuid.UUID       `json:"id"`
	CompanyID   uuid.UUID       `json:"company_id"`
	PriceListID uuid.UUID       `json:"price_list_id"`
	ItemID      uuid.UUID       `json:"item_id"`
	PriceUSD    decimal.Decimal `json:"price_usd"`
	PriceLBP    decimal.Decimal `json:"price_lbp"`
	Active      bool            `json:"active"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Promotion is a discount rule the terminal applies offline.
type Promotion struct {
	ID         uuid.UUID        `json:"id"`
	CompanyID  uuid.UUID        `json:"company_id"`
	Name       string           `json:"name"`
	ItemID     *uuid.UUID       `json:"item_id,omitempty"`
	PercentOff *decimal.Decimal `json:"percent_off,omitempty"`
	AmountUSD  *decimal.Decimal `json:"amount_usd,omitempty"`
	AmountLBP  *decimal.Decimal `json:"amount_lbp,omitempty"`
	StartsAt   time.Time        `json:"starts_at"`
	EndsAt     time.Time        `json:"ends_at"`
	Active     bool             `json:"active"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Delta is one pull page. Cursor is the page's high-water (updated_at, id)
// pair encoded as "<RFC3339Nano>|<uuid>"; the terminal stores it and sends it
// back verbatim on the next pull.
type Delta struct {
	Items      []Item      `json:"items"`
	PriceLists []PriceList `json:"price_lists"`
	Prices     []Price     `json:"prices"`
	Promotions []Promotion `json:"promotions"`
	Cursor     string      `json:"cursor"`
	More       bool        `json:"more"`
}
