package fx

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RateType selects which company rate table column feeds a document.
type RateType string

const (
	RateTypeOfficial RateType = "official"
	RateTypeMarket   RateType = "market"
	RateTypeInternal RateType = "internal"
)

// Valid reports whether the rate type is one of the known values.
func (t RateType) Valid() bool {
	switch t {
	case RateTypeOfficial, RateTypeMarket, RateTypeInternal:
		return true
	}
	return false
}

// RateSource records how a document's locked rate was obtained. Fallback
// sources are surfaced to operators; they never block posting.
type RateSource string

const (
	// RateSourceTerminal is a terminal-captured rate, authoritative as-is.
	RateSourceTerminal RateSource = "terminal"
	// RateSourceExact matched the company rate table for the business date.
	RateSourceExact RateSource = "exact"
	// RateSourceFallback used the latest prior rate or the safe default.
	RateSourceFallback RateSource = "fallback"
)

// Rate is one row of the company daily rate table.
type Rate struct {
	CompanyID uuid.UUID
	RateDate  time.Time
	Type      RateType
	USDToLBP  decimal.Decimal
	CreatedAt time.Time
}

// Resolution is the locked outcome of rate lookup for one document.
type Resolution struct {
	USDToLBP decimal.Decimal
	Type     RateType
	Source   RateSource
}
