package fx

import "github.com/shopspring/decimal"

// Ledger precision: USD carries four decimals, LBP two. Both sides of every
// journal must balance exactly at these precisions.
const (
	usdPlaces int32 = 4
	lbpPlaces int32 = 2
)

// QuantizeUSD rounds a USD amount to ledger precision, half-up.
func QuantizeUSD(v decimal.Decimal) decimal.Decimal {
	return v.Round(usdPlaces)
}

// QuantizeLBP rounds an LBP amount to ledger precision, half-up.
func QuantizeLBP(v decimal.Decimal) decimal.Decimal {
	return v.Round(lbpPlaces)
}

// VATFromBase computes tax on a taxable base. VAT is assessed and stored in
// LBP regardless of pricing currency; the USD side is derived from the locked
// rate for reporting only.
func VATFromBase(baseLBP, ratePct, usdToLBP decimal.Decimal) (taxUSD, taxLBP decimal.Decimal) {
	taxLBP = QuantizeLBP(baseLBP.Mul(ratePct))
	if !usdToLBP.IsZero() {
		taxUSD = QuantizeUSD(taxLBP.Div(usdToLBP))
	}
	return taxUSD, taxLBP
}

// NormalizeDual fills the missing side of a dual amount from the locked rate.
// When both sides are present they are kept as entered; the document validator
// decides whether they are consistent.
func NormalizeDual(usd, lbp, rate decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if rate.IsZero() {
		return QuantizeUSD(usd), QuantizeLBP(lbp)
	}
	if usd.IsZero() && !lbp.IsZero() {
		usd = lbp.Div(rate)
	} else if lbp.IsZero() && !usd.IsZero() {
		lbp = usd.Mul(rate)
	}
	return QuantizeUSD(usd), QuantizeLBP(lbp)
}
