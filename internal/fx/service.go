package fx

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cedarledger/cedarledger/internal/tenant"
)

// defaultUSDToLBP is the last-resort rate when the company table is empty.
// Postings that land here carry RateSourceFallback so operators can review.
var defaultUSDToLBP = decimal.NewFromInt(90000)

// ResolveRequest describes the rate lookup for one new financial document.
type ResolveRequest struct {
	// TerminalRate is the rate the device captured at document creation.
	// When set it is authoritative as-is; documents are never re-rated.
	TerminalRate *decimal.Decimal
	RateType     RateType
	BusinessDate time.Time
}

// Resolver resolves and locks exchange rates for financial documents.
type Resolver struct {
	repo   Repository
	logger *slog.Logger
}

// NewResolver constructs the resolver.
func NewResolver(repo Repository, logger *slog.Logger) *Resolver {
	return &Resolver{repo: repo, logger: logger}
}

// Resolve picks the rate for a document. It never blocks posting: a missing
// rate for the business date falls back to the latest prior rate, then to the
// safe default, and the resolution is flagged as a fallback either way.
func (s *Resolver) Resolve(ctx context.Context, scope tenant.Scope, req ResolveRequest) (Resolution, error) {
	rateType := req.RateType
	if !rateType.Valid() {
		rateType = RateTypeMarket
	}

	if req.TerminalRate != nil && req.TerminalRate.IsPositive() {
		return Resolution{USDToLBP: *req.TerminalRate, Type: rateType, Source: RateSourceTerminal}, nil
	}

	rate, err := s.repo.GetRate(ctx, scope, rateType, req.BusinessDate)
	if err == nil {
		return Resolution{USDToLBP: rate.USDToLBP, Type: rateType, Source: RateSourceExact}, nil
	}
	if !errors.Is(err, ErrRateNotFound) {
		return Resolution{}, err
	}

	rate, err = s.repo.GetLatestRateBefore(ctx, scope, rateType, req.BusinessDate)
	if err == nil {
		s.logger.Warn("rate fallback to latest prior",
			slog.String("company_id", scope.CompanyID.String()),
			slog.String("rate_type", string(rateType)),
			slog.Time("business_date", req.BusinessDate),
			slog.Time("rate_date", rate.RateDate),
		)
		return Resolution{USDToLBP: rate.USDToLBP, Type: rateType, Source: RateSourceFallback}, nil
	}
	if !errors.Is(err, ErrRateNotFound) {
		return Resolution{}, err
	}

	s.logger.Warn("rate fallback to default",
		slog.String("company_id", scope.CompanyID.String()),
		slog.String("rate_type", string(rateType)),
	)
	return Resolution{USDToLBP: defaultUSDToLBP, Type: rateType, Source: RateSourceFallback}, nil
}

// ConsistencyTolerance bounds how far entered dual amounts may drift from the
// locked rate before the document fails validation.
var (
	toleranceUSD = decimal.RequireFromString("0.05")
	toleranceLBP = decimal.NewFromInt(5000)
)

// CheckConsistency verifies entered dual amounts against the locked rate.
// Amounts within rounding tolerance pass; the residual is the ledger's rounding
// account problem, not a rejection.
func CheckConsistency(usd, lbp, rate decimal.Decimal) bool {
	if rate.IsZero() {
		return true
	}
	if usd.IsZero() && lbp.IsZero() {
		return true
	}
	expectedLBP := QuantizeLBP(usd.Mul(rate))
	return expectedLBP.Sub(lbp).Abs().LessThanOrEqual(toleranceLBP)
}
