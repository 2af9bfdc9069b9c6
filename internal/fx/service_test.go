package fx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedarledger/cedarledger/internal/tenant"
)

type mockRateRepo struct {
	exact map[string]Rate
	prior map[string]Rate
	err   error
}

func rateKeyFor(t RateType, day time.Time) string {
	return string(t) + "|" + day.Format("2006-01-02")
}

func (m *mockRateRepo) GetRate(_ context.Context, _ tenant.Scope, rateType RateType, rateDate time.Time) (Rate, error) {
	if m.err != nil {
		return Rate{}, m.err
	}
	if r, ok := m.exact[rateKeyFor(rateType, rateDate)]; ok {
		return r, nil
	}
	return Rate{}, ErrRateNotFound
}

func (m *mockRateRepo) GetLatestRateBefore(_ context.Context, _ tenant.Scope, rateType RateType, rateDate time.Time) (Rate, error) {
	if m.err != nil {
		return Rate{}, m.err
	}
	if r, ok := m.prior[rateKeyFor(rateType, rateDate)]; ok {
		return r, nil
	}
	return Rate{}, ErrRateNotFound
}

func testResolver(repo Repository) *Resolver {
	return NewResolver(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolveTerminalRateWins(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	repo := &mockRateRepo{exact: map[string]Rate{
		rateKeyFor(RateTypeMarket, day): {USDToLBP: decimal.NewFromInt(89500)},
	}}
	captured := decimal.NewFromInt(90500)

	res, err := testResolver(repo).Resolve(context.Background(), tenant.Scope{CompanyID: uuid.New()}, ResolveRequest{
		TerminalRate: &captured,
		RateType:     RateTypeMarket,
		BusinessDate: day,
	})
	require.NoError(t, err)
	assert.Equal(t, RateSourceTerminal, res.Source)
	assert.True(t, res.USDToLBP.Equal(captured))
}

func TestResolveExactMatch(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	repo := &mockRateRepo{exact: map[string]Rate{
		rateKeyFor(RateTypeMarket, day): {USDToLBP: decimal.NewFromInt(89500)},
	}}

	res, err := testResolver(repo).Resolve(context.Background(), tenant.Scope{CompanyID: uuid.New()}, ResolveRequest{
		RateType:     RateTypeMarket,
		BusinessDate: day,
	})
	require.NoError(t, err)
	assert.Equal(t, RateSourceExact, res.Source)
	assert.Equal(t, "89500", res.USDToLBP.String())
}

func TestResolveFallsBackToLatestPrior(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	repo := &mockRateRepo{prior: map[string]Rate{
		rateKeyFor(RateTypeMarket, day): {
			RateDate: day.AddDate(0, 0, -3),
			USDToLBP: decimal.NewFromInt(88000),
		},
	}}

	res, err := testResolver(repo).Resolve(context.Background(), tenant.Scope{CompanyID: uuid.New()}, ResolveRequest{
		RateType:     RateTypeMarket,
		BusinessDate: day,
	})
	require.NoError(t, err)
	assert.Equal(t, RateSourceFallback, res.Source)
	assert.Equal(t, "88000", res.USDToLBP.String())
}

func TestResolveFallsBackToDefault(t *testing.T) {
	res, err := testResolver(&mockRateRepo{}).Resolve(context.Background(), tenant.Scope{CompanyID: uuid.New()}, ResolveRequest{
		RateType:     RateTypeOfficial,
		BusinessDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, RateSourceFallback, res.Source)
	assert.True(t, res.USDToLBP.Equal(defaultUSDToLBP))
}

func TestResolveInvalidTypeDefaultsToMarket(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	repo := &mockRateRepo{exact: map[string]Rate{
		rateKeyFor(RateTypeMarket, day): {USDToLBP: decimal.NewFromInt(89500)},
	}}

	res, err := testResolver(repo).Resolve(context.Background(), tenant.Scope{CompanyID: uuid.New()}, ResolveRequest{
		RateType:     RateType("weird"),
		BusinessDate: day,
	})
	require.NoError(t, err)
	assert.Equal(t, RateTypeMarket, res.Type)
}

func TestResolvePropagatesRepositoryErrors(t *testing.T) {
	repo := &mockRateRepo{err: errors.New("connection refused")}
	_, err := testResolver(repo).Resolve(context.Background(), tenant.Scope{CompanyID: uuid.New()}, ResolveRequest{
		RateType:     RateTypeMarket,
		BusinessDate: time.Now(),
	})
	require.Error(t, err)
}
