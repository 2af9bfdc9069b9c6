package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/cedarledger/cedarledger/internal/tenant"
)

// cachedRepository fronts the rate table with Redis. Daily rates change at
// most a handful of times per day and every applied event reads one, so even
// a short TTL removes almost all of that load. Misses (ErrRateNotFound) are
// not cached: an operator entering the missing rate should take effect on the
// next lookup.
type cachedRepository struct {
	inner  Repository
	client *redis.Client
	ttl    time.Duration
}

// NewCachedRepository wraps a rate repository with a Redis read-through
// cache. A nil client returns the inner repository unchanged.
func NewCachedRepository(inner Repository, client *redis.Client, ttl time.Duration) Repository {
	if client == nil {
		return inner
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &cachedRepository{inner: inner, client: client, ttl: ttl}
}

type cachedRate struct {
	RateDate  time.Time `json:"rate_date"`
	USDToLBP  string    `json:"usd_to_lbp"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *cachedRepository) GetRate(ctx context.Context, scope tenant.Scope, rateType RateType, rateDate time.Time) (Rate, error) {
	key := rateKey("fx:rate", scope, rateType, rateDate)
	if rate, ok := c.fetch(ctx, key, scope, rateType); ok {
		return rate, nil
	}
	rate, err := c.inner.GetRate(ctx, scope, rateType, rateDate)
	if err != nil {
		return Rate{}, err
	}
	c.store(ctx, key, rate)
	return rate, nil
}

func (c *cachedRepository) GetLatestRateBefore(ctx context.Context, scope tenant.Scope, rateType RateType, rateDate time.Time) (Rate, error) {
	key := rateKey("fx:prior", scope, rateType, rateDate)
	if rate, ok := c.fetch(ctx, key, scope, rateType); ok {
		return rate, nil
	}
	rate, err := c.inner.GetLatestRateBefore(ctx, scope, rateType, rateDate)
	if err != nil {
		return Rate{}, err
	}
	c.store(ctx, key, rate)
	return rate, nil
}

// fetch returns the cached rate if present. Cache errors degrade to a table
// read, they never fail the lookup.
func (c *cachedRepository) fetch(ctx context.Context, key string, scope tenant.Scope, rateType RateType) (Rate, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return Rate{}, false
	}
	var cached cachedRate
	if err := json.Unmarshal(raw, &cached); err != nil {
		return Rate{}, false
	}
	usdToLBP, err := decimal.NewFromString(cached.USDToLBP)
	if err != nil {
		return Rate{}, false
	}
	return Rate{
		CompanyID: scope.CompanyID,
		RateDate:  cached.RateDate,
		Type:      rateType,
		USDToLBP:  usdToLBP,
		CreatedAt: cached.CreatedAt,
	}, true
}

func (c *cachedRepository) store(ctx context.Context, key string, rate Rate) {
	raw, err := json.Marshal(cachedRate{
		RateDate:  rate.RateDate,
		USDToLBP:  rate.USDToLBP.String(),
		CreatedAt: rate.CreatedAt,
	})
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, key, raw, c.ttl).Err()
}

func rateKey(prefix string, scope tenant.Scope, rateType RateType, rateDate time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", prefix, scope.CompanyID, rateType, rateDate.Format("2006-01-02"))
}
