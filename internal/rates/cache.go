package rates

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/payflow/internal/logger"
)

const cacheKey = "rates:prices"

// Cached decorates a Service with a redis-backed price cache so price-feed
// outages shorter than the TTL are invisible to the lifecycle engine. Cache
// failures fall through to the inner service.
type Cached struct {
	inner Service
	rdb   *redis.Client
	ttl   time.Duration
}

func NewCached(inner Service, rdb *redis.Client, ttl time.Duration) *Cached {
	return &Cached{inner: inner, rdb: rdb, ttl: ttl}
}

func (c *Cached) Prices(ctx context.Context) (map[string]decimal.Decimal, error) {
	cached, err := c.rdb.Get(ctx, cacheKey).Result()
	if err == nil {
		var prices map[string]decimal.Decimal
		if err := json.Unmarshal([]byte(cached), &prices); err == nil {
			return prices, nil
		}
	} else if err != redis.Nil {
		logger.Warn("rates cache read failed", logger.Fields{"error": err.Error()})
	}

	prices, err := c.inner.Prices(ctx)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(prices); err == nil {
		if err := c.rdb.Set(ctx, cacheKey, payload, c.ttl).Err(); err != nil {
			logger.Warn("rates cache write failed", logger.Fields{"error": err.Error()})
		}
	}
	return prices, nil
}

func (c *Cached) Convert(ctx context.Context, amount uint64, source, destination Asset, slippage decimal.Decimal) (uint64, error) {
	prices, err := c.Prices(ctx)
	if err != nil {
		return 0, err
	}
	return Convert(prices, amount, source, destination, slippage)
}
