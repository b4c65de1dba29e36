package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pricefeed/internal/metrics"
	"pricefeed/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// ErrMiss is returned when no ticker is cached under a key
var ErrMiss = errors.New("cache miss")

// BestExchange is the pseudo-exchange key holding the selected best ticker
const BestExchange = "best"

// TickerCache keeps the latest ticker per symbol and exchange in Redis
type TickerCache struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *logrus.Logger
}

func NewTickerCache(client redis.Cmdable, ttl time.Duration, logger *logrus.Logger) *TickerCache {
	return &TickerCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Key returns the cache key for a symbol on an exchange
func Key(symbol, exchange string) string {
	return "ticker:" + models.NormalizeSymbol(symbol) + ":" + exchange
}

// SetTickers caches each ticker under its exchange in one pipeline
func (c *TickerCache) SetTickers(ctx context.Context, tickers []*models.Ticker) error {
	if len(tickers) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, t := range tickers {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		pipe.Set(ctx, Key(t.Symbol, t.Exchange), data, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SetBest caches the selected best ticker for its symbol
func (c *TickerCache) SetBest(ctx context.Context, t *models.Ticker) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, Key(t.Symbol, BestExchange), data, c.ttl).Err()
}

// GetBest returns the cached best ticker for a symbol
func (c *TickerCache) GetBest(ctx context.Context, symbol string) (*models.Ticker, error) {
	return c.get(ctx, Key(symbol, BestExchange))
}

func (c *TickerCache) get(ctx context.Context, key string) (*models.Ticker, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheAccess("redis", false)
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	metrics.RecordCacheAccess("redis", true)

	var t models.Ticker
	if err := json.Unmarshal(data, &t); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Dropping undecodable cached ticker")
		return nil, ErrMiss
	}
	return &t, nil
}
