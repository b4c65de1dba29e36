package cache

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"pricefeed/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryRedis serves Get and Set from a map; every other command panics
type memoryRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMemoryRedis() *memoryRedis {
	return &memoryRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *memoryRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	m.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (m *memoryRedis) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func newTestCache() (*TickerCache, *memoryRedis) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	client := newMemoryRedis()
	return NewTickerCache(client, time.Minute, logger), client
}

func TestKey(t *testing.T) {
	assert.Equal(t, "ticker:BTC/USDT:binance", Key(" btc/usdt", "binance"))
	assert.Equal(t, "ticker:ETH/USDT:best", Key("ETH/USDT", BestExchange))
}

func TestSetAndGetBest(t *testing.T) {
	c, client := newTestCache()
	ctx := context.Background()

	best := &models.Ticker{
		Symbol:   "BTC/USDT",
		Exchange: "binance",
		Price:    decimal.RequireFromString("65000.5"),
		Status:   models.TickerActive,
	}
	require.NoError(t, c.SetBest(ctx, best))
	assert.Equal(t, time.Minute, client.ttls["ticker:BTC/USDT:best"])

	got, err := c.GetBest(ctx, "btc/usdt")
	require.NoError(t, err)
	assert.Equal(t, "binance", got.Exchange)
	assert.True(t, best.Price.Equal(got.Price))
}

func TestGetBestMiss(t *testing.T) {
	c, _ := newTestCache()

	_, err := c.GetBest(context.Background(), "ETH/USDT")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestGetBestDropsUndecodableEntry(t *testing.T) {
	c, client := newTestCache()
	client.data["ticker:ETH/USDT:best"] = "{not json"

	_, err := c.GetBest(context.Background(), "ETH/USDT")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestSetTickersEmptyIsNoop(t *testing.T) {
	c, _ := newTestCache()
	assert.NoError(t, c.SetTickers(context.Background(), nil))
}
