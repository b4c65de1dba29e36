package pubsub

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"pricefeed/internal/metrics"
	"pricefeed/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// SnapshotSink receives every ticker the service distributes, for the
// history collaborator downstream
type SnapshotSink interface {
	PublishTicker(ctx context.Context, t *models.Ticker) error
	Close() error
}

// NopSink discards snapshots
type NopSink struct{}

func (NopSink) PublishTicker(context.Context, *models.Ticker) error { return nil }

func (NopSink) Close() error { return nil }

// Publisher publishes ticker snapshots on Redis channels
type Publisher struct {
	client redis.Cmdable
	prefix string
	logger *logrus.Logger
}

func NewPublisher(client redis.Cmdable, prefix string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Channel returns the channel a symbol's snapshots are published on, e.g.
// pricefeed:tickers:BTC-USDT
func (p *Publisher) Channel(symbol string) string {
	return p.prefix + ":" + strings.Replace(models.NormalizeSymbol(symbol), "/", "-", 1)
}

// PublishTicker publishes one snapshot to the symbol's channel
func (p *Publisher) PublishTicker(ctx context.Context, t *models.Ticker) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	start := time.Now()
	err = p.client.Publish(ctx, p.Channel(t.Symbol), data).Err()
	metrics.TrackLatency(start, metrics.PublishLatency.WithLabelValues("redis"))
	if err != nil {
		metrics.PublishFailures.WithLabelValues("redis").Inc()
		return err
	}
	metrics.PublishSuccess.WithLabelValues("redis").Inc()
	return nil
}

// Close is a no-op; the Redis client is owned by main
func (p *Publisher) Close() error { return nil }
