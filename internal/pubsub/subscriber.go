package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"pricefeed/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// TickerHandler consumes decoded inbound tickers
type TickerHandler func(t *models.Ticker)

// Subscriber feeds tickers published by an external source on a Redis
// channel into the broadcast path
type Subscriber struct {
	client  *redis.Client
	channel string
	handler TickerHandler
	logger  *logrus.Logger
}

func NewSubscriber(client *redis.Client, channel string, handler TickerHandler, logger *logrus.Logger) *Subscriber {
	return &Subscriber{
		client:  client,
		channel: channel,
		handler: handler,
		logger:  logger,
	}
}

// Run listens until ctx is done
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.WithField("channel", s.channel).Info("Listening for inbound tickers")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatch([]byte(msg.Payload))
		}
	}
}

func (s *Subscriber) dispatch(payload []byte) {
	t, err := DecodeTicker(payload)
	if err != nil {
		s.logger.WithError(err).WithField("channel", s.channel).Warn("Dropping inbound ticker")
		return
	}
	s.handler(t)
}

// DecodeTicker parses and validates an inbound ticker
func DecodeTicker(payload []byte) (*models.Ticker, error) {
	var t models.Ticker
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	symbol, err := models.CanonicalSymbol(t.Symbol)
	if err != nil {
		return nil, err
	}
	t.Symbol = symbol
	if t.Exchange == "" {
		return nil, fmt.Errorf("ticker for %s has no exchange", symbol)
	}
	if t.Status == "" {
		t.Status = models.TickerActive
	}
	if t.Status != models.TickerError && !t.Price.IsPositive() {
		return nil, fmt.Errorf("ticker for %s has non-positive price", symbol)
	}
	return &t, nil
}
