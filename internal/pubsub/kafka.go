package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"pricefeed/internal/metrics"
	"pricefeed/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// messageWriter is the subset of *kafka.Writer the sink needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes ticker snapshots to a Kafka topic keyed by symbol, so
// every snapshot of one symbol lands on the same partition
type KafkaSink struct {
	writer messageWriter
	logger *logrus.Logger
}

func NewKafkaSink(brokers []string, topic string, logger *logrus.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{writer: w, logger: logger}
}

func (s *KafkaSink) PublishTicker(ctx context.Context, t *models.Ticker) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	start := time.Now()
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.Symbol),
		Value: data,
		Time:  t.Timestamp,
	})
	metrics.TrackLatency(start, metrics.PublishLatency.WithLabelValues("kafka"))
	if err != nil {
		metrics.PublishFailures.WithLabelValues("kafka").Inc()
		return err
	}
	metrics.PublishSuccess.WithLabelValues("kafka").Inc()
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
