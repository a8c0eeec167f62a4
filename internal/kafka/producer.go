package kafka

import (
	"context"
	"time"

	"ms-booking/internal/logger"

	"github.com/segmentio/kafka-go"
)

// Producer publishes keyed messages to any topic. Messages with the same
// key (the order id) land on the same partition, so per-order events stay
// ordered.
type Producer struct {
	Writer *kafka.Writer
	logger *logger.Logger
}

func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
	return &Producer{Writer: writer, logger: log}
}

func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	p.logger.Debug("KAFKA", "publishing to "+topic+" key="+key)
	return p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
	})
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
