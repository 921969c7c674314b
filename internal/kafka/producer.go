package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-ordering/internal/logger"
)

type Producer struct {
	Writer *kafka.Writer
	logger *logger.Logger
}

// NewProducer writes to a single topic; messages with the same key land on
// the same partition.
func NewProducer(brokers []string, topic string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &Producer{Writer: writer, logger: log}
}

func (p *Producer) Publish(ctx context.Context, key string, value []byte) error {
	err := p.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("write to %s: %w", p.Writer.Topic, err)
	}
	p.logger.LogKafka("PUBLISH", p.Writer.Topic, fmt.Sprintf("key=%s bytes=%d", key, len(value)))
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
