package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher пишет события в один топик, ключ сообщения задаёт партицию.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher создаёт публикатор событий в топик topic.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
	}, nil
}

// Publish отправляет событие и ждёт подтверждения от всех реплик.
func (p *KafkaPublisher) Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(partitionKey),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
		},
	})
}

// Close сбрасывает буферы и закрывает соединения.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LoggingPublisher только пишет события в лог. Используется без Kafka.
type LoggingPublisher struct {
	logger *zap.Logger
}

// NewLoggingPublisher создаёт публикатор, который только пишет события в лог.
func NewLoggingPublisher(logger *zap.Logger) *LoggingPublisher {
	return &LoggingPublisher{logger: logger}
}

// Publish пишет событие в лог.
func (p *LoggingPublisher) Publish(_ context.Context, eventType string, payload []byte, partitionKey string) error {
	p.logger.Info("event published",
		zap.String("event_type", eventType),
		zap.String("partition_key", partitionKey),
		zap.Int("payload_bytes", len(payload)),
	)
	return nil
}

// Close ничего не делает.
func (p *LoggingPublisher) Close() error {
	return nil
}
