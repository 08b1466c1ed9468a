package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/keypool-system/internal/inventory"
	"github.com/mmeshcher/keypool-system/internal/model"
	"github.com/mmeshcher/keypool-system/internal/payment"
)

// Message содержит прочитанное из брокера сообщение.
type Message struct {
	Topic   string
	Payload []byte

	raw kafka.Message
}

// Consumer читает пачку сообщений, не дольше короткого таймаута. Смещение
// сдвигается только вызовом Commit.
type Consumer interface {
	Poll(ctx context.Context, max int) ([]Message, error)
	Commit(ctx context.Context, msgs ...Message) error
}

// PaymentHandler применяет к заказу итог оплаты.
type PaymentHandler interface {
	HandlePayment(ctx context.Context, orderID string, status payment.Status) error
}

// KafkaConsumer читает топик в составе группы потребителей и фиксирует
// смещения явно.
type KafkaConsumer struct {
	reader *kafka.Reader
}

// NewKafkaConsumer создаёт читателя топика для группы groupID.
func NewKafkaConsumer(brokers []string, groupID, topic string) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka consumer requires topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: reader}, nil
}

// Poll забирает до max сообщений без фиксации смещения.
func (c *KafkaConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	out := make([]Message, 0, max)
	for i := 0; i < max; i++ {
		readCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		msg, err := c.reader.FetchMessage(readCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				return out, nil
			case errors.Is(err, context.Canceled):
				return out, ctx.Err()
			default:
				return out, err
			}
		}
		out = append(out, Message{Topic: msg.Topic, Payload: msg.Value, raw: msg})
	}
	return out, nil
}

// Commit фиксирует смещения обработанных сообщений.
func (c *KafkaConsumer) Commit(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	raw := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		raw = append(raw, m.raw)
	}
	return c.reader.CommitMessages(ctx, raw...)
}

// Close останавливает чтение и закрывает соединения.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// PaymentWorker применяет события оплаты из брокера к заказам. Смещение
// фиксируется после того, как событие применено или признано неприменимым.
// Событие, упавшее на временной ошибке, повторяется на следующей итерации.
type PaymentWorker struct {
	logger   *zap.Logger
	consumer Consumer
	handler  PaymentHandler
	interval time.Duration

	pending []Message
}

// NewPaymentWorker создаёт обработчик событий оплаты, опрашивающий брокер
// раз в interval.
func NewPaymentWorker(logger *zap.Logger, consumer Consumer, handler PaymentHandler, interval time.Duration) *PaymentWorker {
	if interval <= 0 {
		interval = time.Second
	}
	return &PaymentWorker{logger: logger, consumer: consumer, handler: handler, interval: interval}
}

// Run читает события до отмены ctx.
func (w *PaymentWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.processOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("payment consumer iteration failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *PaymentWorker) processOnce(ctx context.Context) error {
	msgs := w.pending
	w.pending = nil

	var pollErr error
	if len(msgs) == 0 {
		msgs, pollErr = w.consumer.Poll(ctx, 50)
	}

	done := msgs
	var handleErr error
	for i, msg := range msgs {
		if err := w.handle(ctx, msg); err != nil {
			// Остаток пачки ждёт повтора: фиксация более позднего смещения
			// потеряла бы это событие.
			w.pending = msgs[i:]
			done = msgs[:i]
			handleErr = err
			break
		}
	}

	if len(done) > 0 {
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := w.consumer.Commit(commitCtx, done...)
		cancel()
		if err != nil {
			return errors.Join(handleErr, pollErr, fmt.Errorf("commit payment events: %w", err))
		}
	}

	return errors.Join(handleErr, pollErr)
}

// handle возвращает ошибку только для сбоев, после которых событие стоит
// повторить.
func (w *PaymentWorker) handle(ctx context.Context, msg Message) error {
	ev, status, err := DecodePaymentEvent(msg.Payload)
	if err != nil {
		w.logger.Warn("skip malformed payment event", zap.String("topic", msg.Topic), zap.Error(err))
		return nil
	}

	err = w.handler.HandlePayment(ctx, ev.OrderID, status)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, inventory.ErrOutOfStock):
		w.logger.Info("paid order is waiting for stock", zap.String("order_id", ev.OrderID))
		return nil
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrOrderNotFound):
		w.logger.Warn("skip inapplicable payment event",
			zap.String("order_id", ev.OrderID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return nil
	default:
		return fmt.Errorf("apply payment event for order %s: %w", ev.OrderID, err)
	}
}

// DecodePaymentEvent разбирает событие оплаты и нормализует статус.
func DecodePaymentEvent(payload []byte) (PaymentEvent, payment.Status, error) {
	var ev PaymentEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return PaymentEvent{}, "", fmt.Errorf("decode payment event: %w", err)
	}
	if ev.OrderID == "" {
		return PaymentEvent{}, "", fmt.Errorf("payment event without orderId")
	}
	status, err := payment.ParseStatus(ev.Status)
	if err != nil {
		return PaymentEvent{}, "", err
	}
	return ev, status, nil
}
