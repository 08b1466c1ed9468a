package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/keypool-system/internal/inventory"
	"github.com/mmeshcher/keypool-system/internal/model"
	"github.com/mmeshcher/keypool-system/internal/payment"
)

type stubConsumer struct {
	mu        sync.Mutex
	batch     []Message
	err       error
	polls     int
	committed []string
}

func (c *stubConsumer) Poll(ctx context.Context, max int) ([]Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	out := c.batch
	c.batch = nil
	return out, c.err
}

func (c *stubConsumer) Commit(ctx context.Context, msgs ...Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		c.committed = append(c.committed, string(m.Payload))
	}
	return nil
}

func (c *stubConsumer) commits() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.committed...)
}

type call struct {
	orderID string
	status  payment.Status
}

type stubHandler struct {
	mu    sync.Mutex
	calls []call
	err   error
	// errs по заказу перекрывают err; каждая ошибка отдаётся один раз.
	errs map[string][]error
}

func (h *stubHandler) HandlePayment(ctx context.Context, orderID string, status payment.Status) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{orderID: orderID, status: status})
	if queued := h.errs[orderID]; len(queued) > 0 {
		h.errs[orderID] = queued[1:]
		return queued[0]
	}
	return h.err
}

func TestDecodePaymentEvent(t *testing.T) {
	ev, status, err := DecodePaymentEvent([]byte(`{"orderId":"o-1","status":"SUCCEEDED"}`))
	require.NoError(t, err)
	assert.Equal(t, "o-1", ev.OrderID)
	assert.Equal(t, payment.StatusPaid, status)

	_, _, err = DecodePaymentEvent([]byte(`{"status":"paid"}`))
	assert.Error(t, err)

	_, _, err = DecodePaymentEvent([]byte(`not json`))
	assert.Error(t, err)

	_, _, err = DecodePaymentEvent([]byte(`{"orderId":"o-1","status":"refunded"}`))
	assert.True(t, errors.Is(err, payment.ErrUnknownStatus))
}

func TestPaymentWorker_ProcessOnce(t *testing.T) {
	consumer := &stubConsumer{batch: []Message{
		{Topic: "payments", Payload: []byte(`{"orderId":"o-1","status":"paid"}`)},
		{Topic: "payments", Payload: []byte(`garbage`)},
		{Topic: "payments", Payload: []byte(`{"orderId":"o-2","status":"failed"}`)},
	}}
	handler := &stubHandler{err: inventory.ErrOutOfStock}

	w := NewPaymentWorker(zap.NewNop(), consumer, handler, time.Millisecond)
	require.NoError(t, w.processOnce(context.Background()))

	assert.Equal(t, []call{
		{orderID: "o-1", status: payment.StatusPaid},
		{orderID: "o-2", status: payment.StatusFailed},
	}, handler.calls)
	assert.Len(t, consumer.commits(), 3, "applied, malformed and out-of-stock events are all committed")
}

func TestPaymentWorker_TransientFailureIsRetriedBeforeCommit(t *testing.T) {
	paid1 := `{"orderId":"o-1","status":"paid"}`
	paid2 := `{"orderId":"o-2","status":"paid"}`
	paid3 := `{"orderId":"o-3","status":"paid"}`
	consumer := &stubConsumer{batch: []Message{
		{Payload: []byte(paid1)},
		{Payload: []byte(paid2)},
		{Payload: []byte(paid3)},
	}}
	handler := &stubHandler{errs: map[string][]error{
		"o-2": {errors.New("connection refused")},
	}}

	w := NewPaymentWorker(zap.NewNop(), consumer, handler, time.Millisecond)

	err := w.processOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{paid1}, consumer.commits(), "nothing after the failed event may be committed")

	require.NoError(t, w.processOnce(context.Background()))
	assert.Equal(t, []string{paid1, paid2, paid3}, consumer.commits())
	assert.Equal(t, 1, consumer.polls, "pending events are retried without polling")

	assert.Equal(t, []call{
		{orderID: "o-1", status: payment.StatusPaid},
		{orderID: "o-2", status: payment.StatusPaid},
		{orderID: "o-2", status: payment.StatusPaid},
		{orderID: "o-3", status: payment.StatusPaid},
	}, handler.calls)
}

func TestPaymentWorker_InapplicableEventsAreCommitted(t *testing.T) {
	consumer := &stubConsumer{batch: []Message{
		{Payload: []byte(`{"orderId":"o-1","status":"paid"}`)},
		{Payload: []byte(`{"orderId":"missing","status":"paid"}`)},
	}}
	handler := &stubHandler{errs: map[string][]error{
		"o-1":     {model.ErrInvalidTransition},
		"missing": {model.ErrOrderNotFound},
	}}

	w := NewPaymentWorker(zap.NewNop(), consumer, handler, time.Millisecond)
	require.NoError(t, w.processOnce(context.Background()))

	assert.Len(t, consumer.commits(), 2)
	assert.Empty(t, w.pending)
}

func TestPaymentWorker_RunStopsOnCancel(t *testing.T) {
	consumer := &stubConsumer{batch: []Message{
		{Payload: []byte(`{"orderId":"o-1","status":"paid"}`)},
	}}
	handler := &stubHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewPaymentWorker(zap.NewNop(), consumer, handler, time.Millisecond).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.calls) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
