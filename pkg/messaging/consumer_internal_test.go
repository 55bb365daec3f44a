package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

type ackRecorder struct {
	acked, rejected, requeued bool
}

func (a *ackRecorder) Ack(uint64, bool) error { a.acked = true; return nil }
func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.requeued = requeue
	return nil
}
func (a *ackRecorder) Reject(uint64, bool) error { a.rejected = true; return nil }

func delivery(t *testing.T, ack *ackRecorder, eventType string, headers amqp.Table) amqp.Delivery {
	t.Helper()
	ev, err := NewEvent(eventType, "identity", "corr-9", UserDeletedEvent{UserID: "u-1"})
	require.NoError(t, err)
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, Body: body, Headers: headers}
}

func newTestConsumer() *Consumer {
	return &Consumer{handlers: map[string]MessageHandler{}, logger: logger.Nop()}
}

func TestHandleMessage(t *testing.T) {
	t.Run("dispatches and acks", func(t *testing.T) {
		c := newTestConsumer()
		var got UserDeletedEvent
		var corr string
		c.RegisterHandler(EventUserDeleted, func(ctx context.Context, e *Event) error {
			corr = getCorrelationID(ctx)
			return e.UnmarshalData(&got)
		})
		ack := &ackRecorder{}

		c.handleMessage(context.Background(), delivery(t, ack, EventUserDeleted, nil))

		assert.True(t, ack.acked)
		assert.Equal(t, "u-1", got.UserID)
		assert.Equal(t, "corr-9", corr)
	})

	t.Run("unhandled type is acked", func(t *testing.T) {
		ack := &ackRecorder{}
		newTestConsumer().handleMessage(context.Background(), delivery(t, ack, "user.other", nil))
		assert.True(t, ack.acked)
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		ack := &ackRecorder{}
		newTestConsumer().handleMessage(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{")})
		assert.True(t, ack.rejected)
	})

	t.Run("failure is requeued then dead-lettered", func(t *testing.T) {
		c := newTestConsumer()
		c.RegisterHandler(EventUserDeleted, func(context.Context, *Event) error { return errors.New("db down") })

		ack := &ackRecorder{}
		c.handleMessage(context.Background(), delivery(t, ack, EventUserDeleted, nil))
		assert.True(t, ack.requeued)

		ack = &ackRecorder{}
		headers := amqp.Table{"x-death": []interface{}{amqp.Table{"count": int64(3)}}}
		c.handleMessage(context.Background(), delivery(t, ack, EventUserDeleted, headers))
		assert.True(t, ack.rejected)
	})
}
