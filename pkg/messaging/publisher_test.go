package messaging_test

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
)

type recordingChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (c *recordingChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange, c.key, c.msg = exchange, key, msg
	return c.err
}

func TestPublisher_Publish(t *testing.T) {
	ch := &recordingChannel{}
	pub := messaging.NewChannelPublisher(ch, messaging.ExchangeLedgerEvents, "ledger-service", logger.Nop())
	ctx := messaging.WithCorrelationID(context.Background(), "corr-1")

	err := pub.Publish(ctx, messaging.EventLotExpired, messaging.LotExpiredEvent{LotID: 9, LotNumber: "L-9", Quantity: 3})
	require.NoError(t, err)

	assert.Equal(t, "pharmacy.ledger", ch.exchange)
	assert.Equal(t, "ledger.lot.expired", ch.key)
	assert.Equal(t, "corr-1", ch.msg.CorrelationId)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)

	var event messaging.Event
	require.NoError(t, json.Unmarshal(ch.msg.Body, &event))
	assert.Equal(t, "ledger-service", event.Source)
	assert.Equal(t, event.ID, ch.msg.MessageId)

	var payload messaging.LotExpiredEvent
	require.NoError(t, event.UnmarshalData(&payload))
	assert.Equal(t, int64(9), payload.LotID)
	assert.Equal(t, 3, payload.Quantity)
}

func TestPublisher_PublishError(t *testing.T) {
	ch := &recordingChannel{err: amqp.ErrClosed}
	pub := messaging.NewChannelPublisher(ch, "x", "s", logger.Nop())

	err := pub.Publish(context.Background(), "t", struct{}{})

	assert.ErrorIs(t, err, amqp.ErrClosed)
}
