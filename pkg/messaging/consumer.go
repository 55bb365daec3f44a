package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// maxDeliveries is how many times a failing message is redelivered before
// it is dead-lettered.
const maxDeliveries = 3

// MessageHandler processes one decoded event.
type MessageHandler func(ctx context.Context, event *Event) error

type outcome int

const (
	ack outcome = iota
	requeue
	deadLetter
)

// Consumer dispatches events from one queue to handlers keyed by event type.
type Consumer struct {
	rmq       *RabbitMQ
	queueName string
	handlers  map[string]MessageHandler
	logger    *logger.Logger
}

// NewConsumer declares queueName and returns a consumer reading from it.
func NewConsumer(rmq *RabbitMQ, queueName string, log *logger.Logger) (*Consumer, error) {
	if _, err := rmq.DeclareQueue(queueName); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	return &Consumer{
		rmq:       rmq,
		queueName: queueName,
		handlers:  map[string]MessageHandler{},
		logger:    log.WithComponent("consumer"),
	}, nil
}

// Subscribe binds the consumer queue to exchange for the given pattern.
func (c *Consumer) Subscribe(exchange, pattern string) error {
	if err := c.rmq.DeclareExchange(exchange); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := c.rmq.BindQueue(c.queueName, exchange, pattern); err != nil {
		return fmt.Errorf("bind %s to %s: %w", c.queueName, exchange, err)
	}
	c.logger.Info().
		Str("queue", c.queueName).
		Str("exchange", exchange).
		Str("routing_key", pattern).
		Msg("queue bound")
	return nil
}

// RegisterHandler routes events of eventType to handler.
func (c *Consumer) RegisterHandler(eventType string, handler MessageHandler) {
	c.handlers[eventType] = handler
}

// Start consumes in the background until ctx is cancelled or the channel
// closes.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.rmq.Channel().Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queueName, err)
	}
	c.logger.Info().Str("queue", c.queueName).Msg("consuming")

	go c.loop(ctx, deliveries)
	return nil
}

func (c *Consumer) loop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Str("queue", c.queueName).Msg("consumer stopped")
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn().Str("queue", c.queueName).Msg("delivery channel closed")
				return
			}
			c.handleMessage(ctx, d)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, d amqp.Delivery) {
	settle(d, c.process(ctx, d))
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) outcome {
	var event Event
	if err := json.Unmarshal(d.Body, &event); err != nil {
		c.logger.Error().Err(err).Str("message_id", d.MessageId).Msg("undecodable event dropped")
		return deadLetter
	}

	handler, ok := c.handlers[event.Type]
	if !ok {
		c.logger.Debug().Str("event_type", event.Type).Msg("event ignored")
		return ack
	}

	err := handler(WithCorrelationID(ctx, event.CorrelationID), &event)
	if err == nil {
		return ack
	}

	attempts := deathCount(d)
	c.logger.Error().
		Err(err).
		Str("event_type", event.Type).
		Str("event_id", event.ID).
		Int("attempts", attempts).
		Msg("event handler failed")
	if attempts >= maxDeliveries {
		return deadLetter
	}
	return requeue
}

func settle(d amqp.Delivery, o outcome) {
	switch o {
	case ack:
		_ = d.Ack(false)
	case requeue:
		_ = d.Nack(false, true)
	default:
		_ = d.Reject(false)
	}
}

// deathCount reads the broker's x-death bookkeeping.
func deathCount(d amqp.Delivery) int {
	deaths, _ := d.Headers["x-death"].([]interface{})
	for _, entry := range deaths {
		table, ok := entry.(amqp.Table)
		if !ok {
			continue
		}
		if n, ok := table["count"].(int64); ok {
			return int(n)
		}
	}
	return 0
}
