package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// EventPublisher publishes a typed event.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// Channel is the part of *amqp.Channel used for publishing.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends persistent JSON events to one exchange, routed by event
// type.
type Publisher struct {
	channel  Channel
	exchange string
	source   string
	logger   *logger.Logger
}

// NewPublisher declares exchange on rmq and publishes to it.
func NewPublisher(rmq *RabbitMQ, exchange, source string, log *logger.Logger) (*Publisher, error) {
	if err := rmq.DeclareExchange(exchange); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return NewChannelPublisher(rmq.Channel(), exchange, source, log), nil
}

func NewChannelPublisher(ch Channel, exchange, source string, log *logger.Logger) *Publisher {
	return &Publisher{channel: ch, exchange: exchange, source: source, logger: log}
}

func (p *Publisher) Publish(ctx context.Context, eventType string, data interface{}) error {
	msg, event, err := p.envelope(getCorrelationID(ctx), eventType, data)
	if err != nil {
		return err
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, eventType, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	p.logger.Debug().
		Str("event_type", eventType).
		Str("event_id", event.ID).
		Str("correlation_id", event.CorrelationID).
		Msg("event published")
	return nil
}

func (p *Publisher) envelope(correlationID, eventType string, data interface{}) (amqp.Publishing, *Event, error) {
	event, err := NewEvent(eventType, p.source, correlationID, data)
	if err != nil {
		return amqp.Publishing{}, nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, nil, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.ID,
		CorrelationId: correlationID,
		Timestamp:     event.Timestamp,
		Body:          body,
	}, event, nil
}

type ctxKey struct{}

// WithCorrelationID tags ctx so events published under it carry id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func getCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
