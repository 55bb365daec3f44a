package messaging

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/medflow/pharmacy-ledger/pkg/config"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// DeadLetterExchange receives messages rejected by consumers.
const DeadLetterExchange = "dlx.pharmacy"

// RabbitMQ owns the broker connection and the channel shared by the
// ledger's publisher and consumer.
type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  *config.RabbitMQConfig
	logger  *logger.Logger
	mu      sync.RWMutex
}

// New dials the broker. A refused dial is retried MaxRetries times,
// ReconnectDelay apart, so the service can start before the broker is up.
func New(cfg *config.RabbitMQConfig, log *logger.Logger) (*RabbitMQ, error) {
	r := &RabbitMQ{
		config: cfg,
		logger: log.WithComponent("rabbitmq"),
	}

	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", cfg.ReconnectDelay).Msg("broker unreachable, retrying")
			time.Sleep(cfg.ReconnectDelay)
		}
		if err = r.dial(); err == nil {
			return r, nil
		}
	}
	return nil, err
}

func (r *RabbitMQ) dial() error {
	conn, err := amqp.Dial(r.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(r.config.PrefetchCount, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	r.mu.Lock()
	r.conn, r.channel = conn, ch
	r.mu.Unlock()
	r.logger.Info().Int("prefetch", r.config.PrefetchCount).Msg("connected to RabbitMQ")
	return nil
}

// Channel returns the shared channel
func (r *RabbitMQ) Channel() *amqp.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

// Close closes the channel and the connection
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to close channel")
		}
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	r.logger.Info().Msg("RabbitMQ connection closed")
	return nil
}

// Health reports whether the connection is open
func (r *RabbitMQ) Health() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.conn == nil || r.conn.IsClosed() {
		return map[string]string{"status": "down", "error": "connection closed"}
	}
	return map[string]string{"status": "up"}
}

// DeclareExchange declares a durable topic exchange
func (r *RabbitMQ) DeclareExchange(name string) error {
	return r.Channel().ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil)
}

// DeclareQueue declares a durable queue that dead-letters into DeadLetterExchange
func (r *RabbitMQ) DeclareQueue(name string) (amqp.Queue, error) {
	return r.Channel().QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DeadLetterExchange,
	})
}

// DeclareDeadLetterQueue declares DeadLetterExchange and the dlq.<service>
// queue collecting everything rejected into it.
func (r *RabbitMQ) DeclareDeadLetterQueue(serviceName string) error {
	ch := r.Channel()
	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	queue := "dlq." + serviceName
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ queue: %w", err)
	}
	if err := ch.QueueBind(queue, "#", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}
	return nil
}

// BindQueue binds a queue to an exchange with a routing key pattern
func (r *RabbitMQ) BindQueue(queueName, exchange, routingKey string) error {
	return r.Channel().QueueBind(queueName, routingKey, exchange, false, nil)
}
