// Package consumers keeps the ledger's local user directory in step with the
// identity service's user lifecycle events.
package consumers

import (
	"context"
	"strings"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/internal/ledger/events"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
)

// QueueName is the ledger's queue on the user events exchange.
const QueueName = "ledger-service.user-events"

// UserEventHandler applies user events to the usuarios directory
type UserEventHandler struct {
	store  domain.Store
	clock  clock.Clock
	logger *logger.Logger
}

// NewUserEventHandler creates a new user event handler
func NewUserEventHandler(store domain.Store, clk clock.Clock, log *logger.Logger) *UserEventHandler {
	return &UserEventHandler{store: store, clock: clk, logger: log}
}

// Register registers the handler's methods on consumer
func (h *UserEventHandler) Register(consumer *messaging.Consumer) {
	consumer.RegisterHandler(messaging.EventUserCreated, h.HandleUserCreated)
	consumer.RegisterHandler(messaging.EventUserUpdated, h.HandleUserUpdated)
	consumer.RegisterHandler(messaging.EventUserDeleted, h.HandleUserDeleted)
}

// UserEventConsumer consumes user events
type UserEventConsumer struct {
	consumer *messaging.Consumer
}

// NewUserEventConsumer subscribes the ledger queue to user.# and wires handler
func NewUserEventConsumer(rmq *messaging.RabbitMQ, handler *UserEventHandler, log *logger.Logger) (*UserEventConsumer, error) {
	if err := rmq.DeclareDeadLetterQueue(events.ServiceName); err != nil {
		return nil, err
	}
	consumer, err := messaging.NewConsumer(rmq, QueueName, log)
	if err != nil {
		return nil, err
	}
	if err := consumer.Subscribe(messaging.ExchangeUserEvents, "user.#"); err != nil {
		return nil, err
	}
	handler.Register(consumer)
	return &UserEventConsumer{consumer: consumer}, nil
}

// Start starts consuming messages
func (c *UserEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

// HandleUserCreated adds the user, or reactivates it when the event is redelivered
func (h *UserEventHandler) HandleUserCreated(ctx context.Context, event *messaging.Event) error {
	var data messaging.UserCreatedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}
	if data.UserID == "" {
		h.logger.Warn().Str("event_id", event.ID).Msg("user created event without user id")
		return nil
	}

	h.logger.Info().
		Str("user_id", data.UserID).
		Str("name", data.FullName()).
		Msg("received user created event")

	usr := &domain.User{
		ID:        data.UserID,
		Name:      strings.TrimSpace(data.FullName()),
		Email:     data.Email,
		Role:      data.RoleName,
		IsActive:  true,
		UpdatedAt: h.clock.Now().UTC(),
	}
	return h.store.Execute(ctx, func(ctx context.Context, tx domain.Repositories) error {
		return tx.Users().Upsert(ctx, usr)
	})
}

// HandleUserUpdated applies the changed fields. Users the ledger has never
// seen are ignored.
func (h *UserEventHandler) HandleUserUpdated(ctx context.Context, event *messaging.Event) error {
	var data messaging.UserUpdatedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	h.logger.Info().
		Str("user_id", data.UserID).
		Msg("received user updated event")

	return h.store.Execute(ctx, func(ctx context.Context, tx domain.Repositories) error {
		usr, err := tx.Users().Get(ctx, data.UserID)
		if errors.CodeOf(err) == domain.CodeUserNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		first, last, _ := strings.Cut(usr.Name, " ")
		if v, ok := changedTo[string](data.Fields, "first_name"); ok {
			first = v
		}
		if v, ok := changedTo[string](data.Fields, "last_name"); ok {
			last = v
		}
		usr.Name = strings.TrimSpace(first + " " + last)
		if v, ok := changedTo[string](data.Fields, "email"); ok {
			usr.Email = v
		}
		if v, ok := changedTo[string](data.Fields, "role_name"); ok {
			usr.Role = v
		}
		if v, ok := changedTo[bool](data.Fields, "is_active"); ok {
			usr.IsActive = v
		}
		usr.UpdatedAt = h.clock.Now().UTC()
		return tx.Users().Upsert(ctx, usr)
	})
}

// HandleUserDeleted deactivates the user. The row stays because movements
// and audit records reference it.
func (h *UserEventHandler) HandleUserDeleted(ctx context.Context, event *messaging.Event) error {
	var data messaging.UserDeletedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	h.logger.Info().
		Str("user_id", data.UserID).
		Msg("received user deleted event")

	err := h.store.Execute(ctx, func(ctx context.Context, tx domain.Repositories) error {
		return tx.Users().Deactivate(ctx, data.UserID)
	})
	if errors.CodeOf(err) == domain.CodeUserNotFound {
		return nil
	}
	return err
}

// changedTo reads the "to" side of a {"from": ..., "to": ...} field change.
func changedTo[T any](fields map[string]any, name string) (T, bool) {
	var zero T
	change, ok := fields[name].(map[string]any)
	if !ok {
		return zero, false
	}
	v, ok := change["to"].(T)
	return v, ok
}
