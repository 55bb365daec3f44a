package consumers_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/pharmacy-ledger/internal/ledger/consumers"
	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/internal/ledger/memstore"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
)

func newHandler() (*consumers.UserEventHandler, *memstore.Store) {
	store := memstore.New()
	clk := clock.NewMock(time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC))
	return consumers.NewUserEventHandler(store, clk, logger.Nop()), store
}

func event(t *testing.T, eventType string, data any) *messaging.Event {
	t.Helper()
	e, err := messaging.NewEvent(eventType, "identity-service", "corr-1", data)
	require.NoError(t, err)
	return e
}

func TestUserCreated(t *testing.T) {
	ctx := context.Background()
	h, store := newHandler()

	err := h.HandleUserCreated(ctx, event(t, messaging.EventUserCreated, messaging.UserCreatedEvent{
		UserID:    "u-1",
		Email:     "ana@botica.test",
		FirstName: "Ana",
		LastName:  "Quispe Rojas",
		RoleName:  "pharmacist",
	}))
	require.NoError(t, err)

	usr, err := store.Users().Get(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana Quispe Rojas", usr.Name)
	assert.Equal(t, "pharmacist", usr.Role)
	assert.True(t, usr.IsActive)
}

func TestUserUpdated(t *testing.T) {
	ctx := context.Background()
	h, store := newHandler()
	require.NoError(t, store.Users().Upsert(ctx, &domain.User{
		ID: "u-1", Name: "Ana Quispe", Email: "ana@botica.test", Role: "clerk", IsActive: true,
	}))

	err := h.HandleUserUpdated(ctx, event(t, messaging.EventUserUpdated, messaging.UserUpdatedEvent{
		UserID: "u-1",
		Fields: map[string]any{
			"last_name": map[string]any{"from": "Quispe", "to": "Mamani"},
			"role_name": map[string]any{"from": "clerk", "to": "pharmacist"},
			"is_active": map[string]any{"from": true, "to": false},
		},
	}))
	require.NoError(t, err)

	usr, err := store.Users().Get(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana Mamani", usr.Name)
	assert.Equal(t, "pharmacist", usr.Role)
	assert.False(t, usr.IsActive)

	// unknown users are not created by updates
	err = h.HandleUserUpdated(ctx, event(t, messaging.EventUserUpdated, messaging.UserUpdatedEvent{UserID: "u-2"}))
	require.NoError(t, err)
	_, err = store.Users().Get(ctx, "u-2")
	assert.Equal(t, domain.CodeUserNotFound, errors.CodeOf(err))
}

func TestUserDeleted(t *testing.T) {
	ctx := context.Background()
	h, store := newHandler()
	require.NoError(t, store.Users().Upsert(ctx, &domain.User{ID: "u-1", Name: "Ana", IsActive: true}))

	require.NoError(t, h.HandleUserDeleted(ctx, event(t, messaging.EventUserDeleted, messaging.UserDeletedEvent{UserID: "u-1"})))
	usr, err := store.Users().Get(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, usr.IsActive)

	assert.NoError(t, h.HandleUserDeleted(ctx, event(t, messaging.EventUserDeleted, messaging.UserDeletedEvent{UserID: "ghost"})))
}

func TestMalformedPayload(t *testing.T) {
	h, _ := newHandler()
	e := &messaging.Event{ID: "e-1", Type: messaging.EventUserCreated, Data: []byte(`{"user_id": 7}`)}
	assert.Error(t, h.HandleUserCreated(context.Background(), e))
}
