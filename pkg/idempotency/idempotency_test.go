package idempotency_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/pharmacy-ledger/pkg/idempotency"
)

func newStore(t *testing.T) (*idempotency.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return idempotency.New(client, time.Hour), mr
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	got, err := store.Reserve(ctx, "k1", "fp")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = store.Reserve(ctx, "k1", "fp")
	assert.ErrorIs(t, err, idempotency.ErrInFlight)

	require.NoError(t, store.Complete(ctx, "k1", "fp", "mov-1"))

	got, err = store.Reserve(ctx, "k1", "fp")
	require.NoError(t, err)
	assert.Equal(t, "mov-1", got)
}

func TestStore_KeyBoundToRequest(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	_, err := store.Reserve(ctx, "k4", "fp-a")
	require.NoError(t, err)

	_, err = store.Reserve(ctx, "k4", "fp-b")
	assert.ErrorIs(t, err, idempotency.ErrInFlight)

	require.NoError(t, store.Complete(ctx, "k4", "fp-a", "mov-4"))

	_, err = store.Reserve(ctx, "k4", "fp-b")
	assert.ErrorIs(t, err, idempotency.ErrKeyReused)

	got, err := store.Reserve(ctx, "k4", "fp-a")
	require.NoError(t, err)
	assert.Equal(t, "mov-4", got)
}

func TestFingerprint(t *testing.T) {
	type req struct {
		Code     string `json:"code"`
		Quantity int    `json:"quantity"`
	}
	a, err := idempotency.Fingerprint(req{"AMOX-500", 2})
	require.NoError(t, err)
	same, err := idempotency.Fingerprint(req{"AMOX-500", 2})
	require.NoError(t, err)
	other, err := idempotency.Fingerprint(req{"AMOX-500", 3})
	require.NoError(t, err)

	assert.Equal(t, a, same)
	assert.NotEqual(t, a, other)
	assert.Len(t, a, 64)

	_, err = idempotency.Fingerprint(make(chan int))
	assert.Error(t, err)
}

func TestStore_Release(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	_, err := store.Reserve(ctx, "k2", "fp")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "k2"))

	got, err := store.Reserve(ctx, "k2", "fp")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t)

	_, err := store.Reserve(ctx, "k3", "fp")
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)

	got, err := store.Reserve(ctx, "k3", "fp")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_NilAndEmptyKeyAreNoops(t *testing.T) {
	ctx := context.Background()
	var disabled *idempotency.Store

	got, err := disabled.Reserve(ctx, "k", "fp")
	assert.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, disabled.Complete(ctx, "k", "fp", "x"))

	store, _ := newStore(t)
	got, err = store.Reserve(ctx, "", "fp")
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := idempotency.Connect(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	_ = client.Close()

	mr.Close()
	_, err = idempotency.Connect(context.Background(), mr.Addr(), "", 0)
	assert.Error(t, err)
}
