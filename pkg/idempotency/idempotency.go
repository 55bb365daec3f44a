// Package idempotency remembers client-supplied request keys in Redis so a
// retried commit returns the original outcome instead of moving stock twice.
package idempotency

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const keyPrefix = "ledger:idem:"

var (
	// ErrInFlight means another request holding the same key has not finished.
	ErrInFlight = errors.New("idempotency key in flight")
	// ErrKeyReused means the key already answered a different request.
	ErrKeyReused = errors.New("idempotency key reused for a different request")
)

// entry is the stored value. An empty Result marks a reservation whose
// request is still running.
type entry struct {
	Fingerprint string `json:"fingerprint"`
	Result      string `json:"result,omitempty"`
}

// Fingerprint is the BLAKE2b-256 hex digest of req's JSON encoding. Two
// requests share a fingerprint only when every encoded field matches.
func Fingerprint(req interface{}) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("fingerprint request: %w", err)
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Store reserves and completes keys. A nil *Store disables idempotency.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New wraps client. Keys expire after ttl.
func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Connect opens a client and checks it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Reserve claims key for the request identified by fingerprint. It returns
// the stored result when the same request already completed, "" when the
// caller now owns the key, ErrInFlight while another caller owns it and
// ErrKeyReused when the key completed for a different request.
func (s *Store) Reserve(ctx context.Context, key, fingerprint string) (string, error) {
	if s == nil || s.client == nil || key == "" {
		return "", nil
	}
	marker, err := json.Marshal(entry{Fingerprint: fingerprint})
	if err != nil {
		return "", fmt.Errorf("encode idempotency marker: %w", err)
	}
	ok, err := s.client.SetNX(ctx, keyPrefix+key, marker, s.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return "", nil
	}

	val, err := s.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		return s.Reserve(ctx, key, fingerprint)
	}
	if err != nil {
		return "", fmt.Errorf("read idempotency key: %w", err)
	}
	var stored entry
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return "", fmt.Errorf("decode idempotency key: %w", err)
	}
	switch {
	case stored.Result == "":
		return "", ErrInFlight
	case stored.Fingerprint != fingerprint:
		return "", ErrKeyReused
	}
	return stored.Result, nil
}

// Complete stores result for the request identified by fingerprint for the
// remainder of the TTL window.
func (s *Store) Complete(ctx context.Context, key, fingerprint, result string) error {
	if s == nil || s.client == nil || key == "" {
		return nil
	}
	val, err := json.Marshal(entry{Fingerprint: fingerprint, Result: result})
	if err != nil {
		return fmt.Errorf("encode idempotent result: %w", err)
	}
	return s.client.Set(ctx, keyPrefix+key, val, s.ttl).Err()
}

// Release forgets a reservation whose request failed so it can be retried.
func (s *Store) Release(ctx context.Context, key string) error {
	if s == nil || s.client == nil || key == "" {
		return nil
	}
	return s.client.Del(ctx, keyPrefix+key).Err()
}
