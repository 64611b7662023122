// Package rediskv implements the pipeline's key-value persistence port on Redis.
//
// All persisted state (credential blob, per-day advice cache, metadata
// table, feedback log) is plain JSON strings under string keys; absent
// keys are reported as not-found, never as errors.
package rediskv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store implements domain.KVStore on a Redis client.
type Store struct {
	rdb *redis.Client
}

// New constructs a Store around an existing client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Dial connects to Redis at addr and returns a Store.
func Dial(ctx context.Context, addr string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("op=rediskv.Dial addr=%s: %w", addr, err)
	}
	return &Store{rdb: rdb}, nil
}

// Get returns the value for key, reporting absence distinctly from errors.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=rediskv.Get key=%s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key with no expiry; TTL policy belongs to the
// cache layer, not the store.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("op=rediskv.Set key=%s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys; missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("op=rediskv.Delete: %w", err)
	}
	return nil
}

// Ping reports backend reachability for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=rediskv.Ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.rdb.Close() }
