// Package redisposition is a github.com/redis/go-redis/v9-backed driver for
// store.PositionStore: per-subscriber checkpoint storage shared across
// distributed projector/saga/process-manager runner instances.
package redisposition

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/angzarr-io/kernel/internal/kernel"
	"github.com/angzarr-io/kernel/store"
)

// Store is a redis-backed PositionStore. Keys are namespaced
// "angzarr:position:{subscriber}:{cover-cache-key}" so multiple subscribers
// and runtimes can share one Redis instance without collision.
type Store struct {
	client *redis.Client
	prefix string
}

var _ store.PositionStore = (*Store)(nil)

// New wraps an already-connected redis.Client. prefix defaults to
// "angzarr:position:" when empty.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "angzarr:position:"
	}
	return &Store{client: client, prefix: prefix}
}

// Connect dials a Redis instance from a redis.Options (e.g. built from the
// REDIS_ADDR env var by the embedder) and verifies connectivity with PING.
func Connect(ctx context.Context, opts *redis.Options) (*Store, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisposition: connect: %w", err)
	}
	return New(client, ""), nil
}

func (s *Store) key(subscriber string, cover kernel.Cover) string {
	return s.prefix + subscriber + ":" + cover.CacheKey()
}

// GetPosition implements store.PositionStore.
func (s *Store) GetPosition(ctx context.Context, subscriber string, cover kernel.Cover) (uint32, error) {
	val, err := s.client.Get(ctx, s.key(subscriber, cover)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, kernel.UnavailableErr(err)
	}
	seq, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, kernel.UnavailableErr(err)
	}
	return uint32(seq), nil
}

// PutPosition implements store.PositionStore.
func (s *Store) PutPosition(ctx context.Context, subscriber string, cover kernel.Cover, seq uint32) error {
	if err := s.client.Set(ctx, s.key(subscriber, cover), seq, 0).Err(); err != nil {
		return kernel.UnavailableErr(err)
	}
	return nil
}

// Close closes the underlying redis client.
func (s *Store) Close() error { return s.client.Close() }
