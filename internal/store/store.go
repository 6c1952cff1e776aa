// Package store wraps the Redis-compatible shared store. It is the only
// cross-instance state: auth cache, limits cache, tier configuration,
// rate-limit counters, sessions, and usage spillover all live here.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound reports a cache/key miss.
var ErrNotFound = errors.New("store: key not found")

// Store is a thin JSON-oriented layer over a Redis client.
type Store struct {
	client redis.UniversalClient
}

// New connects using a redis:// URL.
func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	return &Store{client: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client (tests use miniredis here).
func NewWithClient(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Ping checks connectivity; readiness probes use this.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connections.
func (s *Store) Close() error {
	return s.client.Close()
}

// GetJSON reads key and unmarshals it into v. Returns ErrNotFound on miss.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SetJSON writes v under key with a TTL.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes a key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Expire refreshes a key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// IncrWindow atomically increments a windowed counter, stamping the TTL on
// first increment, and returns the post-increment count. This is the
// rate-limiter's check-and-increment primitive.
func (s *Store) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// ScanKeys returns up to limit keys matching pattern. Used by the usage
// spillover retry sweep.
func (s *Store) ScanKeys(ctx context.Context, pattern string, limit int) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if len(keys) >= limit || next == 0 {
			break
		}
		cursor = next
	}
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}
