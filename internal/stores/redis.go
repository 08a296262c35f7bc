package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/idmflow/idmflow/session"
)

// ErrBackendUnavailable indicates the store backend is unreachable.
var ErrBackendUnavailable = errors.New("credential store backend unavailable")

// Redis is a credential store over a Redis deployment. Values and
// counters share one keyspace under the configured prefix.
type Redis struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedis returns a Redis-backed credential store. An empty prefix
// defaults to "idm".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "idm"
	}
	return &Redis{redis: client, prefix: prefix}
}

func (r *Redis) key(k string) string { return r.prefix + ":" + k }

// Get returns the value stored under key, or session.ErrKVMiss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.redis.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, session.ErrKVMiss
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return data, nil
}

// Put stores value under key with no expiry; credential material has its
// own lifecycle and is deleted explicitly.
func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	if err := r.redis.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.redis.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// GetCounter returns the counter value under key; absent counters read 0.
func (r *Redis) GetCounter(ctx context.Context, key string) (int, error) {
	raw, err := r.redis.Get(ctx, r.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		// Treat a clobbered counter as zero rather than wedging retries.
		return 0, nil
	}
	return n, nil
}

// IncrCounter atomically increments the counter and returns the new
// value.
func (r *Redis) IncrCounter(ctx context.Context, key string) (int, error) {
	n, err := r.redis.Incr(ctx, r.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(n), nil
}

// ResetCounter deletes the counter so the next read yields 0.
func (r *Redis) ResetCounter(ctx context.Context, key string) error {
	if err := r.redis.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
