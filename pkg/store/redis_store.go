package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisUnlockScript deletes the lock only if it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = token
var redisUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// DefaultLockLease is how long a Redis lock survives a holder that never
// releases it. Leases are not renewed, so the lease must outlast the longest
// critical section, which includes an executor call.
const DefaultLockLease = 30 * time.Second

// RedisStore implements Store on Redis. Values are JSON encoded; locks are
// SET NX PX keys carrying a random token, so a lock whose holder died
// expires after the lease.
type RedisStore[T any] struct {
	client    redis.UniversalClient
	namespace string
	lease     time.Duration
	retry     time.Duration
}

// NewRedisStore creates a store whose keys live under "<namespace>:".
func NewRedisStore[T any](client redis.UniversalClient, namespace string) *RedisStore[T] {
	return &RedisStore[T]{
		client:    client,
		namespace: namespace,
		lease:     DefaultLockLease,
		retry:     10 * time.Millisecond,
	}
}

// WithLease overrides the lock lease duration.
func (s *RedisStore[T]) WithLease(d time.Duration) *RedisStore[T] {
	s.lease = d
	return s
}

func (s *RedisStore[T]) valueKey(id string) string { return s.namespace + ":v:" + id }
func (s *RedisStore[T]) lockKey(id string) string { return s.namespace + ":lock:" + id }

func (s *RedisStore[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	raw, err := s.client.Get(ctx, s.valueKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return zero, fmt.Errorf("redis store get %s: %w", id, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("redis store decode %s: %w", id, err)
	}
	return v, nil
}

func (s *RedisStore[T]) Put(ctx context.Context, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis store encode %s: %w", id, err)
	}
	if err := s.client.Set(ctx, s.valueKey(id), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis store put %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore[T]) Lock(ctx context.Context, id string) (func(), error) {
	token := uuid.New().String()
	key := s.lockKey(id)

	for {
		ok, err := s.client.SetNX(ctx, key, token, s.lease).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, id, ctx.Err())
			}
			return nil, fmt.Errorf("redis store lock %s: %w", id, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(s.retry):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, id, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release with a fresh context: the caller's may already be done.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = redisUnlockScript.Run(rctx, s.client, []string{key}, token).Err()
		})
	}, nil
}
