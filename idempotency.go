package eventflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// IdempotencyStore remembers which (handler, event id) pairs were processed
// successfully. Records are short-lived; the TTL only needs to cover the
// window in which redelivery is plausible.
type IdempotencyStore interface {
	// Processed reports whether the key was recorded and has not expired.
	Processed(ctx context.Context, key string) (bool, error)
	// Record marks the key as processed for the given TTL.
	Record(ctx context.Context, key string, ttl time.Duration) error
}

// MemoryIdempotencyStore keeps processed keys in process memory. Expired
// entries are removed by PurgeExpired, typically run as a Runner job.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryIdempotencyStore creates an empty in-memory store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]time.Time),
	}
}

func (s *MemoryIdempotencyStore) Processed(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryIdempotencyStore) Record(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = time.Now().Add(ttl)
	return nil
}

// PurgeExpired removes expired entries and returns how many were dropped.
func (s *MemoryIdempotencyStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	purged := 0
	for key, expiry := range s.entries {
		if now.After(expiry) {
			delete(s.entries, key)
			purged++
		}
	}
	return purged, nil
}

// RedisIdempotencyStore keeps processed keys in Redis, relying on native key
// expiry. Use this when several processes share one logical subscriber.
type RedisIdempotencyStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisIdempotencyStore creates a store over the given Redis client.
func NewRedisIdempotencyStore(client redis.UniversalClient) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client:    client,
		keyPrefix: "eventflow:processed:",
	}
}

func (s *RedisIdempotencyStore) Processed(ctx context.Context, key string) (bool, error) {
	err := s.client.Get(ctx, s.keyPrefix+key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisIdempotencyStore) Record(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Set(ctx, s.keyPrefix+key, 1, ttl).Err()
}

// IdempotencyMiddleware skips a handler invocation when the same event id was
// already processed successfully by the same handler. The record is written
// only after the handler succeeds, so a failed attempt stays redeliverable.
func IdempotencyMiddleware(store IdempotencyStore, ttl time.Duration, logger *zap.Logger) HandlerMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(info SubscriptionInfo, next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, event Event) error {
			key := info.Name + ":" + event.ID

			seen, err := store.Processed(ctx, key)
			if err != nil {
				// Deduplication is best-effort; handlers are required to
				// tolerate redelivery when the store is unreachable.
				logger.Warn("Idempotency check failed, delivering anyway",
					zap.String("handler", info.Name),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			} else if seen {
				logger.Debug("Skipping duplicate delivery",
					zap.String("handler", info.Name),
					zap.String("event_id", event.ID),
				)
				return nil
			}

			if err := next(ctx, event); err != nil {
				return err
			}

			if err := store.Record(ctx, key, ttl); err != nil {
				logger.Warn("Failed to record processed event",
					zap.String("handler", info.Name),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			}
			return nil
		}
	}
}
