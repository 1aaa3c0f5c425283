package eventflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()

	seen, err := store.Processed(ctx, "handler:evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.Record(ctx, "handler:evt-1", time.Minute))

	seen, err = store.Processed(ctx, "handler:evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()

	require.NoError(t, store.Record(ctx, "handler:evt-1", -time.Second))

	seen, err := store.Processed(ctx, "handler:evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryIdempotencyStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()

	require.NoError(t, store.Record(ctx, "expired-1", -time.Second))
	require.NoError(t, store.Record(ctx, "expired-2", -time.Second))
	require.NoError(t, store.Record(ctx, "live", time.Minute))

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	seen, err := store.Processed(ctx, "live")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRedisIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	store := NewRedisIdempotencyStore(client)

	seen, err := store.Processed(ctx, "handler:evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.Record(ctx, "handler:evt-1", time.Minute))

	seen, err = store.Processed(ctx, "handler:evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	server.FastForward(2 * time.Minute)

	seen, err = store.Processed(ctx, "handler:evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestIdempotencyMiddleware_SkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()
	info := SubscriptionInfo{Name: "receipt-mailer", EventType: DonationCompleted}

	calls := 0
	handler := IdempotencyMiddleware(store, time.Minute, nil)(info, func(ctx context.Context, event Event) error {
		calls++
		return nil
	})

	event := donationEvent(t, "camp-1", "user-1", 500)
	require.NoError(t, handler(ctx, event))
	require.NoError(t, handler(ctx, event))
	assert.Equal(t, 1, calls)
}

func TestIdempotencyMiddleware_FailedAttemptStaysRedeliverable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()
	info := SubscriptionInfo{Name: "receipt-mailer", EventType: DonationCompleted}

	calls := 0
	handler := IdempotencyMiddleware(store, time.Minute, nil)(info, func(ctx context.Context, event Event) error {
		calls++
		if calls == 1 {
			return errors.New("smtp timeout")
		}
		return nil
	})

	event := donationEvent(t, "camp-1", "user-1", 500)
	require.Error(t, handler(ctx, event))
	require.NoError(t, handler(ctx, event))
	assert.Equal(t, 2, calls)
}

type brokenIdempotencyStore struct{}

func (brokenIdempotencyStore) Processed(ctx context.Context, key string) (bool, error) {
	return false, errors.New("store unreachable")
}

func (brokenIdempotencyStore) Record(ctx context.Context, key string, ttl time.Duration) error {
	return errors.New("store unreachable")
}

func TestIdempotencyMiddleware_DeliversWhenStoreUnavailable(t *testing.T) {
	info := SubscriptionInfo{Name: "receipt-mailer", EventType: DonationCompleted}

	calls := 0
	handler := IdempotencyMiddleware(brokenIdempotencyStore{}, time.Minute, nil)(info, func(ctx context.Context, event Event) error {
		calls++
		return nil
	})

	require.NoError(t, handler(context.Background(), donationEvent(t, "camp-1", "user-1", 500)))
	assert.Equal(t, 1, calls)
}
