package providers

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a real Redis; set TEST_REDIS_ADDR to run them.
func newTestRedisRegistry(t *testing.T, ps ...Provider) *RedisRegistry {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	prefix := fmt.Sprintf("test:%s:", uuid.NewString())
	t.Cleanup(func() {
		keys, _ := rdb.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(context.Background(), keys...).Err()
		}
		_ = rdb.Close()
	})
	return NewRedisRegistry(rdb, ps...).WithPrefix(prefix)
}

func TestRedisRegistry_ReserveRelease(t *testing.T) {
	ctx := context.Background()
	reg := newTestRedisRegistry(t, Provider{ID: "p", ConcurrencyLimit: 2, Priority: 1})

	require.NoError(t, reg.ReserveSlot(ctx, "p", "l1"))
	require.NoError(t, reg.ReserveSlot(ctx, "p", "l1"))
	require.NoError(t, reg.ReserveSlot(ctx, "p", "l2"))
	assert.ErrorIs(t, reg.ReserveSlot(ctx, "p", "l3"), ErrSlotUnavailable)

	_, ok, err := reg.SelectCandidate(ctx, Requirements{})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reg.ReleaseSlot(ctx, "p", "l1"))
	require.NoError(t, reg.ReleaseSlot(ctx, "p", "l1"))

	as, err := reg.Availability(ctx)
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.Equal(t, 1, as[0].CurrentCalls)
	assert.Equal(t, HealthHealthy, as[0].Health)
}

func TestRedisRegistry_HealthAndRestore(t *testing.T) {
	ctx := context.Background()
	reg := newTestRedisRegistry(t, Provider{ID: "p", ConcurrencyLimit: 1})
	reserved := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	reg.clock = func() time.Time { return reserved }

	require.NoError(t, reg.ReserveSlot(ctx, "p", "a"))
	require.NoError(t, reg.SetHealth(ctx, "p", HealthUnavailable))
	// Restoring an in-flight call may go past the limit; twice is once.
	require.NoError(t, reg.RestoreSlot(ctx, "p", "b"))
	require.NoError(t, reg.RestoreSlot(ctx, "p", "b"))

	leases, err := reg.Leases(ctx, "p")
	require.NoError(t, err)
	require.Len(t, leases, 2)
	for _, l := range leases {
		assert.Equal(t, reserved, l.ReservedAt, l.ID)
	}

	as, err := reg.Availability(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, as[0].CurrentCalls)
	assert.Zero(t, as[0].AvailableSlots)
	assert.Equal(t, HealthUnavailable, as[0].Health)
	assert.False(t, as[0].LastUpdated.IsZero())
}
