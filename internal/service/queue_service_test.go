package service

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_Bounded(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(2)

	require.NoError(t, q.Enqueue(ctx, "1"))
	require.NoError(t, q.Enqueue(ctx, "2"))
	assert.ErrorIs(t, q.Enqueue(ctx, "3"), ErrQueueFull)

	depth, _ := q.Depth(ctx)
	assert.Equal(t, int64(2), depth)
}

func TestMemoryQueue_ClaimAckRequeue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(4)
	require.NoError(t, q.Enqueue(ctx, "1"))
	require.NoError(t, q.Enqueue(ctx, "2"))

	c, err := q.ClaimBlocking(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", c)
	require.NoError(t, q.Ack(ctx, c))

	c, err = q.ClaimBlocking(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2", c)

	moved, err := q.RequeueStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	c, err = q.ClaimBlocking(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2", c)

	_, err = q.ClaimBlocking(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestMemoryQueue_ClaimHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := q.ClaimBlocking(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

// Needs a throwaway Redis, e.g. LIBDIFF_TEST_REDIS_ADDR=localhost:6379.
func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("LIBDIFF_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LIBDIFF_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	qk, pk := "libdiff:test:queue", "libdiff:test:processing"
	require.NoError(t, rdb.Del(ctx, qk, pk).Err())
	t.Cleanup(func() { rdb.Del(context.Background(), qk, pk) })

	q := NewRedisQueue(rdb, qk, pk, 2)
	require.NoError(t, q.Enqueue(ctx, "1"))
	require.NoError(t, q.Enqueue(ctx, "2"))
	assert.True(t, errors.Is(q.Enqueue(ctx, "3"), ErrQueueFull))

	c, err := q.ClaimBlocking(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", c)
	require.NoError(t, q.Ack(ctx, c))

	c, err = q.ClaimBlocking(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2", c)

	moved, err := q.RequeueStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	require.NoError(t, rdb.Del(ctx, qk).Err())
	_, err = q.ClaimBlocking(ctx, time.Second)
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestRedisQueue_RequeueLeavesOtherWorkersAlone(t *testing.T) {
	addr := os.Getenv("LIBDIFF_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LIBDIFF_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	qk, pk1, pk2 := "libdiff:test:queue", "libdiff:test:processing:w1", "libdiff:test:processing:w2"
	require.NoError(t, rdb.Del(ctx, qk, pk1, pk2).Err())
	t.Cleanup(func() { rdb.Del(context.Background(), qk, pk1, pk2) })

	busy := NewRedisQueue(rdb, qk, pk1, 0)
	restarted := NewRedisQueue(rdb, qk, pk2, 0)
	require.NoError(t, busy.Enqueue(ctx, "1"))
	c, err := busy.ClaimBlocking(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", c)

	moved, err := restarted.RequeueStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), moved)

	depth, err := restarted.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
	assert.Equal(t, int64(1), rdb.LLen(ctx, pk1).Val())
}
