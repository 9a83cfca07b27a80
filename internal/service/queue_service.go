package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue already holds its
	// configured depth.
	ErrQueueFull = errors.New("build queue is full")
	// ErrNoJob is returned by ClaimBlocking when nothing arrived in time.
	ErrNoJob = errors.New("no job available")
)

// Queue carries change identifiers from the service to the workers. A claimed
// item stays in a processing list until it is acked.
type Queue interface {
	Enqueue(ctx context.Context, change string) error
	ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, change string) error
	RequeueStale(ctx context.Context, max int64) (int64, error)
	Depth(ctx context.Context) (int64, error)
}

// RedisQueue is a reliable queue over two Redis lists.
// Enqueue: LPUSH queue (bounded, see boundedPush)
// Claim:   BRPOPLPUSH queue -> processing
// Ack:     LREM processing
type RedisQueue struct {
	rdb           *redis.Client
	queueKey      string
	processingKey string
	depth         int64
}

// NewRedisQueue returns a queue bounded at depth items; depth <= 0 means
// unbounded.
func NewRedisQueue(rdb *redis.Client, queueKey, processingKey string, depth int) *RedisQueue {
	return &RedisQueue{
		rdb:           rdb,
		queueKey:      queueKey,
		processingKey: processingKey,
		depth:         int64(depth),
	}
}

// boundedPush checks the length and pushes in one step so concurrent
// submitters cannot overshoot the bound.
var boundedPush = redis.NewScript(`
local max = tonumber(ARGV[2])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
  return 0
end
redis.call('LPUSH', KEYS[1], ARGV[1])
return 1
`)

func (q *RedisQueue) Enqueue(ctx context.Context, change string) error {
	ok, err := boundedPush.Run(ctx, q.rdb, []string{q.queueKey}, change, q.depth).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

func (q *RedisQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	change, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoJob
	}
	return change, err
}

func (q *RedisQueue) Ack(ctx context.Context, change string) error {
	return q.rdb.LRem(ctx, q.processingKey, 1, change).Err()
}

// RequeueStale moves up to max items from processing back to the queue. It
// is meant for worker startup, when nothing in processing can still be live;
// that only holds when each process claims into its own processing key.
func (q *RedisQueue) RequeueStale(ctx context.Context, max int64) (int64, error) {
	var moved int64
	for moved < max {
		_, err := q.rdb.RPopLPush(ctx, q.processingKey, q.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueKey).Result()
}

// MemoryQueue is the in-process Queue used when no Redis is configured. It
// does not survive a restart; the janitor fails what it loses.
type MemoryQueue struct {
	ch chan string

	mu         sync.Mutex
	processing map[string]int
}

func NewMemoryQueue(depth int) *MemoryQueue {
	if depth <= 0 {
		depth = 64
	}
	return &MemoryQueue{
		ch:         make(chan string, depth),
		processing: make(map[string]int),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, change string) error {
	select {
	case q.ch <- change:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case change := <-q.ch:
		q.mu.Lock()
		q.processing[change]++
		q.mu.Unlock()
		return change, nil
	case <-expired:
		return "", ErrNoJob
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, change string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := q.processing[change]; n > 1 {
		q.processing[change] = n - 1
	} else {
		delete(q.processing, change)
	}
	return nil
}

func (q *MemoryQueue) RequeueStale(ctx context.Context, max int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var moved int64
	for change, n := range q.processing {
		for ; n > 0 && moved < max; n-- {
			select {
			case q.ch <- change:
				moved++
			default:
				q.processing[change] = n
				return moved, ErrQueueFull
			}
		}
		if n == 0 {
			delete(q.processing, change)
		} else {
			q.processing[change] = n
		}
	}
	return moved, nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}
