package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Compile-time interface satisfaction check.
var _ Queue = (*RedisQueue)(nil)

const defaultRedisKey = "anvil:queue:jobs"

// popTimeout bounds each blocking pop so workers notice shutdown.
const popTimeout = time.Second

// RedisQueue keeps pending jobs in a Redis list as MessagePack payloads.
// Jobs are pushed on the left and popped from the right, so they run in
// enqueue order. The caller owns the Redis client lifecycle.
type RedisQueue struct {
	*pool

	client redis.Cmdable
	key    string
}

// NewRedisQueue creates a queue on the list at key. An empty key uses
// "anvil:queue:jobs".
func NewRedisQueue(client redis.Cmdable, key string, opts ...Option) *RedisQueue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if key == "" {
		key = defaultRedisKey
	}
	q := &RedisQueue{client: client, key: key}
	q.pool = newPool(q, o)
	return q
}

// Ping verifies the Redis connection is alive.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Start launches the workers.
func (q *RedisQueue) Start(h Handler) error {
	return q.start(h)
}

// Enqueue pushes job onto the list.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	if q.isClosed() {
		return "", ErrClosed
	}
	job = prepare(job)
	payload, err := msgpack.Marshal(&job)
	if err != nil {
		return "", fmt.Errorf("queue/redis: encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return "", fmt.Errorf("queue/redis: enqueue: %w", err)
	}
	return job.ID, nil
}

// RemoveByRunID removes pending payloads for runID from the list, or
// cancels the job if a local worker is running it.
func (q *RedisQueue) RemoveByRunID(ctx context.Context, runID string) bool {
	if q.cancelActive(runID) {
		return true
	}
	payloads, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		q.opts.logger.Warn("queue/redis: list pending jobs", "run_id", runID, "error", err)
		return false
	}
	removed := false
	for _, raw := range payloads {
		var job Job
		if err := msgpack.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.RunID != runID {
			continue
		}
		n, err := q.client.LRem(ctx, q.key, 1, raw).Result()
		if err != nil {
			q.opts.logger.Warn("queue/redis: remove job", "run_id", runID, "error", err)
			continue
		}
		if n > 0 {
			removed = true
		}
	}
	return removed
}

// Stats reports the list length and running job count.
func (q *RedisQueue) Stats(ctx context.Context) Stats {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		q.opts.logger.Warn("queue/redis: list length", "error", err)
	}
	return Stats{Pending: int(n), Running: q.running(), Concurrency: q.opts.concurrency}
}

// Close stops the workers. Pending jobs stay in Redis.
func (q *RedisQueue) Close(ctx context.Context) error {
	return q.close(ctx)
}

func (q *RedisQueue) next(ctx context.Context) (Job, bool, error) {
	res, err := q.client.BRPop(ctx, popTimeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return Job{}, false, ctx.Err()
		}
		// Avoid a hot loop while Redis is unreachable.
		select {
		case <-time.After(popTimeout):
		case <-ctx.Done():
		}
		return Job{}, false, fmt.Errorf("queue/redis: dequeue: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return Job{}, false, fmt.Errorf("queue/redis: unexpected pop reply %v", res)
	}
	var job Job
	if err := msgpack.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, false, fmt.Errorf("queue/redis: decode job: %w", err)
	}
	return job, true, nil
}
