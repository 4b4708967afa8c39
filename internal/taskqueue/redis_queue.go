package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using Redis sorted sets.
//
// Keys:
//
//	<prefix>tasks           ZSET id scored by not_before (unix ms)
//	<prefix>tasks:inflight  ZSET id scored by lease expiry (unix ms)
//	<prefix>tasks:data      HASH id => gob-encoded Task
//	<prefix>tasks:owner     HASH id => lease owner
type RedisQueue struct {
	client                      *redis.Client
	ready, inflight, data, owner string
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "stepflow:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisQueue{
		client:   client,
		ready:    prefix + "tasks",
		inflight: prefix + "tasks:inflight",
		data:     prefix + "tasks:data",
		owner:    prefix + "tasks:owner",
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) keys() []string {
	return []string{q.ready, q.inflight, q.data, q.owner}
}

var (
	// Moves expired leases back to ready, then leases the oldest ready task.
	redisDequeue = redis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', KEYS[4], id)
	redis.call('ZADD', KEYS[1], now, id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], now + tonumber(ARGV[3]), id)
redis.call('HSET', KEYS[4], id, ARGV[2])
return redis.call('HGET', KEYS[3], id)
`)

	redisAck = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

	redisNack = redis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[4])
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]), ARGV[1])
return 1
`)
)

// Enqueue stores the task payload and schedules it at NotBefore.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.data, t.ID, data)
	pipe.ZAdd(ctx, q.ready, redis.Z{Score: float64(t.NotBefore.UnixMilli()), Member: t.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue polls until a task is eligible or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if leaseTTL <= 0 {
		return nil, errors.New("leaseTTL must be > 0")
	}

	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := redisDequeue.Run(ctx, q.client, q.keys(),
			time.Now().UnixMilli(), owner, leaseTTL.Milliseconds()).Text()
		switch {
		case errors.Is(err, redis.Nil):
			if err := sleep(ctx, tmr, pollInterval); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			return nil, err
		}
		return DecodeTask([]byte(data))
	}
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	n, err := redisAck.Run(ctx, q.client, q.keys(), taskID, owner).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotLeased
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	raw, err := q.client.HGet(ctx, q.data, taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotLeased
	}
	if err != nil {
		return err
	}
	t, err := DecodeTask(raw)
	if err != nil {
		return err
	}
	t.NotBefore = notBefore
	t.Attempts = attempts
	data, err := EncodeTask(*t)
	if err != nil {
		return err
	}

	n, err := redisNack.Run(ctx, q.client, q.keys(), taskID, owner, notBefore.UnixMilli(), data).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotLeased
	}
	return nil
}

// Len returns the number of ready plus leased tasks.
func (q *RedisQueue) Len() int {
	ctx := context.Background()
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.ready)
	inflight := pipe.ZCard(ctx, q.inflight)
	if _, err := pipe.Exec(ctx); err != nil {
		// For a Len() helper, it's better to log and return 0 than panic.
		slog.Warn("redis queue length failed", "error", err)
		return 0
	}
	return int(ready.Val() + inflight.Val())
}
