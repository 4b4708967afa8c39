package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLeaser is a Leaser backed by Redis keys with a TTL. It lets several
// engine processes sharing a SQL store coordinate instance execution without
// hitting the database for every lease.
//
// Keys have the form <prefix>lease:<key>.
type RedisLeaser struct {
	client *redis.Client
	prefix string
}

var _ Leaser = (*RedisLeaser)(nil)

// NewRedisLeaser creates a RedisLeaser. prefix defaults to "stepflow:".
func NewRedisLeaser(client *redis.Client, prefix string) *RedisLeaser {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisLeaser{client: client, prefix: prefix}
}

func (r *RedisLeaser) keyLease(key string) string {
	return r.prefix + "lease:" + key
}

var (
	// Acquire returns 1 if the lease is free or already held by owner.
	redisLeaseAcquire = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	redisLeaseRenew = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

if redis.call('GET', key) == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	redisLeaseRelease = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]

if redis.call('GET', key) == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`)
)

var errNonPositiveTTL = errors.New("ttl must be > 0")

func (r *RedisLeaser) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errNonPositiveTTL
	}
	n, err := redisLeaseAcquire.Run(ctx, r.client, []string{r.keyLease(key)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisLeaser) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errNonPositiveTTL
	}
	n, err := redisLeaseRenew.Run(ctx, r.client, []string{r.keyLease(key)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrLeaseNotHeld
	}
	return nil
}

// ReleaseLease is idempotent: releasing a missing lease or one held by
// another owner succeeds without effect.
func (r *RedisLeaser) ReleaseLease(ctx context.Context, key, owner string) error {
	return redisLeaseRelease.Run(ctx, r.client, []string{r.keyLease(key)}, owner).Err()
}
