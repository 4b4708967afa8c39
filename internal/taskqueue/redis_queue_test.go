package taskqueue

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/stepflow/internal/testutil"
)

const redisQueuePrefix = "stepflow:queue-test:"

type RedisQueueTestSuite struct {
	suite.Suite
	endpoint string
	client   *redis.Client
	queue    *RedisQueue
}

func TestRedisQueueTestSuite(t *testing.T) {
	testsuite := new(RedisQueueTestSuite)
	testsuite.endpoint = testutil.GetRedisAddress(t)

	client := redis.NewClient(&redis.Options{Addr: testsuite.endpoint})
	t.Cleanup(func() {
		_ = client.Close()
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	testsuite.client = client
	testsuite.queue = NewRedisQueue(client, redisQueuePrefix)

	suite.Run(t, testsuite)
}

func (r *RedisQueueTestSuite) SetupTest() {
	r.flush()
}

func (r *RedisQueueTestSuite) flush() {
	ctx := context.Background()
	iter := r.client.Scan(ctx, 0, redisQueuePrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		err := r.client.Del(ctx, iter.Val()).Err()
		r.NoErrorf(err, "redis DEL %q failed: %v", iter.Val(), err)
	}
	r.NoError(iter.Err(), "redis SCAN failed")
}

func (r *RedisQueueTestSuite) TestContract() {
	testQueueContract(r.T(), func(t *testing.T) Queue {
		r.flush()
		return r.queue
	})
}
