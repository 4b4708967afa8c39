// Package testutil starts the backing services used by integration tests.
// Each service runs in one container per test binary; the testcontainers
// reaper removes it when the binary exits.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startTimeout = 3 * time.Minute

type sharedContainer struct {
	once sync.Once
	addr string
	err  error
}

// get starts the container on first use and returns the address built by
// addr. Later callers reuse the same container, or the same error.
func (s *sharedContainer) get(t *testing.T, image string, addr func(ctx context.Context, c testcontainers.Container) (string, error), opts ...testcontainers.ContainerCustomizer) string {
	t.Helper()

	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()

		c, err := testcontainers.Run(ctx, image, opts...)
		if err != nil {
			s.err = err
			return
		}
		s.addr, s.err = addr(ctx, c)
		if s.err != nil {
			_ = c.Terminate(context.Background())
		}
	})

	if s.err != nil {
		t.Fatalf("start %s container: %v", image, s.err)
	}
	return s.addr
}

var (
	pgShared    sharedContainer
	redisShared sharedContainer
	mongoShared sharedContainer
	natsShared  sharedContainer
)

const (
	pgUser     = "stepflow"
	pgPassword = "stepflow"
	pgDatabase = "stepflow_test"
)

func pgDSN(hostPort string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostPort, pgDatabase)
}

// GetPostgresEndpoint returns a DSN for a Postgres 16 database, usable with
// the pgx stdlib driver.
func GetPostgresEndpoint(t *testing.T) string {
	t.Helper()
	return pgShared.get(t, "postgres:16",
		func(ctx context.Context, c testcontainers.Container) (string, error) {
			endpoint, err := c.Endpoint(ctx, "")
			if err != nil {
				return "", err
			}
			return pgDSN(endpoint), nil
		},
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPassword,
			"POSTGRES_DB":       pgDatabase,
		}),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return pgDSN(fmt.Sprintf("%s:%s", host, port.Port()))
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
	)
}

// GetRedisAddress returns the host:port of a Redis server.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redisShared.get(t, "redis:7",
		func(ctx context.Context, c testcontainers.Container) (string, error) {
			return c.Endpoint(ctx, "")
		},
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)
}

// GetMongoURI returns a mongodb:// URI for a MongoDB 7 server.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongoShared.get(t, "mongo:7",
		func(ctx context.Context, c testcontainers.Container) (string, error) {
			return c.PortEndpoint(ctx, "27017/tcp", "mongodb")
		},
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	)
}

// GetNATSURL returns a nats:// URL for a NATS server.
func GetNATSURL(t *testing.T) string {
	t.Helper()
	return natsShared.get(t, "nats:2.10",
		func(ctx context.Context, c testcontainers.Container) (string, error) {
			return c.PortEndpoint(ctx, "4222/tcp", "nats")
		},
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
}
