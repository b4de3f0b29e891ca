package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Redis test configuration constants.
const (
	redisCtxTimeout              = 10 * time.Second
	redisContainerStartupTimeout = 60 * time.Second
	redisPingTimeout             = 2 * time.Second
	redisPingRetries             = 5
	redisPingRetryDelay          = 500 * time.Millisecond
	redisTestPoolSize            = 10
)

var (
	sharedRedis     *sharedRedisContainer
	sharedRedisOnce sync.Once
	sharedRedisErr  error
)

type sharedRedisContainer struct {
	container testcontainers.Container
	addr      string
}

// getSharedRedis starts the singleton Redis container on first use.
func getSharedRedis(ctx context.Context) (*sharedRedisContainer, error) {
	sharedRedisOnce.Do(func() {
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready to accept connections").
					WithStartupTimeout(redisContainerStartupTimeout),
				wait.ForListeningPort("6379/tcp").
					WithStartupTimeout(redisContainerStartupTimeout),
			),
		}

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			sharedRedisErr = fmt.Errorf("failed to start Redis container: %w", err)
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			sharedRedisErr = fmt.Errorf("failed to get container host: %w", err)
			return
		}
		port, err := container.MappedPort(ctx, "6379")
		if err != nil {
			sharedRedisErr = fmt.Errorf("failed to get container port: %w", err)
			return
		}

		sharedRedis = &sharedRedisContainer{
			container: container,
			addr:      net.JoinHostPort(host, port.Port()),
		}
	})

	return sharedRedis, sharedRedisErr
}

// SetupTestRedis returns a client for the shared Redis container. The
// database is flushed and the client closed when the test finishes, so tests
// must not assume key isolation across parallel tests.
func SetupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), redisCtxTimeout)
	defer cancel()

	container, err := getSharedRedis(ctx)
	if err != nil {
		t.Fatalf("Failed to get shared Redis container: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     container.addr,
		PoolSize: redisTestPoolSize,
	})

	var pingErr error
	for i := range redisPingRetries {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), redisPingTimeout)
		pingErr = client.Ping(pingCtx).Err()
		pingCancel()
		if pingErr == nil {
			break
		}
		if i < redisPingRetries-1 {
			time.Sleep(redisPingRetryDelay)
		}
	}
	if pingErr != nil {
		_ = client.Close()
		t.Fatalf("Failed to ping Redis after %d retries: %v", redisPingRetries, pingErr)
	}

	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), redisCtxTimeout)
		defer cleanupCancel()
		_ = client.FlushDB(cleanupCtx).Err()
		_ = client.Close()
	})

	return client
}
