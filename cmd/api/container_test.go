package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/beacon/internal/config"
	"github.com/lllypuk/beacon/internal/infrastructure/httpserver"
)

// mockContainer builds a fully wired container without external
// infrastructure.
func mockContainer(t *testing.T) *Container {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.App.Mode = config.AppModeMock

	c, err := NewContainer(cfg,
		WithLogger(slog.Default()),
		WithMetricsRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewContainer_MockMode_Wiring(t *testing.T) {
	c := mockContainer(t)

	assert.NotNil(t, c.Hub)
	assert.NotNil(t, c.EventBus)
	assert.NotNil(t, c.ScheduleRepo)
	assert.NotNil(t, c.RunRepo)
	assert.NotNil(t, c.Directory)
	assert.NotNil(t, c.Testers)
	assert.NotNil(t, c.Authz)
	assert.NotNil(t, c.ScheduleService)
	assert.NotNil(t, c.ProgressService)
	assert.NotNil(t, c.Executor)
	assert.NotNil(t, c.ScheduleHandler)
	assert.NotNil(t, c.OperationHandler)
	assert.NotNil(t, c.WSHandler)
	assert.NotNil(t, c.Broadcaster)
	assert.NotNil(t, c.TokenValidator)

	// Mock mode must not open network connections.
	assert.Nil(t, c.MongoDB)
	assert.Nil(t, c.Redis)
}

func TestContainer_GetHealthStatus_MockMode(t *testing.T) {
	c := mockContainer(t)
	ctx := context.Background()

	statuses := c.GetHealthStatus(ctx)

	names := make(map[string]httpserver.ComponentStatus)
	for _, status := range statuses {
		names[status.Name] = status
	}

	// MongoDB and Redis are skipped entirely in mock mode.
	assert.NotContains(t, names, "mongodb")
	assert.NotContains(t, names, "redis")

	require.Contains(t, names, "websocket_hub")
	require.Contains(t, names, "due_backlog")

	// The hub loop has not been started yet.
	assert.Equal(t, httpserver.StatusUnhealthy, names["websocket_hub"].Status)
	assert.Equal(t, httpserver.StatusHealthy, names["due_backlog"].Status)
}

func TestContainer_IsReady_AfterStartHub(t *testing.T) {
	c := mockContainer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.False(t, c.IsReady(ctx))

	c.StartHub(ctx)

	require.Eventually(t, func() bool {
		return c.IsReady(ctx)
	}, time.Second, 10*time.Millisecond, "container should become ready once the hub runs")
}

func TestContainer_StartEventBus_MockMode(t *testing.T) {
	c := mockContainer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// In mock mode only the broadcaster subscriptions are registered; there
	// is no Redis loop to start.
	require.NoError(t, c.StartEventBus(ctx))
}

func TestContainer_Close_NoResources(t *testing.T) {
	c := &Container{Logger: slog.Default()}
	assert.NoError(t, c.Close())
}

func TestContainer_WiringMode_Default(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.True(t, cfg.App.IsRealMode())
	assert.False(t, cfg.App.IsMockMode())
}

func TestContainer_WiringMode_Mock(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.App.Mode = config.AppModeMock

	assert.False(t, cfg.App.IsRealMode())
	assert.True(t, cfg.App.IsMockMode())
}

func TestContainerTimeoutConstants(t *testing.T) {
	assert.Equal(t, 30*time.Second, containerInitTimeout)
	assert.Equal(t, 5*time.Second, redisPingTimeout)
	assert.Equal(t, 2*time.Second, healthPingTimeout)
}
