// Package main provides the API server entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	progressapp "github.com/lllypuk/beacon/internal/application/progress"
	scheduleapp "github.com/lllypuk/beacon/internal/application/schedule"
	"github.com/lllypuk/beacon/internal/config"
	"github.com/lllypuk/beacon/internal/connector"
	httphandler "github.com/lllypuk/beacon/internal/handler/http"
	wshandler "github.com/lllypuk/beacon/internal/handler/websocket"
	"github.com/lllypuk/beacon/internal/infrastructure/auth"
	"github.com/lllypuk/beacon/internal/infrastructure/eventbus"
	"github.com/lllypuk/beacon/internal/infrastructure/healthcheck"
	"github.com/lllypuk/beacon/internal/infrastructure/httpserver"
	"github.com/lllypuk/beacon/internal/infrastructure/metrics"
	memoryrepo "github.com/lllypuk/beacon/internal/infrastructure/repository/memory"
	mongorepo "github.com/lllypuk/beacon/internal/infrastructure/repository/mongodb"
	ws "github.com/lllypuk/beacon/internal/infrastructure/websocket"
	"github.com/lllypuk/beacon/internal/middleware"
	"github.com/lllypuk/beacon/internal/worker"
)

// Container initialization timeouts.
const (
	containerInitTimeout = 30 * time.Second
	redisPingTimeout     = 5 * time.Second
	healthPingTimeout    = 2 * time.Second
)

// scheduleRegistry is the full schedule persistence surface the container
// wires: registry CRUD for the service, claims for the worker side.
type scheduleRegistry interface {
	scheduleapp.Repository
	worker.ClaimReleaser
	healthcheck.DueLister
}

// progressBus is the event bus surface the container wires: publishing for
// the progress service, subscriptions for the websocket broadcaster.
type progressBus interface {
	progressapp.Broadcaster
	Subscribe(kind string, handler eventbus.Handler) error
}

// Container holds all application dependencies and manages their lifecycle.
// It implements httpserver.HealthChecker for the health endpoints.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Infrastructure
	MongoDB  *mongo.Client
	Redis    *redis.Client
	EventBus progressBus
	redisBus *eventbus.RedisEventBus
	Hub      *ws.Hub
	Metrics  *metrics.DispatcherMetrics

	// Repositories
	ScheduleRepo scheduleRegistry
	RunRepo      progressapp.RunRepository

	// Collaborators
	Directory connector.Directory
	Testers   *connector.Registry
	Authz     *auth.PrincipalAuthorizer

	// Services
	ScheduleService *scheduleapp.Service
	ProgressService *progressapp.Service
	Executor        *worker.Executor

	// Handlers
	ScheduleHandler  *httphandler.ScheduleHandler
	OperationHandler *httphandler.OperationHandler
	WSHandler        *wshandler.Handler
	Broadcaster      *ws.Broadcaster

	// Auth
	TokenValidator middleware.TokenValidator
	jwtValidator   *auth.JWTValidator
}

// Ensure Container implements httpserver.HealthChecker.
var _ httpserver.HealthChecker = (*Container)(nil)

// ContainerOption configures the Container.
type ContainerOption func(*Container)

// WithLogger sets a custom logger for the container.
func WithLogger(logger *slog.Logger) ContainerOption {
	return func(c *Container) {
		c.Logger = logger
	}
}

// WithMetricsRegisterer overrides the Prometheus registerer, for tests.
func WithMetricsRegisterer(reg prometheus.Registerer) ContainerOption {
	return func(c *Container) {
		c.Metrics = metrics.NewDispatcherMetrics(reg)
	}
}

// NewContainer creates a new dependency injection container.
// The wiring mode (real/mock) is determined by config.App.Mode.
func NewContainer(cfg *config.Config, opts ...ContainerOption) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.Metrics == nil {
		c.Metrics = metrics.NewDispatcherMetrics(prometheus.DefaultRegisterer)
	}

	if err := c.setupInfrastructure(); err != nil {
		return nil, fmt.Errorf("infrastructure: %w", err)
	}
	if err := c.setupCollaborators(); err != nil {
		return nil, fmt.Errorf("collaborators: %w", err)
	}
	if err := c.setupAuth(); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	c.setupServices()
	c.setupHandlers()

	c.Logger.Info("container initialized",
		slog.String("mode", string(cfg.App.Mode)),
		slog.Bool("real_mode", cfg.App.IsRealMode()),
	)
	return c, nil
}

// setupInfrastructure initializes MongoDB, Redis, the event bus, the
// websocket hub, and the repositories. In mock mode everything stays
// in-process.
func (c *Container) setupInfrastructure() error {
	c.Hub = ws.NewHub(ws.WithHubLogger(c.Logger))

	if !c.Config.App.IsRealMode() {
		c.EventBus = eventbus.NewMemoryEventBus(c.Logger)
		c.ScheduleRepo = memoryrepo.NewScheduleRepository()
		c.RunRepo = memoryrepo.NewRunRepository(
			memoryrepo.WithRetention(c.Config.Executor.RunRetention),
		)
		c.Logger.Info("mock mode: using in-memory repositories and event bus")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), containerInitTimeout)
	defer cancel()

	if err := c.setupMongoDB(ctx); err != nil {
		return fmt.Errorf("mongodb: %w", err)
	}
	if err := c.setupRedis(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	db := c.MongoDB.Database(c.Config.MongoDB.Database)
	c.ScheduleRepo = mongorepo.NewScheduleRepository(db)
	c.RunRepo = mongorepo.NewRunRepository(db,
		mongorepo.WithRunRetention(c.Config.Executor.RunRetention),
	)

	c.redisBus = eventbus.NewRedisEventBus(c.Redis,
		eventbus.WithLogger(c.Logger),
		eventbus.WithChannelPrefix(c.Config.EventBus.RedisChannelPrefix),
	)
	c.EventBus = c.redisBus

	return nil
}

// setupMongoDB connects the MongoDB client and ensures indexes.
func (c *Container) setupMongoDB(ctx context.Context) error {
	clientOpts := options.Client().
		ApplyURI(c.Config.MongoDB.URI).
		SetMaxPoolSize(c.Config.MongoDB.MaxPoolSize)

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.Config.MongoDB.Timeout)
	defer cancel()
	if err = client.Ping(pingCtx, nil); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}

	c.MongoDB = client
	c.Logger.InfoContext(ctx, "connected to MongoDB",
		slog.String("database", c.Config.MongoDB.Database),
	)

	indexCtx, indexCancel := context.WithTimeout(ctx, c.Config.MongoDB.Timeout)
	defer indexCancel()
	db := client.Database(c.Config.MongoDB.Database)
	if err = mongorepo.EnsureIndexes(indexCtx, db); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// setupRedis connects the Redis client.
func (c *Container) setupRedis(ctx context.Context) error {
	c.Redis = redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Addr,
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
		PoolSize: c.Config.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := c.Redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}

	c.Logger.InfoContext(ctx, "connected to Redis",
		slog.String("addr", c.Config.Redis.Addr),
	)
	return nil
}

// setupCollaborators initializes the resource directory and the tester
// registry with the default HTTP and TCP probers.
func (c *Container) setupCollaborators() error {
	if c.Config.App.ResourcesFile != "" {
		dir, err := connector.LoadDirectoryFile(c.Config.App.ResourcesFile)
		if err != nil {
			return fmt.Errorf("resource directory: %w", err)
		}
		c.Directory = dir
		c.Logger.Info("resource directory loaded",
			slog.String("path", c.Config.App.ResourcesFile),
			slog.Int("resources", dir.Len()),
		)
	} else {
		c.Directory = connector.NewStaticDirectory()
		c.Logger.Warn("no resources file configured, resource directory is empty")
	}

	registry := connector.NewRegistry()
	registry.Register("http", connector.NewHTTPProber(&http.Client{}))
	registry.Register("tcp", connector.NewTCPProber())
	c.Testers = registry

	c.Authz = auth.NewPrincipalAuthorizer()
	return nil
}

// setupAuth selects the token validator: JWT validation in real mode, the
// static development validator in mock mode.
func (c *Container) setupAuth() error {
	if !c.Config.App.IsRealMode() {
		c.TokenValidator = middleware.NewStaticTokenValidator()
		c.Logger.Warn("mock mode: using static token validator")
		return nil
	}

	validator, err := auth.NewJWTValidator(auth.ValidatorConfig{
		Secret:          c.Config.Auth.JWTSecret,
		JWKSURL:         c.Config.Auth.JWKSURL,
		Issuer:          c.Config.Auth.Issuer,
		Leeway:          c.Config.Auth.Leeway,
		RefreshInterval: c.Config.Auth.RefreshInterval,
		Logger:          c.Logger,
	})
	if err != nil {
		return err
	}
	c.jwtValidator = validator
	c.TokenValidator = validator
	return nil
}

// setupServices wires the application services and the run executor.
func (c *Container) setupServices() {
	c.ProgressService = progressapp.NewService(
		c.RunRepo,
		c.EventBus,
		c.Authz,
		progressapp.WithLogger(c.Logger),
		progressapp.WithMaxTail(c.Config.Executor.ProgressMaxTail),
	)

	c.Executor = worker.NewExecutor(
		c.Directory,
		c.Testers,
		c.ProgressService,
		c.ScheduleRepo,
		worker.WithExecutorLogger(c.Logger),
		worker.WithExecutorMetrics(c.Metrics),
		worker.WithRunTimeout(c.Config.Executor.RunTimeout),
	)

	c.ScheduleService = scheduleapp.NewService(
		c.ScheduleRepo,
		c.Directory,
		c.Authz,
		c.Executor,
		scheduleapp.WithLogger(c.Logger),
	)
}

// setupHandlers wires the HTTP and websocket handlers.
func (c *Container) setupHandlers() {
	c.ScheduleHandler = httphandler.NewScheduleHandler(c.ScheduleService, c.Logger)
	c.OperationHandler = httphandler.NewOperationHandler(c.ProgressService, c.Logger)

	c.WSHandler = wshandler.NewHandler(c.Hub, c.ProgressService,
		wshandler.WithHandlerLogger(c.Logger),
		wshandler.WithTokenValidator(c.TokenValidator),
		wshandler.WithHandlerConfig(wshandler.HandlerConfig{
			ReadBufferSize:  c.Config.WebSocket.ReadBufferSize,
			WriteBufferSize: c.Config.WebSocket.WriteBufferSize,
			Logger:          c.Logger,
			ClientConfig: ws.ClientConfig{
				ReadBufferSize:  c.Config.WebSocket.ReadBufferSize,
				WriteBufferSize: c.Config.WebSocket.WriteBufferSize,
				PingInterval:    c.Config.WebSocket.PingInterval,
				PongWait:        c.Config.WebSocket.PongTimeout,
				WriteWait:       ws.DefaultClientConfig().WriteWait,
				MaxMessageSize:  ws.DefaultClientConfig().MaxMessageSize,
			},
		}),
	)

	c.Broadcaster = ws.NewBroadcaster(c.Hub, c.EventBus,
		ws.WithBroadcasterLogger(c.Logger),
	)
}

// StartHub starts the websocket hub loop.
func (c *Container) StartHub(ctx context.Context) {
	go c.Hub.Run(ctx)
}

// StartEventBus subscribes the broadcaster and, in real mode, starts the
// Redis subscription loop in the background.
func (c *Container) StartEventBus(ctx context.Context) error {
	if err := c.Broadcaster.Start(ctx); err != nil {
		return fmt.Errorf("broadcaster: %w", err)
	}

	if c.redisBus != nil {
		go func() {
			if err := c.redisBus.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.Logger.Error("event bus stopped", slog.Any("error", err))
			}
		}()
	}
	return nil
}

// Close releases all container resources.
func (c *Container) Close() error {
	var errs []error

	if c.redisBus != nil {
		if err := c.redisBus.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("event bus: %w", err))
		}
	}
	if c.jwtValidator != nil {
		if err := c.jwtValidator.Close(); err != nil {
			errs = append(errs, fmt.Errorf("jwt validator: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if c.MongoDB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), healthPingTimeout)
		if err := c.MongoDB.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb: %w", err))
		}
		cancel()
	}

	c.Logger.Info("container closed")
	return errors.Join(errs...)
}

// IsReady reports whether all infrastructure dependencies answer.
func (c *Container) IsReady(ctx context.Context) bool {
	for _, comp := range c.GetHealthStatus(ctx) {
		if comp.Status == httpserver.StatusUnhealthy {
			return false
		}
	}
	return true
}

// GetHealthStatus returns per-component health.
func (c *Container) GetHealthStatus(ctx context.Context) []httpserver.ComponentStatus {
	components := make([]httpserver.ComponentStatus, 0, 4)

	if c.MongoDB != nil {
		components = append(components, c.pingComponent(ctx, "mongodb", func(pingCtx context.Context) error {
			return c.MongoDB.Ping(pingCtx, nil)
		}))
	}
	if c.Redis != nil {
		components = append(components, c.pingComponent(ctx, "redis", func(pingCtx context.Context) error {
			return c.Redis.Ping(pingCtx).Err()
		}))
	}

	hubStatus := httpserver.StatusHealthy
	hubMessage := fmt.Sprintf("%d clients connected", c.Hub.ClientCount())
	if !c.Hub.IsRunning() {
		hubStatus = httpserver.StatusUnhealthy
		hubMessage = "hub not running"
	}
	components = append(components, httpserver.ComponentStatus{
		Name:    "websocket_hub",
		Status:  hubStatus,
		Message: hubMessage,
	})

	backlog := healthcheck.NewDueBacklogChecker(c.ScheduleRepo,
		healthcheck.WithBacklogGauge(c.Metrics.DueBacklog),
	)
	components = append(components, backlog.Check(ctx))

	return components
}

func (c *Container) pingComponent(
	ctx context.Context,
	name string,
	ping func(ctx context.Context) error,
) httpserver.ComponentStatus {
	pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()

	if err := ping(pingCtx); err != nil {
		return httpserver.ComponentStatus{
			Name:    name,
			Status:  httpserver.StatusUnhealthy,
			Message: err.Error(),
		}
	}
	return httpserver.ComponentStatus{Name: name, Status: httpserver.StatusHealthy}
}
