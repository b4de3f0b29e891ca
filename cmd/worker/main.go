// Package main provides the worker service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	progressapp "github.com/lllypuk/beacon/internal/application/progress"
	"github.com/lllypuk/beacon/internal/config"
	"github.com/lllypuk/beacon/internal/connector"
	"github.com/lllypuk/beacon/internal/infrastructure/auth"
	"github.com/lllypuk/beacon/internal/infrastructure/eventbus"
	"github.com/lllypuk/beacon/internal/infrastructure/metrics"
	mongorepo "github.com/lllypuk/beacon/internal/infrastructure/repository/mongodb"
	"github.com/lllypuk/beacon/internal/worker"
)

const redisPingTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		//nolint:sloglint // The configured logger may not exist yet
		slog.Error("worker exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := newLogger(cfg)
	logger.Info("starting beacon worker service",
		slog.String("version", "0.1.0"),
		slog.String("environment", environmentName(cfg)),
	)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	mongoClient, err := connectMongo(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect to MongoDB: %w", err)
	}
	defer func() {
		if derr := mongoClient.Disconnect(context.Background()); derr != nil {
			logger.Error("mongodb disconnect error", slog.String("error", derr.Error()))
		}
	}()

	db := mongoClient.Database(cfg.MongoDB.Database)
	scheduleRepo := mongorepo.NewScheduleRepository(db)
	runRepo := mongorepo.NewRunRepository(db,
		mongorepo.WithRunRetention(cfg.Executor.RunRetention),
	)

	redisClient, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}
	defer func() {
		if cerr := redisClient.Close(); cerr != nil {
			logger.Error("redis close error", slog.String("error", cerr.Error()))
		}
	}()

	// The worker only publishes progress frames; subscriptions live in the
	// API process, so the bus subscription loop is not started here.
	eventBus := eventbus.NewRedisEventBus(redisClient,
		eventbus.WithLogger(logger),
		eventbus.WithChannelPrefix(cfg.EventBus.RedisChannelPrefix),
	)

	directory, err := loadDirectory(cfg, logger)
	if err != nil {
		return fmt.Errorf("load resource directory: %w", err)
	}

	testers := connector.NewRegistry()
	testers.Register("http", connector.NewHTTPProber(&http.Client{}))
	testers.Register("tcp", connector.NewTCPProber())

	dispatcherMetrics := metrics.NewDispatcherMetrics(prometheus.DefaultRegisterer)

	progressService := progressapp.NewService(
		runRepo,
		eventBus,
		auth.NewPrincipalAuthorizer(),
		progressapp.WithLogger(logger),
		progressapp.WithMaxTail(cfg.Executor.ProgressMaxTail),
	)

	executor := worker.NewExecutor(
		directory,
		testers,
		progressService,
		scheduleRepo,
		worker.WithExecutorLogger(logger),
		worker.WithExecutorMetrics(dispatcherMetrics),
		worker.WithRunTimeout(cfg.Executor.RunTimeout),
	)

	dispatcherConfig := worker.DispatcherConfig{
		Enabled:      cfg.Dispatcher.Enabled,
		PollInterval: cfg.Dispatcher.PollInterval,
		PoolSize:     cfg.Dispatcher.PoolSize,
	}
	dispatcher := worker.NewDispatcher(
		scheduleRepo,
		executor,
		logger,
		dispatcherConfig,
		worker.WithDispatcherMetrics(dispatcherMetrics),
	)

	logger.Info("starting dispatcher",
		slog.Bool("enabled", dispatcherConfig.Enabled),
		slog.Duration("poll_interval", dispatcherConfig.PollInterval),
		slog.Int("pool_size", dispatcherConfig.PoolSize),
	)

	if err = dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("dispatcher: %w", err)
	}

	logger.Info("worker service shutdown complete")
	return nil
}

// connectMongo connects, verifies the connection and ensures indexes.
func connectMongo(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(cfg.MongoDB.URI).
		SetMaxPoolSize(cfg.MongoDB.MaxPoolSize)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.MongoDB.Timeout)
	defer cancel()
	if err = client.Ping(pingCtx, nil); err != nil {
		return nil, err
	}

	indexCtx, cancelIdx := context.WithTimeout(ctx, cfg.MongoDB.Timeout)
	defer cancelIdx()
	if err = mongorepo.EnsureIndexes(indexCtx, client.Database(cfg.MongoDB.Database)); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "connected to MongoDB", slog.String("database", cfg.MongoDB.Database))
	return client, nil
}

// connectRedis builds the publishing client and verifies connectivity.
func connectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.InfoContext(ctx, "connected to Redis", slog.String("addr", cfg.Redis.Addr))
	return client, nil
}

// loadDirectory loads the resource inventory configured for the worker. An
// unset resources file yields an empty directory, not an error.
func loadDirectory(cfg *config.Config, logger *slog.Logger) (*connector.StaticDirectory, error) {
	if cfg.App.ResourcesFile == "" {
		logger.Warn("no resources file configured, resource directory is empty")
		return connector.NewStaticDirectory(), nil
	}

	dir, err := connector.LoadDirectoryFile(cfg.App.ResourcesFile)
	if err != nil {
		return nil, err
	}

	logger.Info("resource directory loaded",
		slog.String("path", cfg.App.ResourcesFile),
		slog.Int("resources", dir.Len()),
	)
	return dir, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     logLevel(cfg.Log.Level),
		AddSource: cfg.IsDevelopment(),
	}

	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func environmentName(cfg *config.Config) string {
	switch {
	case cfg.IsDevelopment():
		return "development"
	case cfg.IsProduction():
		return "production"
	default:
		return "unknown"
	}
}
