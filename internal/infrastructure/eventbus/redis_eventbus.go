// Package eventbus fans run progress events out across processes. The API
// and worker processes publish through it; every process hosting a websocket
// hub subscribes, so subscribers on any instance see every event.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/beacon/internal/domain/run"
)

// Event kinds routed over the bus.
const (
	KindProgress = "run.progress"
	KindTerminal = "run.finished"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultBackoffFactor  = 2.0
	defaultChannelPrefix  = "progress:"
)

// Handler is a function that handles run progress events.
type Handler func(ctx context.Context, ev run.Event) error

// envelope is the wire form of a run event. The id and published_at fields
// exist for log correlation only.
type envelope struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	OperationID string    `json:"operation_id"`
	PublishedAt time.Time `json:"published_at"`
	Event       run.Event `json:"event"`
}

func kindOf(ev run.Event) string {
	if ev.Terminal() {
		return KindTerminal
	}
	return KindProgress
}

// RetryConfig bounds the per-handler retry loop.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     defaultMaxRetries,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
		BackoffFactor:  defaultBackoffFactor,
	}
}

// next returns the backoff that follows cur.
func (rc RetryConfig) next(cur time.Duration) time.Duration {
	cur = time.Duration(float64(cur) * rc.BackoffFactor)
	return min(cur, rc.MaxBackoff)
}

// RedisEventBus carries progress events over Redis Pub/Sub.
type RedisEventBus struct {
	client *redis.Client

	pubsubMu sync.RWMutex
	pubsub   *redis.PubSub

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	runningMu sync.RWMutex
	running   bool

	shutdown chan struct{}
	wg       sync.WaitGroup

	logger        *slog.Logger
	retryConfig   RetryConfig
	channelPrefix string
}

// Option configures a RedisEventBus.
type Option func(*RedisEventBus)

// WithLogger sets the logger for the event bus.
func WithLogger(logger *slog.Logger) Option {
	return func(b *RedisEventBus) { b.logger = logger }
}

// WithRetryConfig sets the retry configuration for event handling.
func WithRetryConfig(config RetryConfig) Option {
	return func(b *RedisEventBus) { b.retryConfig = config }
}

// WithChannelPrefix sets a prefix for Redis channel names.
func WithChannelPrefix(prefix string) Option {
	return func(b *RedisEventBus) { b.channelPrefix = prefix }
}

// NewRedisEventBus creates a new Redis-based progress event bus.
func NewRedisEventBus(client *redis.Client, opts ...Option) *RedisEventBus {
	b := &RedisEventBus{
		client:        client,
		handlers:      make(map[string][]Handler),
		shutdown:      make(chan struct{}),
		logger:        slog.Default(),
		retryConfig:   DefaultRetryConfig(),
		channelPrefix: defaultChannelPrefix,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BroadcastProgress publishes a run event to Redis Pub/Sub. Satisfies the
// progress service's Broadcaster dependency.
func (b *RedisEventBus) BroadcastProgress(ctx context.Context, ev run.Event) error {
	if ev.OperationID == "" {
		return errors.New("event operation id cannot be empty")
	}

	env := envelope{
		ID:          uuid.New().String(),
		Kind:        kindOf(ev),
		OperationID: ev.OperationID,
		PublishedAt: time.Now().UTC(),
		Event:       ev,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}

	channel := b.channelFor(env.Kind)
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}

	b.logger.DebugContext(ctx, "progress event published",
		slog.String("event_id", env.ID),
		slog.String("kind", env.Kind),
		slog.String("operation_id", ev.OperationID),
		slog.String("channel", channel),
	)
	return nil
}

// Subscribe registers a handler for an event kind. Handlers run in
// registration order when an event arrives.
func (b *RedisEventBus) Subscribe(kind string, handler Handler) error {
	if kind == "" {
		return errors.New("event kind cannot be empty")
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
	return nil
}

// Start subscribes to the channels of every registered kind and consumes
// messages until the context ends or Shutdown is called. Blocking; run it
// as a goroutine.
func (b *RedisEventBus) Start(ctx context.Context) error {
	b.runningMu.Lock()
	if b.running {
		b.runningMu.Unlock()
		return errors.New("event bus is already running")
	}
	b.running = true
	b.runningMu.Unlock()

	channels := b.subscribedChannels()
	if len(channels) == 0 {
		// Nothing to consume; park until told to stop.
		b.logger.WarnContext(ctx, "starting event bus with no subscriptions")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.shutdown:
			return nil
		}
	}

	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe to channels: %w", err)
	}

	b.pubsubMu.Lock()
	b.pubsub = pubsub
	b.pubsubMu.Unlock()

	b.logger.InfoContext(ctx, "event bus started",
		slog.Int("channel_count", len(channels)),
		slog.Any("channels", channels),
	)

	for {
		select {
		case <-ctx.Done():
			b.logger.InfoContext(ctx, "event bus stopping due to context cancellation")
			return ctx.Err()
		case <-b.shutdown:
			b.logger.InfoContext(ctx, "event bus stopping due to shutdown signal")
			return nil
		case msg, ok := <-pubsub.Channel():
			if !ok {
				b.logger.WarnContext(ctx, "message channel closed")
				return nil
			}
			b.wg.Add(1)
			b.dispatch(ctx, msg)
			b.wg.Done()
		}
	}
}

// Shutdown stops the bus and waits for in-flight handlers to finish.
func (b *RedisEventBus) Shutdown() error {
	b.runningMu.Lock()
	if !b.running {
		b.runningMu.Unlock()
		return nil
	}
	b.running = false
	b.runningMu.Unlock()

	close(b.shutdown)
	b.wg.Wait()

	b.pubsubMu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.pubsubMu.Unlock()

	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			return fmt.Errorf("close pubsub: %w", err)
		}
	}
	return nil
}

// IsRunning reports whether the consume loop is active.
func (b *RedisEventBus) IsRunning() bool {
	b.runningMu.RLock()
	defer b.runningMu.RUnlock()
	return b.running
}

// HandlerCount returns the number of handlers registered for an event kind.
func (b *RedisEventBus) HandlerCount(kind string) int {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	return len(b.handlers[kind])
}

func (b *RedisEventBus) channelFor(kind string) string {
	return b.channelPrefix + kind
}

func (b *RedisEventBus) subscribedChannels() []string {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()

	channels := make([]string, 0, len(b.handlers))
	for kind := range b.handlers {
		channels = append(channels, b.channelFor(kind))
	}
	return channels
}

// dispatch decodes one Redis message and runs the kind's handlers inside
// the consume loop. Synchronous delivery is what keeps the events of an
// operation in the order they were published; a retrying handler stalls the
// feed briefly rather than reordering it.
func (b *RedisEventBus) dispatch(ctx context.Context, msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.ErrorContext(ctx, "failed to unmarshal progress event",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
		return
	}

	b.handlersMu.RLock()
	handlers := append([]Handler(nil), b.handlers[env.Kind]...)
	b.handlersMu.RUnlock()

	for i, handler := range handlers {
		b.runHandler(ctx, handler, env, i)
	}
}

// runHandler invokes one handler, retrying with exponential backoff up to
// the configured limit.
func (b *RedisEventBus) runHandler(ctx context.Context, handler Handler, env envelope, idx int) {
	backoff := b.retryConfig.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= b.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				b.logger.WarnContext(ctx, "handler retry cancelled",
					slog.String("kind", env.Kind),
					slog.String("error", ctx.Err().Error()),
				)
				return
			case <-time.After(backoff):
			}
			backoff = b.retryConfig.next(backoff)
		}

		lastErr = handler(ctx, env.Event)
		if lastErr == nil {
			return
		}
		b.logger.WarnContext(ctx, "event handler failed",
			slog.String("kind", env.Kind),
			slog.String("operation_id", env.OperationID),
			slog.Int("handler_index", idx),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
	}

	b.logger.ErrorContext(ctx, "event handler failed after all retries",
		slog.String("kind", env.Kind),
		slog.String("operation_id", env.OperationID),
		slog.Int("handler_index", idx),
		slog.Int("max_retries", b.retryConfig.MaxRetries),
		slog.String("error", lastErr.Error()),
	)
}
