package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/lllypuk/beacon/internal/domain/run"
	"github.com/lllypuk/beacon/internal/infrastructure/eventbus"
)

// EventBus defines the interface for subscribing to progress events.
// Declared on the consumer side per project guidelines.
type EventBus interface {
	// Subscribe registers a handler for a specific event kind.
	Subscribe(kind string, handler eventbus.Handler) error
}

// Broadcaster bridges the event bus into the hub: every progress event is
// routed to the room of the operation it belongs to.
type Broadcaster struct {
	hub      *Hub
	eventBus EventBus
	logger   *slog.Logger

	runningMu sync.RWMutex
	running   bool
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBroadcasterLogger sets the logger for the broadcaster.
func WithBroadcasterLogger(logger *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// NewBroadcaster creates a broadcaster over the given hub and bus.
func NewBroadcaster(hub *Hub, bus EventBus, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{hub: hub, eventBus: bus, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start registers the bus handlers. Non-blocking; calling it twice is a
// no-op.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.runningMu.Lock()
	if b.running {
		b.runningMu.Unlock()
		return nil
	}
	b.running = true
	b.runningMu.Unlock()

	for _, kind := range []string{eventbus.KindProgress, eventbus.KindTerminal} {
		if err := b.eventBus.Subscribe(kind, b.handleEvent); err != nil {
			b.logger.ErrorContext(ctx, "failed to subscribe to event kind",
				slog.String("kind", kind),
				slog.String("error", err.Error()),
			)
			return err
		}
		b.logger.DebugContext(ctx, "subscribed to event kind", slog.String("kind", kind))
	}

	b.logger.InfoContext(ctx, "websocket broadcaster started")

	return nil
}

// IsRunning reports whether Start has registered the handlers.
func (b *Broadcaster) IsRunning() bool {
	b.runningMu.RLock()
	defer b.runningMu.RUnlock()
	return b.running
}

// handleEvent transforms a progress event and routes it to its operation room.
func (b *Broadcaster) handleEvent(ctx context.Context, ev run.Event) error {
	msgType := MessageTypeProgress
	if ev.Terminal() {
		msgType = MessageTypeFinished
	}

	message, err := json.Marshal(OutboundMessage{
		Type:        msgType,
		OperationID: ev.OperationID,
		Data:        ev,
	})
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to marshal websocket message",
			slog.String("operation_id", ev.OperationID),
			slog.String("error", err.Error()),
		)
		return err
	}

	b.hub.BroadcastToOperation(ev.OperationID, message)
	b.logger.DebugContext(ctx, "broadcast progress event",
		slog.String("type", msgType),
		slog.String("operation_id", ev.OperationID),
	)
	return nil
}
