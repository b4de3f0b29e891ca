package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/lllypuk/beacon/internal/domain/run"
)

// MemoryEventBus delivers progress events in-process. Used in mock mode,
// where a single process hosts both the executor and the websocket hub and
// Redis would add nothing.
type MemoryEventBus struct {
	handlers   map[string][]Handler
	handlersMu sync.RWMutex
	logger     *slog.Logger
}

// NewMemoryEventBus creates an in-process progress event bus.
func NewMemoryEventBus(logger *slog.Logger) *MemoryEventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryEventBus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// BroadcastProgress delivers the event synchronously to every handler
// registered for its kind. Handler failures are logged, not retried.
func (b *MemoryEventBus) BroadcastProgress(ctx context.Context, ev run.Event) error {
	if ev.OperationID == "" {
		return errors.New("event operation id cannot be empty")
	}

	kind := kindOf(ev)

	b.handlersMu.RLock()
	handlers := append([]Handler(nil), b.handlers[kind]...)
	b.handlersMu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, ev); err != nil {
			b.logger.WarnContext(ctx, "event handler failed",
				slog.String("kind", kind),
				slog.String("operation_id", ev.OperationID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Subscribe registers a handler for an event kind.
func (b *MemoryEventBus) Subscribe(kind string, handler Handler) error {
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

// HandlerCount returns the number of handlers registered for an event kind.
func (b *MemoryEventBus) HandlerCount(kind string) int {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	return len(b.handlers[kind])
}
