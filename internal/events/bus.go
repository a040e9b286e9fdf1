// Package events provides a typed, observer-style event channel for the
// orchestration layer. Handlers are registered at construction time against
// enumerated event types; there is no string-named publish/subscribe.
package events

import (
	"context"
	"sync"

	"github.com/conduit-ai/conduit/internal/observability"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/pkg/models"
)

// Handler observes emitted events. Handlers run synchronously on the
// emitting goroutine and must not block.
type Handler interface {
	HandleEvent(ctx context.Context, event *models.Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *models.Event)

func (f HandlerFunc) HandleEvent(ctx context.Context, event *models.Event) {
	f(ctx, event)
}

// Bus dispatches typed events to registered handlers and persists each
// event to the audit trail.
type Bus struct {
	mu     sync.RWMutex
	byType map[models.EventType][]Handler
	all    []Handler
	store  storage.EventStore
	logger *observability.Logger
}

// NewBus creates an event bus. The store may be nil, in which case events
// are dispatched but not persisted.
func NewBus(store storage.EventStore, logger *observability.Logger) *Bus {
	return &Bus{
		byType: make(map[models.EventType][]Handler),
		store:  store,
		logger: logger,
	}
}

// Subscribe registers a handler for specific event types. With no types the
// handler observes every event.
func (b *Bus) Subscribe(handler Handler, types ...models.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.all = append(b.all, handler)
		return
	}
	for _, t := range types {
		b.byType[t] = append(b.byType[t], handler)
	}
}

// Emit persists the event and dispatches it to matching handlers.
// A panicking handler is recovered and logged; it never takes down the
// emitting operation.
func (b *Bus) Emit(ctx context.Context, event *models.Event) {
	if event == nil {
		return
	}

	if b.store != nil {
		if err := b.store.Append(ctx, event); err != nil && b.logger != nil {
			b.logger.Error(ctx, "failed to persist event",
				"event_type", string(event.Type), "error", err)
		}
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.all)+len(b.byType[event.Type]))
	handlers = append(handlers, b.all...)
	handlers = append(handlers, b.byType[event.Type]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.dispatch(ctx, handler, event)
	}
}

func (b *Bus) dispatch(ctx context.Context, handler Handler, event *models.Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error(ctx, "event handler panicked",
				"event_type", string(event.Type), "panic", r)
		}
	}()
	handler.HandleEvent(ctx, event)
}
