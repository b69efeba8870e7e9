package collector

import (
	"sync"

	"go.uber.org/zap"
)

// Notification names published by the pipeline.
const (
	// EventTracked fires after every queued event, with a Tracked payload.
	EventTracked = "event_tracked"
	// EventsFlushed fires after a successful transmission, with the event count.
	EventsFlushed = "events_flushed"
	// EventsLost fires when a batch is dropped after retry exhaustion, with the
	// dropped event count.
	EventsLost = "events_lost"
)

// Tracked is the EventTracked payload.
type Tracked struct {
	Type string
	Data Fields
}

// Handler receives one notification payload.
type Handler func(payload any)

// Bus is a synchronous in-process pub/sub surface. A panic inside one handler
// is recovered and logged; remaining handlers still run and the tracking call
// that triggered the notification is never interrupted.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
	logger   *zap.Logger
}

// NewBus creates a listener bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string]map[int]Handler),
		logger:   logger,
	}
}

// On registers a handler for a notification name and returns its unsubscribe
// function.
func (b *Bus) On(name string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[name][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[name], id)
	}
}

// Emit synchronously invokes every handler registered for name.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	registered := b.handlers[name]
	handlers := make([]Handler, 0, len(registered))
	for _, h := range registered {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeInvoke(name, h, payload)
	}
}

func (b *Bus) safeInvoke(name string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panicked", zap.String("event", name), zap.Any("panic", r))
		}
	}()
	h(payload)
}
