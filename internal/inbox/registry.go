package inbox

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes one admitted inbox row's payload. Returning an error
// transitions the row to FAILED (subject to retry); returning nil transitions
// it to PROCESSED.
type Handler func(ctx context.Context, row *InboxRow) error

// Registry is a concurrent-safe event_type -> Handler map. Handlers may be
// registered at any time, including after the dispatcher has started —
// rows for an event type with no registered handler are left PENDING rather
// than dropped, so registering a handler later still picks them up.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an event type, overwriting any previous
// registration.
func (r *Registry) Register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

// Lookup returns the handler registered for eventType, or false if none.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// MustRegister panics if a handler is already registered for eventType; use
// at startup wiring time to catch accidental double-registration.
func (r *Registry) MustRegister(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[eventType]; exists {
		panic(fmt.Sprintf("inbox: handler already registered for event type %q", eventType))
	}
	r.handlers[eventType] = h
}
