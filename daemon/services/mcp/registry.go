package mcp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ruaan-deysel/mcp-runtime/daemon/logger"
)

// RequestHandler answers an inbound request. It receives the raw params
// bytes and returns raw result bytes (or an error, converted to the
// appropriate JSON-RPC error object by the engine). This is the
// type-erased handler shape: the method's actual parameter/result types
// live behind the closure, which deserializes and re-serializes using
// whatever schema the caller registered against.
type RequestHandler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// NotificationHandler observes an inbound notification. Its failure is
// logged and does not block sibling handlers for the same method.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// Registry holds per-method request handlers (single, last write wins)
// and per-method notification handler lists (multi, fan-out in
// registration order).
type Registry struct {
	mu            sync.RWMutex
	requests      map[string]RequestHandler
	notifications map[string][]NotificationHandler
}

// NewRegistry constructs an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string][]NotificationHandler),
	}
}

// HandleRequest registers the request handler for method. A second
// registration for the same method replaces the first.
func (r *Registry) HandleRequest(method string, h RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[method] = h
}

// HandleNotification appends a notification handler for method. All
// handlers registered for a method are invoked, in registration order,
// on every delivery.
func (r *Registry) HandleNotification(method string, h NotificationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications[method] = append(r.notifications[method], h)
}

// Request looks up the single registered handler for method.
func (r *Registry) Request(method string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.requests[method]
	return h, ok
}

// HasRequest reports whether a request handler is registered for method,
// answering "is this method known" without invoking it.
func (r *Registry) HasRequest(method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.requests[method]
	return ok
}

// Dispatch invokes every notification handler registered for method, in
// registration order. One handler's panic or logged failure never
// prevents its siblings from running.
func (r *Registry) Dispatch(ctx context.Context, method string, params json.RawMessage) {
	r.mu.RLock()
	handlers := append([]NotificationHandler(nil), r.notifications[method]...)
	r.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("mcp: notification handler for %s panicked: %v", method, rec)
				}
			}()
			h(ctx, params)
		}()
	}
}
