package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownType is returned by Router.Dispatch for envelopes whose type
// has no registered handler.
var ErrUnknownType = errors.New("unknown message type")

// HandlerFunc processes one decoded envelope.
type HandlerFunc func(ctx context.Context, e Envelope) error

// Router dispatches envelopes to per-type handlers. Handlers are
// registered once at startup; Dispatch is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[MessageType]HandlerFunc
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[MessageType]HandlerFunc)}
}

// Handle registers fn for message type t. It panics on types outside the
// closed set, which is a programming error.
func (r *Router) Handle(t MessageType, fn HandlerFunc) {
	if !t.Known() {
		panic(fmt.Sprintf("protocol: handler for unknown type %q", t))
	}
	r.mu.Lock()
	r.handlers[t] = fn
	r.mu.Unlock()
}

// Dispatch validates e and calls the handler for its type.
func (r *Router) Dispatch(ctx context.Context, e Envelope) error {
	if !e.Valid() {
		return ErrMalformed
	}
	r.mu.RLock()
	fn, ok := r.handlers[e.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return fn(ctx, e)
}

// Typed adapts a handler taking a decoded payload into a HandlerFunc.
func Typed[T any](fn func(ctx context.Context, e Envelope, payload T) error) HandlerFunc {
	return func(ctx context.Context, e Envelope) error {
		p, err := DecodeData[T](e)
		if err != nil {
			return err
		}
		return fn(ctx, e, p)
	}
}
