// Package router implements the component registry and synchronous message
// router: components register a handler under a logical id, and the router
// dispatches signed envelopes to them through an ordered middleware chain.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/helmrun/orchestrator/pkg/envelope"
)

// Handler processes one envelope and returns the response envelope (or an
// error, which the router's error-wrapper middleware converts into an
// error-type envelope).
type Handler func(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error)

var ErrAlreadyRegistered = errors.New("router: component id already registered")

// Registry is the addressable handler table. Exactly one handler is bound
// per component id at a time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(id string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[id]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	r.handlers[id] = h
	return nil
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, id)
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[id]
	return ok
}

func (r *Registry) lookup(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}
