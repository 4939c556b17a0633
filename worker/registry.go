// Package worker is the executing side of task dispatch: a registry
// of named handlers and an executor that runs dispatched tasks on a
// bounded pool, reporting progress back to the submitter.
package worker

import (
	"context"
	"sort"
	"sync"
)

// HandlerFunc executes one task: opaque input in, opaque output out.
// The context is cancelled when the submitter cancels the task or the
// node shuts down.
type HandlerFunc func(ctx context.Context, input []byte) ([]byte, error)

// Registry maps handler names to their implementations. Handlers are
// usually registered once at startup, before the node serves traffic.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds name to fn, replacing any previous binding.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Get looks a handler up by name.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
