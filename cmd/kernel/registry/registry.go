package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps node type tags to handler capabilities. It is populated
// during startup and read-only afterwards; lookups are O(1).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register binds a type tag to a handler. Registering the same tag twice
// is a programmer error and fails.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("register: nil handler")
	}
	tag := h.Name()
	if tag == "" {
		return fmt.Errorf("register: handler with empty type tag")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[tag]; exists {
		return fmt.Errorf("register: handler for type %q already registered", tag)
	}
	r.handlers[tag] = h
	return nil
}

// MustRegister is Register that panics on failure. Used at startup where
// a duplicate registration should fail loudly.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler for a type tag
func (r *Registry) Resolve(tag string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[tag]
	return h, ok
}

// IsLoopCarrying reports whether the handler registered for tag declares
// loop-carrying semantics.
func (r *Registry) IsLoopCarrying(tag string) bool {
	h, ok := r.Resolve(tag)
	if !ok {
		return false
	}
	lc, ok := h.(LoopCarrier)
	return ok && lc.LoopCarrying()
}

// Tags returns all registered type tags in sorted order
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.handlers))
	for tag := range r.handlers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
