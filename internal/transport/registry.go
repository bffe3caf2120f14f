package transport

import (
	"fmt"
	"sort"
	"sync"
)

// Handler receives one inbound packet for a module. Handlers for one
// connection run sequentially; a server may run handlers for different
// connections concurrently.
type Handler func(conn *Conn, module string, payload []byte)

// Registry maps module names to their single handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(module string, h Handler) error {
	if module == "" || h == nil {
		return fmt.Errorf("%w: module and handler are required", ErrArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[module]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, module)
	}
	r.handlers[module] = h
	return nil
}

// Unregister is a no-op for unknown modules.
func (r *Registry) Unregister(module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, module)
}

// UnregisterAll removes every module present when it is called. Handlers
// registered concurrently may survive.
func (r *Registry) UnregisterAll() {
	for _, module := range r.Modules() {
		r.Unregister(module)
	}
}

func (r *Registry) Lookup(module string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[module]
	return h, ok
}

// Modules returns a sorted snapshot of registered module names.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for module := range r.handlers {
		out = append(out, module)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
