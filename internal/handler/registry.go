// Package handler defines the specialist handler contract and registry.
//
// A handler is an independently registered unit of domain behavior. The
// engine owns the conversation state; handlers receive a snapshot, may
// append one result message and request a follow-up handler, and must
// not retain cross-call mutable state keyed by thread.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tkwest/switchboard/internal/conversation"
)

// ErrNotFound is returned when dispatching to an unregistered handler name.
var ErrNotFound = errors.New("handler: not found")

// Handler is the uniform contract for specialist handlers.
//
// Handle returns the mutated state on success, or a nil state and an
// error on failure. The engine absorbs the error into an attributed
// error message rather than failing the turn.
type Handler interface {
	Name() string
	Description() string
	// Keywords feed the router's classifier input and the keyword
	// handoff heuristic.
	Keywords() []string
	Handle(ctx context.Context, st *conversation.State) (*conversation.State, error)
}

// Spec is a classifier-facing snapshot of a registered handler.
type Spec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords,omitempty"`
}

// Registry holds registered handlers keyed by name. Safe for
// concurrent use; Replace swaps the whole set for explicit reloads.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	defaultName string
}

// NewRegistry creates an empty registry. defaultName, when non-empty,
// is the handler that receives turns the classifier can't place.
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		handlers:    make(map[string]Handler),
		defaultName: defaultName,
	}
}

// Register adds a handler. Duplicate names are an error — names are
// stable string identifiers, not versions.
func (r *Registry) Register(h Handler) error {
	if h.Name() == "" {
		return fmt.Errorf("handler: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		return fmt.Errorf("handler: duplicate name %q", h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

// Get returns the handler for name, or ErrNotFound.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return h, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Default returns the configured default handler, or nil when none is
// registered.
func (r *Registry) Default() Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[r.defaultName]
}

// DefaultName returns the configured default handler name.
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// Names returns registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns classifier-facing snapshots of all handlers, sorted by
// name for stable prompt construction.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.handlers))
	for _, h := range r.handlers {
		specs = append(specs, Spec{
			Name:        h.Name(),
			Description: h.Description(),
			Keywords:    h.Keywords(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Replace atomically swaps the registered handler set. Used by the
// explicit reload operation when handler configuration rows change.
func (r *Registry) Replace(handlers []Handler) error {
	next := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		if h.Name() == "" {
			return fmt.Errorf("handler: empty name")
		}
		if _, exists := next[h.Name()]; exists {
			return fmt.Errorf("handler: duplicate name %q", h.Name())
		}
		next[h.Name()] = h
	}

	r.mu.Lock()
	r.handlers = next
	r.mu.Unlock()
	return nil
}
