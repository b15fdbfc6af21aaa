// Package action implements the dispatch table mapping action identifiers
// to handler implementations, plus the reference-token resolution applied
// to step parameters before dispatch.
package action

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"tapestry/internal/agent"
	"tapestry/internal/graph"
	"tapestry/internal/logging"
)

// ErrUnknownAction marks dispatch of an action identifier absent from the
// table. It is surfaced as a structured step result, never a panic.
var ErrUnknownAction = errors.New("unknown action")

// Handler is the contract every registered action implements. Params arrive
// already resolved; context is the invocation's mutable key-value bag;
// outputs holds earlier steps' results and is read-only by convention.
type Handler interface {
	Name() string
	Execute(params, context, outputs map[string]interface{}) (interface{}, error)
}

// ExecuteFunc adapts a function to the Handler interface.
type ExecuteFunc func(params, context, outputs map[string]interface{}) (interface{}, error)

type funcHandler struct {
	name string
	fn   ExecuteFunc
}

func (h *funcHandler) Name() string { return h.name }

func (h *funcHandler) Execute(params, context, outputs map[string]interface{}) (interface{}, error) {
	return h.fn(params, context, outputs)
}

// Registry is the action dispatch table. Built-in handlers are registered
// at construction; callers may add their own.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	graph    *graph.Graph
	runtime  *agent.Runtime
}

// NewRegistry creates a dispatch table wired to the given graph and
// provider runtime, with all built-in actions registered.
func NewRegistry(g *graph.Graph, rt *agent.Runtime) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		graph:    g,
		runtime:  rt,
	}
	r.registerBuiltins()
	return r
}

// Register adds a handler under its own name.
func (r *Registry) Register(h Handler) error {
	if h == nil || h.Name() == "" {
		return fmt.Errorf("handler must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.Name()]; exists {
		logging.Get(logging.CategoryActions).Error("Register: action already registered: %s", h.Name())
		return fmt.Errorf("action already registered: %s", h.Name())
	}
	r.handlers[h.Name()] = h
	logging.ActionsDebug("Register: action %s registered", h.Name())
	return nil
}

// RegisterFunc adds a function handler under the given name.
func (r *Registry) RegisterFunc(name string, fn ExecuteFunc) error {
	return r.Register(&funcHandler{name: name, fn: fn})
}

// Get returns the handler for an action identifier.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Has reports whether an action identifier is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered action identifiers, sorted.
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

// Dispatch resolves the handler for name and executes it. An unregistered
// name yields a structured error result and ErrUnknownAction; the caller
// decides whether the enclosing pattern continues.
func (r *Registry) Dispatch(name string, params, context, outputs map[string]interface{}) (interface{}, error) {
	h, ok := r.Get(name)
	if !ok {
		logging.Get(logging.CategoryActions).Warn("Dispatch: unknown action: %s", name)
		return map[string]interface{}{
			"error": fmt.Sprintf("unknown action: %s", name),
		}, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}

	timer := logging.StartTimer(logging.CategoryActions, "Dispatch:"+name)
	defer timer.Stop()

	result, err := h.Execute(params, context, outputs)
	if err != nil {
		logging.Get(logging.CategoryActions).Warn("Dispatch: action %s failed: %v", name, err)
		if result == nil {
			result = map[string]interface{}{"error": err.Error()}
		}
		return result, err
	}
	return result, nil
}
