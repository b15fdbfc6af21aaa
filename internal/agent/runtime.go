// Package agent implements the capability provider runtime: a registry of
// named providers with explicitly declared capability sets, capability-based
// lookup, and append-only execution telemetry. Providers themselves
// (financial calculators, data fetchers, LLM-backed reasoners) are external;
// the runtime only knows their names, capabilities, and handler references.
package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tapestry/internal/logging"
)

// Capability identifies one operation class a provider offers. Capabilities
// are declared at registration time and validated once, never re-probed
// per call.
type Capability string

const (
	CapabilityCompute    Capability = "compute"
	CapabilityDataFetch  Capability = "data_fetch"
	CapabilityGraphQuery Capability = "graph_query"
	CapabilityValidation Capability = "validation"
	CapabilityReasoning  Capability = "reasoning"
	CapabilityRepair     Capability = "repair"
)

// Sentinel errors distinguishing lookup failures from runtime failures
// inside a found provider.
var (
	ErrProviderNotFound   = errors.New("provider not found")
	ErrCapabilityNotFound = errors.New("capability not found")
)

// ProviderError wraps an opaque failure from an external provider.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Request is the opaque payload handed to a provider.
type Request map[string]interface{}

// Response is the opaque payload a provider returns.
type Response map[string]interface{}

// Handler is the invocation contract every provider implements.
type Handler interface {
	Invoke(req Request) (Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(req Request) (Response, error)

// Invoke calls the underlying function.
func (f HandlerFunc) Invoke(req Request) (Response, error) { return f(req) }

// Provider is a registered capability provider.
type Provider struct {
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities"`
	RegisteredAt time.Time    `json:"registered_at"`
	InvokeCount  int64        `json:"invoke_count"`

	handler Handler
}

// HasCapability reports whether the provider declared the capability.
func (p *Provider) HasCapability(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ValidationResult reports whether a required capability set is satisfied
// by the current registry.
type ValidationResult struct {
	Satisfied bool         `json:"satisfied"`
	Missing   []Capability `json:"missing"`
}

// Runtime is the provider registry plus the telemetry window. Construct one
// explicitly and pass it by reference; there is no process-wide singleton.
type Runtime struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	telemetry *telemetryWindow
	archive   *TelemetryArchive
}

// NewRuntime creates a runtime with the given telemetry window size.
func NewRuntime(windowSize int) *Runtime {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &Runtime{
		providers: make(map[string]*Provider),
		telemetry: newTelemetryWindow(windowSize),
	}
}

// SetArchive attaches a sqlite archive that receives every telemetry record
// in addition to the bounded in-memory window. Archive failures are logged,
// never surfaced to the tracked execution.
func (r *Runtime) SetArchive(a *TelemetryArchive) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archive = a
}

// Register adds a provider under the given name with its declared
// capability set.
func (r *Runtime) Register(name string, capabilities []Capability, handler Handler) error {
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("provider handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		logging.Get(logging.CategoryAgents).Error("Register: provider already registered: %s", name)
		return fmt.Errorf("provider already registered: %s", name)
	}

	r.providers[name] = &Provider{
		Name:         name,
		Capabilities: append([]Capability(nil), capabilities...),
		RegisteredAt: time.Now(),
		handler:      handler,
	}

	logging.Agents("Register: provider %s registered with capabilities %v", name, capabilities)
	return nil
}

// Unregister removes a provider from the registry.
func (r *Runtime) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; !exists {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	delete(r.providers, name)
	logging.Agents("Unregister: provider %s removed", name)
	return nil
}

// GetProvider returns the provider with the given name.
func (r *Runtime) GetProvider(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// ListProviders returns all registered provider names, sorted.
func (r *Runtime) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListByCapability returns the names of all providers declaring the given
// capability, sorted for deterministic dispatch.
func (r *Runtime) ListByCapability(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, p := range r.providers {
		if p.HasCapability(c) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ValidateRequired checks a required capability set against the registry.
// A missing capability is a distinct condition from a runtime failure inside
// a found provider.
func (r *Runtime) ValidateRequired(required []Capability) ValidationResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := ValidationResult{Satisfied: true}
	for _, c := range required {
		found := false
		for _, p := range r.providers {
			if p.HasCapability(c) {
				found = true
				break
			}
		}
		if !found {
			result.Satisfied = false
			result.Missing = append(result.Missing, c)
		}
	}

	if !result.Satisfied {
		logging.Get(logging.CategoryAgents).Warn("ValidateRequired: missing capabilities: %v", result.Missing)
	}
	return result
}

// Invoke calls a provider by name. A missing provider returns
// ErrProviderNotFound; a failure inside the provider is wrapped in
// ProviderError.
func (r *Runtime) Invoke(name string, req Request) (Response, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()

	if !ok {
		logging.Get(logging.CategoryAgents).Warn("Invoke: %v: %s", ErrProviderNotFound, name)
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}

	r.mu.Lock()
	p.InvokeCount++
	r.mu.Unlock()

	logging.AgentsDebug("Invoke: provider=%s invoke_count=%d", name, p.InvokeCount)

	resp, err := p.handler.Invoke(req)
	if err != nil {
		logging.Get(logging.CategoryAgents).Error("Invoke: provider %s failed: %v", name, err)
		return resp, &ProviderError{Provider: name, Err: err}
	}
	return resp, nil
}

// InvokeByCapability dispatches to the first (alphabetically) provider
// declaring the capability.
func (r *Runtime) InvokeByCapability(c Capability, req Request) (Response, error) {
	names := r.ListByCapability(c)
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityNotFound, c)
	}
	return r.Invoke(names[0], req)
}
