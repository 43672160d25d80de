package plugin

import (
	"fmt"
	"sync"
)

// Factory builds a plugin instance from its declared params. The returned
// value must implement at least one of Source, Processor or Sink; which one
// is checked by the caller against the stage it is wired into.
type Factory func(params map[string]any) (any, error)

// UnknownCapabilityError reports a reference that no factory is registered
// under.
type UnknownCapabilityError struct {
	Reference string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability reference %q", e.Reference)
}

// ConstructionError reports a factory rejecting its params.
type ConstructionError struct {
	Reference string
	Err       error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("constructing capability %q: %v", e.Reference, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// Registry maps capability references to factories. Instances are never
// pooled or cached: every stage worker gets its own instance, so plugins may
// hold per-worker state (connections, file handles) without locking.
type Registry interface {
	Register(reference string, factory Factory) error
	Resolve(reference string, params map[string]any) (any, error)
	ListReferences() []string
}

type registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry(factories map[string]Factory) Registry {
	r := &registry{factories: make(map[string]Factory)}
	for ref, f := range factories {
		r.factories[ref] = f
	}
	return r
}

func (r *registry) Register(reference string, factory Factory) error {
	if reference == "" {
		return fmt.Errorf("capability reference cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[reference]; exists {
		return fmt.Errorf("capability %q is already registered", reference)
	}
	r.factories[reference] = factory
	return nil
}

func (r *registry) Resolve(reference string, params map[string]any) (any, error) {
	r.mu.RLock()
	factory, exists := r.factories[reference]
	r.mu.RUnlock()

	if !exists {
		return nil, &UnknownCapabilityError{Reference: reference}
	}

	instance, err := factory(params)
	if err != nil {
		return nil, &ConstructionError{Reference: reference, Err: err}
	}
	return instance, nil
}

func (r *registry) ListReferences() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.factories))
	for ref := range r.factories {
		refs = append(refs, ref)
	}
	return refs
}
