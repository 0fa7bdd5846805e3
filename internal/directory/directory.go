// Package directory owns agent activation: it maps type names to
// factories and caches at most one live instance per agent identity.
package directory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agentbus-dev/agentbus/agent"
)

var (
	// ErrUnknownAgentType is returned when no factory is bound for an agent type.
	ErrUnknownAgentType = errors.New("unknown agent type")

	// ErrTypeAlreadyRegistered is returned when a type name is registered twice.
	ErrTypeAlreadyRegistered = errors.New("agent type already registered")
)

// Directory is the activation table for agent instances.
// All methods are safe for concurrent use.
type Directory struct {
	mu        sync.RWMutex
	factories map[string]agent.Factory
	instances map[agent.ID]agent.Agent
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		factories: make(map[string]agent.Factory),
		instances: make(map[agent.ID]agent.Agent),
	}
}

// RegisterType binds a type name to a factory.
// Re-registering an existing type name is an error.
func (d *Directory) RegisterType(typeName string, factory agent.Factory) error {
	if factory == nil {
		return fmt.Errorf("nil factory for agent type %s", typeName)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.factories[typeName]; exists {
		return fmt.Errorf("%w: %s", ErrTypeAlreadyRegistered, typeName)
	}
	d.factories[typeName] = factory
	return nil
}

// GetOrActivate returns the live instance for id, constructing it on
// first use. Construction happens under the write lock, so concurrent
// first-time activations of the same id observe exactly one factory call.
// A factory error is returned to the caller and nothing is cached.
func (d *Directory) GetOrActivate(id agent.ID) (agent.Agent, error) {
	d.mu.RLock()
	a, exists := d.instances[id]
	d.mu.RUnlock()
	if exists {
		return a, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Another activation may have won the race.
	if a, exists := d.instances[id]; exists {
		return a, nil
	}

	factory, bound := d.factories[id.Type]
	if !bound {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgentType, id.Type)
	}

	a, err := factory(id)
	if err != nil {
		return nil, fmt.Errorf("activate %s: %w", id, err)
	}
	d.instances[id] = a
	return a, nil
}

// Lookup returns the live instance for id without activating.
func (d *Directory) Lookup(id agent.ID) (agent.Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	a, exists := d.instances[id]
	return a, exists
}

// HasType reports whether a factory is bound for the type name.
func (d *Directory) HasType(typeName string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, exists := d.factories[typeName]
	return exists
}

// ActiveIDs returns the identities of all live instances.
// Ordering is unspecified.
func (d *Directory) ActiveIDs() []agent.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]agent.ID, 0, len(d.instances))
	for id := range d.instances {
		ids = append(ids, id)
	}
	return ids
}
