package app

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nkkko/packlock/internal/coordinator"
	"github.com/nkkko/packlock/internal/domain"
)

// Registry maps resource ids to their lock machines. It is owned by the
// composition root and handed to whoever needs to find a machine.
type Registry struct {
	mu       sync.RWMutex
	machines map[string]*coordinator.Machine
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{machines: make(map[string]*coordinator.Machine)}
}

// Register adds machine under its resource id
func (r *Registry) Register(machine *coordinator.Machine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := machine.ResourceID()
	if _, exists := r.machines[id]; exists {
		return fmt.Errorf("machine for resource %q already registered", id)
	}
	r.machines[id] = machine
	return nil
}

// Machine returns the machine for resourceID
func (r *Registry) Machine(resourceID string) (*coordinator.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[resourceID]
	return m, ok
}

// Lookup returns a read-only view of the machine for resourceID
func (r *Registry) Lookup(resourceID string) (domain.StateReader, bool) {
	m, ok := r.Machine(resourceID)
	if !ok {
		return nil, false
	}
	return m, true
}

// ResourceIDs returns the registered resource ids in sorted order
func (r *Registry) ResourceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
