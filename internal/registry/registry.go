package registry

import (
	"sync"
	"time"

	"github.com/mcpmesh/balancer/internal/domain"
	"github.com/mcpmesh/balancer/pkg/logger"
)

// InstanceRegistry owns every registered ServiceInstance, grouped by logical
// service name, together with each group's consistent-hash ring and the
// sticky-session bindings that point into it.
type InstanceRegistry struct {
	mu        sync.RWMutex
	instances map[string]*domain.ServiceInstance
	groups    map[string][]string
	rings     map[string]*Ring

	sessions *SessionStore
	logger   *logger.Logger
}

// NewInstanceRegistry creates an empty registry.
func NewInstanceRegistry(sessionTTL time.Duration, log *logger.Logger) *InstanceRegistry {
	return &InstanceRegistry{
		instances: make(map[string]*domain.ServiceInstance),
		groups:    make(map[string][]string),
		rings:     make(map[string]*Ring),
		sessions:  NewSessionStore(sessionTTL),
		logger:    log.RegistryLogger(),
	}
}

// Sessions returns the sticky-session store.
func (r *InstanceRegistry) Sessions() *SessionStore {
	return r.sessions
}

// AddInstance registers a new instance. A duplicate id is rejected; this is
// not an update path.
func (r *InstanceRegistry) AddInstance(descriptor domain.ServiceDescriptor, weight int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[descriptor.ID]; exists {
		r.logger.WithField("instance_id", descriptor.ID).
			Warn("Rejected duplicate instance registration")
		return false
	}

	instance := domain.NewServiceInstance(descriptor, weight)
	r.instances[descriptor.ID] = instance
	r.groups[descriptor.Service] = append(r.groups[descriptor.Service], descriptor.ID)
	r.rebuildRingLocked(descriptor.Service)

	r.logger.WithFields(map[string]interface{}{
		"instance_id": descriptor.ID,
		"service":     descriptor.Service,
		"address":     descriptor.Address,
		"weight":      weight,
	}).Info("Registered service instance")

	return true
}

// RemoveInstance deregisters an instance, drops its group membership and
// sticky sessions, and rebuilds the group's ring. Returns false for an
// unknown id.
func (r *InstanceRegistry) RemoveInstance(id string) (*domain.ServiceInstance, bool) {
	r.mu.Lock()

	instance, exists := r.instances[id]
	if !exists {
		r.mu.Unlock()
		return nil, false
	}

	service := instance.Service()
	delete(r.instances, id)

	members := r.groups[service]
	for i, memberID := range members {
		if memberID == id {
			r.groups[service] = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(r.groups[service]) == 0 {
		delete(r.groups, service)
		delete(r.rings, service)
	} else {
		r.rebuildRingLocked(service)
	}
	r.mu.Unlock()

	// Session purge walks the whole store; done outside the registry lock.
	r.sessions.PurgeInstance(id)

	r.logger.WithFields(map[string]interface{}{
		"instance_id": id,
		"service":     service,
	}).Info("Removed service instance")

	return instance, true
}

// UpdateWeight replaces an instance's weight verbatim and rebuilds the owning
// group's ring. Manual weight updates are intentionally not clamped.
func (r *InstanceRegistry) UpdateWeight(id string, weight int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, exists := r.instances[id]
	if !exists {
		return false
	}

	instance.SetWeight(weight)
	r.rebuildRingLocked(instance.Service())

	r.logger.WithFields(map[string]interface{}{
		"instance_id": id,
		"weight":      weight,
	}).Debug("Updated instance weight")

	return true
}

// ApplyWeights sets several weights in one pass, rebuilding each affected
// group's ring once. Used by the adaptive weight controller.
func (r *InstanceRegistry) ApplyWeights(weights map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	touched := make(map[string]bool)
	for id, weight := range weights {
		instance, exists := r.instances[id]
		if !exists {
			continue
		}
		instance.SetWeight(weight)
		touched[instance.Service()] = true
	}

	for service := range touched {
		r.rebuildRingLocked(service)
	}
}

// Instance returns the instance with the given id.
func (r *InstanceRegistry) Instance(id string) (*domain.ServiceInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, exists := r.instances[id]
	return instance, exists
}

// Instances returns a snapshot of every registered instance.
func (r *InstanceRegistry) Instances() []*domain.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*domain.ServiceInstance, 0, len(r.instances))
	for _, instance := range r.instances {
		all = append(all, instance)
	}
	return all
}

// GroupMembers returns the instances of a service group in registration
// order. The slice is a copy; the instances are shared.
func (r *InstanceRegistry) GroupMembers(service string) []*domain.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groupMembersLocked(service)
}

func (r *InstanceRegistry) groupMembersLocked(service string) []*domain.ServiceInstance {
	ids, exists := r.groups[service]
	if !exists {
		return nil
	}

	members := make([]*domain.ServiceInstance, 0, len(ids))
	for _, id := range ids {
		if instance, ok := r.instances[id]; ok {
			members = append(members, instance)
		}
	}
	return members
}

// AvailableInstances returns the eligible members of a service group in
// registration order: enabled and reported running by discovery. An unknown
// group yields an empty slice.
func (r *InstanceRegistry) AvailableInstances(service string) []*domain.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var eligible []*domain.ServiceInstance
	for _, instance := range r.groupMembersLocked(service) {
		if instance.Eligible() {
			eligible = append(eligible, instance)
		}
	}
	return eligible
}

// Services returns the names of all service groups.
func (r *InstanceRegistry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]string, 0, len(r.groups))
	for service := range r.groups {
		services = append(services, service)
	}
	return services
}

// Ring returns the current consistent-hash ring for a service group.
func (r *InstanceRegistry) Ring(service string) *Ring {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rings[service]
}

// RebuildRing rebuilds a group's ring from current membership and weights.
func (r *InstanceRegistry) RebuildRing(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuildRingLocked(service)
}

// rebuildRingLocked builds the replacement ring aside and swaps the stored
// pointer, so concurrent readers keep a consistent view.
func (r *InstanceRegistry) rebuildRingLocked(service string) {
	members := r.groupMembersLocked(service)
	if len(members) == 0 {
		delete(r.rings, service)
		return
	}
	r.rings[service] = BuildRing(members)
}

// Count returns the total number of registered instances.
func (r *InstanceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
