// Package registry maps (instance, role, queue) keys to opaque runtime
// handles. Components resolve each other lazily through it instead of owning
// references, which keeps the supervision graph acyclic.
package registry

import "sync"

// Role names a registrable component kind.
type Role string

const (
	RoleProducer Role = "producer"
	RoleWatchman Role = "watchman"
	RoleNotifier Role = "notifier"
	RolePeer     Role = "peer"
	RoleSonar    Role = "sonar"
	RoleStager   Role = "stager"
)

// Key identifies one registered handle. Queue is empty for singleton roles.
type Key struct {
	Instance string
	Role     Role
	Queue    string
}

// Registry is a concurrency-safe handle table.
type Registry struct {
	mu      sync.RWMutex
	handles map[Key]any
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handles: make(map[Key]any)}
}

// Register stores handle under key, replacing any previous entry.
func (r *Registry) Register(key Key, handle any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[key] = handle
}

// Unregister removes the entry for key.
func (r *Registry) Unregister(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, key)
}

// Lookup fetches the handle for key.
func (r *Registry) Lookup(key Key) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.handles[key]
	return handle, ok
}

// Each calls fn for every handle of the given instance and role, in no
// particular order.
func (r *Registry) Each(instance string, role Role, fn func(queue string, handle any)) {
	r.mu.RLock()
	snapshot := make(map[Key]any, len(r.handles))
	for key, handle := range r.handles {
		if key.Instance == instance && key.Role == role {
			snapshot[key] = handle
		}
	}
	r.mu.RUnlock()

	for key, handle := range snapshot {
		fn(key.Queue, handle)
	}
}
