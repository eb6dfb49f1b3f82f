package adapter

import (
	"sync"
)

// Factory builds a fresh Adapter instance for one registered user. Most
// adapters are stateful per-user connections, so the registry hands out
// one Adapter per user PK rather than sharing a singleton.
type Factory func() Adapter

// Registry looks up and caches per-user Adapter instances, mirroring the
// clientsMu/map[id]NetworkAPI registry pattern this codebase already used
// for per-login network clients.
type Registry struct {
	factory Factory

	mu       sync.Mutex
	adapters map[int64]Adapter
}

// NewRegistry builds a Registry that creates adapters with factory on
// first use.
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, adapters: make(map[int64]Adapter)}
}

// Get returns the Adapter for userPK, creating one via the factory if this
// is the first lookup for that user.
func (r *Registry) Get(userPK int64) Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[userPK]
	if !ok {
		a = r.factory()
		r.adapters[userPK] = a
	}
	return a
}

// Remove discards the cached Adapter for userPK, e.g. after Unregister.
func (r *Registry) Remove(userPK int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, userPK)
}

// Count reports how many adapters are currently cached.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.adapters)
}
