package breaker

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry holds the process-wide named breakers.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	log      *logrus.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(log *logrus.Logger) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), log: log}
}

// Get returns the named breaker, creating it with cfg on first use.
func (r *Registry) Get(name string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(name, cfg, r.log)
	r.breakers[name] = b
	return b
}

// Snapshots returns stats for every breaker, for the ops endpoint.
func (r *Registry) Snapshots() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
