package provider

import (
	"sort"
	"sync"

	"github.com/fhirterm/fhirterm/internal/term"
)

// Registry holds the providers available to workers, keyed by system URI with
// optional version discrimination. Registration happens at startup; lookups
// during request servicing are read-only.
type Registry struct {
	mu        sync.RWMutex
	bySystem  map[string][]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{bySystem: make(map[string][]Provider)}
}

// Register adds a provider. Later registrations of the same (system, version)
// replace earlier ones.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.bySystem[p.System()]
	for i, existing := range list {
		if existing.Version() == p.Version() {
			list[i] = p
			r.bySystem[p.System()] = list
			return
		}
	}
	r.bySystem[p.System()] = append(list, p)
}

// Get resolves a provider for system (+ optional version). An empty version
// returns the most recently registered provider for that system.
func (r *Registry) Get(system, version string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.bySystem[system]
	if len(list) == 0 {
		return nil, term.NotFound("No code system provider for '%s'", system)
	}
	if version == "" {
		return list[len(list)-1], nil
	}
	for _, p := range list {
		if p.Version() == version {
			return p, nil
		}
	}
	return nil, term.NotFound("No provider for '%s' version '%s'", system, version)
}

// Has reports whether any provider serves the system.
func (r *Registry) Has(system string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySystem[system]) > 0
}

// Systems returns the registered system URIs sorted ascending.
func (r *Registry) Systems() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySystem))
	for s := range r.bySystem {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// All returns every registered provider, ordered by system then version.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	systems := make([]string, 0, len(r.bySystem))
	for s := range r.bySystem {
		systems = append(systems, s)
	}
	sort.Strings(systems)
	var out []Provider
	for _, s := range systems {
		out = append(out, r.bySystem[s]...)
	}
	return out
}
