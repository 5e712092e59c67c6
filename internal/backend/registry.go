package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/voxelgrid/internal/model"
)

// BackendInfo pairs a backend name with its capabilities.
type BackendInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered backends and resolves which one opens a host for
// a given isolation mode.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	auto     string
}

// NewRegistry creates an empty backend registry. "auto" resolves to the
// in-process isolate until SetAuto says otherwise.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		auto:     model.IsolationIsolate,
	}
}

// Register adds a backend to the registry under the given isolation mode.
func (r *Registry) Register(isolation string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[isolation] = b
}

// SetAuto changes the isolation mode "auto" resolves to.
func (r *Registry) SetAuto(isolation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auto = isolation
}

// Resolve returns the backend registered for isolation, following "auto" (and
// the empty string) to the default mode.
func (r *Registry) Resolve(isolation string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target := isolation
	if target == "" || target == model.IsolationAuto {
		target = r.auto
	}

	b, ok := r.backends[target]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", target)
	}
	return b, nil
}

// List returns information about all registered backends, sorted by name
// for a stable API response.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BackendInfo, 0, len(r.backends))
	for name, b := range r.backends {
		infos = append(infos, BackendInfo{
			Name:         name,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
