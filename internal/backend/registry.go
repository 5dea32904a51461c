package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lumyxel/dataforge/internal/model"
)

// autoOrder is the preference order used to resolve the "auto" isolation
// mode: the strongest registered isolation wins.
var autoOrder = []string{
	model.IsolationProcess,
	model.IsolationGoroutine,
}

// SpawnerInfo pairs a registration name with the spawner's capabilities.
type SpawnerInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered spawners keyed by isolation mode.
type Registry struct {
	mu       sync.RWMutex
	spawners map[string]Spawner
}

// NewRegistry creates an empty spawner registry.
func NewRegistry() *Registry {
	return &Registry{
		spawners: make(map[string]Spawner),
	}
}

// Register adds a spawner under the given isolation mode.
func (r *Registry) Register(isolation string, s Spawner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawners[isolation] = s
}

// Resolve returns the spawner for an isolation mode. "auto" and "" pick the
// first registered mode in autoOrder.
func (r *Registry) Resolve(isolation string) (Spawner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if isolation == model.IsolationAuto || isolation == "" {
		for _, candidate := range autoOrder {
			if s, ok := r.spawners[candidate]; ok {
				return s, nil
			}
		}
		return nil, fmt.Errorf("no spawner registered for auto isolation")
	}

	s, ok := r.spawners[isolation]
	if !ok {
		return nil, fmt.Errorf("spawner %q is not registered", isolation)
	}
	return s, nil
}

// List returns information about all registered spawners, sorted by name
// for a stable API response.
func (r *Registry) List() []SpawnerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SpawnerInfo, 0, len(r.spawners))
	for name, s := range r.spawners {
		infos = append(infos, SpawnerInfo{
			Name:         name,
			Capabilities: s.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
