package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Source returns a JSON-serializable snapshot of one component's counters.
type Source func() any

// Registry collects named sources.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	started time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]Source),
		started: time.Now(),
	}
}

// Register adds or replaces the source for name.
func (r *Registry) Register(name string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = src
}

// Names returns registered source names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot evaluates every source.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any, len(r.sources)+1)
	out["uptime_seconds"] = time.Since(r.started).Seconds()
	for name, src := range r.sources {
		out[name] = src()
	}
	return out
}

// Handler serves the snapshot as JSON.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(r.Snapshot())
	})
}
