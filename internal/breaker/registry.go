package breaker

import (
	"sort"
	"sync"
)

// Registry holds one breaker per protected dependency. Breakers never share state;
// the registry only indexes them for status and administrative reset.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Breaker
}

func NewRegistry() *Registry { return &Registry{m: map[string]*Breaker{}} }

// Add registers b under its name, replacing any previous breaker with that name.
func (r *Registry) Add(b *Breaker) {
	if b == nil {
		return
	}
	r.mu.Lock()
	r.m[b.Name()] = b
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.m[name]
	return b, ok
}

// Reset closes the named breaker. It reports false for unknown names.
func (r *Registry) Reset(name string) bool {
	b, ok := r.Get(name)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Statuses returns snapshots sorted by name.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.m))
	for _, b := range r.m {
		out = append(out, b.Status())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
