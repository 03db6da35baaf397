package captioner

import "sync"

// Registry tracks the tabs that have the caption overlay attached so a
// repeated injection into the same tab is a no-op.
type Registry struct {
	mu   sync.Mutex
	tabs map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{tabs: make(map[string]bool)}
}

// Attach registers tab. It returns true only for the call that attached it.
func (r *Registry) Attach(tab string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tabs[tab] {
		return false
	}
	r.tabs[tab] = true
	return true
}

// Detach forgets tab, e.g. after it navigated or closed.
func (r *Registry) Detach(tab string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tabs, tab)
}

func (r *Registry) Attached(tab string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.tabs[tab]
}
