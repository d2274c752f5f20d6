package coalesce

import (
	"sort"
	"sync"
)

// Registry maps sender keys to their Coalescer. Its lock only covers lookup
// and creation; coalescer state is guarded by each coalescer's own mutex.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]*Coalescer
	newFn   func(sender string) *Coalescer
}

func newRegistry(newFn func(sender string) *Coalescer) *Registry {
	return &Registry{senders: map[string]*Coalescer{}, newFn: newFn}
}

// Resolve returns the coalescer for sender, creating it on first contact.
// Concurrent callers for the same key always observe the same instance.
func (r *Registry) Resolve(sender string) *Coalescer {
	r.mu.RLock()
	c, ok := r.senders[sender]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.senders[sender]; ok {
		return c
	}
	c = r.newFn(sender)
	r.senders[sender] = c
	return c
}

// Lookup returns the coalescer for sender without creating one.
func (r *Registry) Lookup(sender string) (*Coalescer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.senders[sender]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.senders)
}

// all returns the coalescers sorted by sender key.
func (r *Registry) all() []*Coalescer {
	r.mu.RLock()
	out := make([]*Coalescer, 0, len(r.senders))
	for _, c := range r.senders {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].sender < out[j].sender })
	return out
}
