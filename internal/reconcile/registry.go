package reconcile

import (
	"sync"

	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/event"
)

// Registry holds the reconcilers of every open list and routes events to the
// one whose key matches exactly. There is no fallback routing: an event for a
// scope nobody watches is dropped.
type Registry struct {
	mu    sync.RWMutex
	lists map[entity.Key]*Reconciler
}

func NewRegistry() *Registry {
	return &Registry{lists: map[entity.Key]*Reconciler{}}
}

// Get returns the reconciler for key, creating it if needed. The bool reports
// whether it was created.
func (g *Registry) Get(key entity.Key, opts ...Option) (*Reconciler, bool) {
	g.mu.RLock()
	r, ok := g.lists[key]
	g.mu.RUnlock()
	if ok {
		return r, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.lists[key]; ok {
		return r, false
	}
	r = New(key, opts...)
	g.lists[key] = r
	return r, true
}

// Lookup returns the reconciler for key without creating one.
func (g *Registry) Lookup(key entity.Key) (*Reconciler, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.lists[key]
	return r, ok
}

// Drop forgets a list. Its state is discarded.
func (g *Registry) Drop(key entity.Key) {
	g.mu.Lock()
	delete(g.lists, key)
	g.mu.Unlock()
}

// Dispatch applies ev to its list. It reports false when no list owns the
// event's key.
func (g *Registry) Dispatch(ev event.Event) bool {
	if ev == nil {
		return false
	}
	r, ok := g.Lookup(ev.ListKey())
	if !ok {
		return false
	}
	return r.Apply(ev)
}

// Keys lists the open lists.
func (g *Registry) Keys() []entity.Key {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]entity.Key, 0, len(g.lists))
	for k := range g.lists {
		out = append(out, k)
	}
	return out
}
