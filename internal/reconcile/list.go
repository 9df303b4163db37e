package reconcile

import "github.com/flightdeck-io/flightdeck/internal/entity"

// list is an ordered set of entities with unique IDs. Positions are stable:
// replacing an entity keeps its slot.
type list struct {
	items []entity.Entity
	index map[string]int
}

func newList(items []entity.Entity) list {
	l := list{
		items: make([]entity.Entity, 0, len(items)),
		index: make(map[string]int, len(items)),
	}
	for _, e := range items {
		l.upsert(e.Clone())
	}
	return l
}

func (l *list) clone() list {
	out := list{
		items: make([]entity.Entity, len(l.items)),
		index: make(map[string]int, len(l.index)),
	}
	copy(out.items, l.items)
	for k, v := range l.index {
		out.index[k] = v
	}
	return out
}

func (l *list) get(id string) (entity.Entity, bool) {
	i, ok := l.index[id]
	if !ok {
		return entity.Entity{}, false
	}
	return l.items[i], true
}

func (l *list) upsert(e entity.Entity) {
	if l.index == nil {
		l.index = make(map[string]int)
	}
	if i, ok := l.index[e.ID]; ok {
		l.items[i] = e
		return
	}
	l.index[e.ID] = len(l.items)
	l.items = append(l.items, e)
}

func (l *list) remove(id string) bool {
	i, ok := l.index[id]
	if !ok {
		return false
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	delete(l.index, id)
	for j := i; j < len(l.items); j++ {
		l.index[l.items[j].ID] = j
	}
	return true
}

func (l *list) patch(id string, p map[string]any) bool {
	i, ok := l.index[id]
	if !ok {
		return false
	}
	l.items[i] = l.items[i].ApplyPatch(p)
	return true
}

func (l *list) len() int { return len(l.items) }
