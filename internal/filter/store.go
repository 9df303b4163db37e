package filter

import (
	"context"
	"sync"

	"github.com/flightdeck-io/flightdeck/internal/entity"
)

// Store keeps filter state per list. Implementations must be safe for
// concurrent use.
type Store interface {
	Load(ctx context.Context, key entity.Key) (State, error)
	Save(ctx context.Context, key entity.Key, st State) error
	Delete(ctx context.Context, key entity.Key) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[entity.Key]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[entity.Key]State{}}
}

// Load returns the saved state, or a fresh one for the kind's schema.
func (m *MemoryStore) Load(_ context.Context, key entity.Key) (State, error) {
	m.mu.RLock()
	st, ok := m.states[key]
	m.mu.RUnlock()
	if !ok {
		return NewState(SchemaFor(key.Kind)), nil
	}
	return st.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, key entity.Key, st State) error {
	m.mu.Lock()
	m.states[key] = st.Clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key entity.Key) error {
	m.mu.Lock()
	delete(m.states, key)
	m.mu.Unlock()
	return nil
}
