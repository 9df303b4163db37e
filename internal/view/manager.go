package view

import (
	"context"
	gosync "sync"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/entity"
)

// DefaultIdleTTL is how long a view with no holders stays open.
const DefaultIdleTTL = 2 * time.Minute

// Manager shares views between clients. A view stays open while someone holds
// it and for an idle period after the last release, so clients that poll the
// API do not reload the list on every request.
type Manager struct {
	ctx     context.Context
	cfg     Config
	idleTTL time.Duration

	mu     gosync.Mutex
	views  map[entity.Key]*entry
	closed bool
}

type entry struct {
	view  *View
	refs  int
	timer *time.Timer
}

func NewManager(ctx context.Context, cfg Config, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Manager{ctx: ctx, cfg: cfg.withDefaults(), idleTTL: idleTTL, views: map[entity.Key]*entry{}}
}

// Acquire returns the view for key, opening it if needed. The caller must call
// release exactly once.
func (m *Manager) Acquire(key entity.Key) (*View, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}

	e, ok := m.views[key]
	if !ok {
		v, err := Open(m.ctx, m.cfg, key)
		if err != nil {
			return nil, nil, err
		}
		e = &entry{view: v}
		m.views[key] = e
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.refs++

	var once gosync.Once
	return e.view, func() { once.Do(func() { m.release(key, e) }) }, nil
}

func (m *Manager) release(key entity.Key, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs > 0 || m.closed {
		return
	}
	e.timer = time.AfterFunc(m.idleTTL, func() { m.expire(key, e) })
}

// expire closes under the lock so a concurrent Acquire of the same key opens
// a fresh list only after the old one is gone.
func (m *Manager) expire(key entity.Key, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.views[key] != e || e.refs > 0 {
		return
	}
	delete(m.views, key)
	e.view.Close()
}

// Open reports the keys of the open views.
func (m *Manager) Open() []entity.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entity.Key, 0, len(m.views))
	for k := range m.views {
		out = append(out, k)
	}
	return out
}

// Close closes every view. Later Acquire calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	views := make([]*View, 0, len(m.views))
	for k, e := range m.views {
		if e.timer != nil {
			e.timer.Stop()
		}
		views = append(views, e.view)
		delete(m.views, k)
	}
	m.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
}
