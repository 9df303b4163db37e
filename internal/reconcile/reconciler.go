// Package reconcile merges full snapshots, incremental notification events and
// speculative local writes into one current list per (kind, scope).
package reconcile

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/event"
)

// State is the lifecycle of a reconciled list.
type State int

const (
	StateEmpty State = iota
	StateLoading
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a full, authoritative query result for one scope.
type Snapshot struct {
	Entities   []entity.Entity
	Aggregates map[string]int64
}

// View is a consistent copy of a reconciler's observable state.
type View struct {
	Key        entity.Key       `json:"key"`
	State      State            `json:"state"`
	Items      []entity.Entity  `json:"items"`
	Aggregates map[string]int64 `json:"aggregates,omitempty"`
	Pending    []Pending        `json:"pending,omitempty"`
	// Err is the last load failure. With State == StateReady it is a stale-data
	// warning rather than a blocking error.
	Err      error     `json:"-"`
	AuthErr  bool      `json:"-"`
	LoadedAt time.Time `json:"loadedAt,omitzero"`
	Version  uint64    `json:"version"`
}

// Reconciler owns one list. All methods are safe for concurrent use; none block
// on I/O.
type Reconciler struct {
	key entity.Key
	now func() time.Time

	mu         sync.Mutex
	state      State
	loaded     bool
	base       list
	aggregates map[string]int64
	pending    []Pending
	visible    list
	lastErr    error
	authErr    bool
	loadedAt   time.Time
	version    uint64
	nextSub    int
	subs       map[int]chan struct{}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func New(key entity.Key, opts ...Option) *Reconciler {
	r := &Reconciler{
		key:        key,
		now:        time.Now,
		aggregates: map[string]int64{},
		subs:       map[int]chan struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Key() entity.Key { return r.key }

// BeginLoad records that a snapshot request is in flight. A list that already
// has data stays Ready while it refreshes.
func (r *Reconciler) BeginLoad() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateReady {
		return
	}
	r.state = StateLoading
	r.changedLocked()
}

// Replace swaps in a fresh snapshot. Pending mutations the snapshot does not
// already reflect are re-applied on top of it.
func (r *Reconciler) Replace(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.base = newList(snap.Entities)
	r.aggregates = maps.Clone(snap.Aggregates)
	if r.aggregates == nil {
		r.aggregates = map[string]int64{}
	}

	kept := r.pending[:0]
	for _, p := range r.pending {
		if p.settledBy(&r.base) {
			continue
		}
		kept = append(kept, p)
	}
	r.pending = kept

	r.state = StateReady
	r.loaded = true
	r.lastErr = nil
	r.authErr = false
	r.loadedAt = r.now()
	r.materializeLocked()
}

// Fail records a snapshot failure. Authorization failures and failures before
// the first successful load put the list into StateError; other failures keep
// the last good data and only surface as a warning.
func (r *Reconciler) Fail(err error, authorization bool) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err
	r.authErr = authorization
	if authorization || !r.loaded {
		r.state = StateError
	} else {
		r.state = StateReady
	}
	r.changedLocked()
}

// Apply merges one notification event. Events for another list are ignored and
// reported as not applied.
func (r *Reconciler) Apply(ev event.Event) bool {
	if ev == nil || ev.ListKey() != r.key {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	settles := true
	switch e := ev.(type) {
	case event.Upsert:
		r.base.upsert(e.Entity.Clone())
	case event.Remove:
		r.base.remove(e.ID)
	case event.FieldPatch:
		// unknown entities arrive whole with the next snapshot or upsert
		settles = r.base.patch(e.ID, e.Patch)
	case event.Signal:
		r.aggregates[e.Aggregate] += e.Delta
		settles = false
	default:
		return false
	}
	if settles {
		r.settleLocked(ev.EntityID())
	}
	r.materializeLocked()
	return true
}

// Begin shows a speculative mutation immediately. Mutations on the same entity
// stack in submission order.
func (r *Reconciler) Begin(p Pending) error {
	if p.Op == MutationCreate {
		if p.Entity.Kind == "" {
			p.Entity.Kind = r.key.Kind
		}
		if p.Entity.Scope == "" {
			p.Entity.Scope = r.key.Scope
		}
		p.EntityID = p.Entity.ID
	}
	if err := p.validate(); err != nil {
		return err
	}
	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.pending {
		if existing.ID == p.ID {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidMutation, p.ID)
		}
	}
	r.pending = append(r.pending, p)
	r.materializeLocked()
	return nil
}

// Acknowledge marks a write as accepted by the backend. Its overlay stays until
// the confirming notification arrives.
func (r *Reconciler) Acknowledge(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pending {
		if r.pending[i].ID == id {
			r.pending[i].Acknowledged = true
			r.changedLocked()
			return nil
		}
	}
	return ErrUnknownPending
}

// Rollback drops a pending mutation and its overlay. Rolling back something
// that was already settled is not an error.
func (r *Reconciler) Rollback(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.pending {
		if p.ID == id {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			r.materializeLocked()
			return true
		}
	}
	return false
}

// Expire rolls back every pending mutation submitted more than timeout ago and
// returns what it removed.
func (r *Reconciler) Expire(timeout time.Duration) []Pending {
	if timeout <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-timeout)
	var expired []Pending
	kept := r.pending[:0]
	for _, p := range r.pending {
		if p.SubmittedAt.Before(cutoff) {
			expired = append(expired, p)
			continue
		}
		kept = append(kept, p)
	}
	r.pending = kept
	if len(expired) > 0 {
		r.materializeLocked()
	}
	return expired
}

// View returns a deep copy of the observable state. An authorization failure
// hides every row and aggregate; the base list is kept and comes back with the
// next successful snapshot.
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	hidden := r.state == StateError && r.authErr
	items := []entity.Entity{}
	aggregates := map[string]int64{}
	if !hidden {
		items = make([]entity.Entity, len(r.visible.items))
		for i, e := range r.visible.items {
			items[i] = e.Clone()
		}
		aggregates = maps.Clone(r.aggregates)
	}
	var pending []Pending
	if len(r.pending) > 0 {
		pending = make([]Pending, len(r.pending))
		copy(pending, r.pending)
	}
	return View{
		Key:        r.key,
		State:      r.state,
		Items:      items,
		Aggregates: aggregates,
		Pending:    pending,
		Err:        r.lastErr,
		AuthErr:    r.authErr,
		LoadedAt:   r.loadedAt,
		Version:    r.version,
	}
}

// Entity returns a copy of the visible entity with id.
func (r *Reconciler) Entity(id string) (entity.Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.visible.get(id)
	if !ok {
		return entity.Entity{}, false
	}
	return e.Clone(), true
}

// State returns the current lifecycle state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribe returns a channel that receives a value after every change. Signals
// coalesce: a slow reader sees at least one wakeup after the latest change.
func (r *Reconciler) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// settleLocked drops the writes on entityID that an event can confirm: every
// acknowledged one and the oldest unacknowledged one, which is the write in
// flight. Writes still queued behind it keep their overlay.
func (r *Reconciler) settleLocked(entityID string) {
	if entityID == "" || len(r.pending) == 0 {
		return
	}
	inFlight := false
	kept := r.pending[:0]
	for _, p := range r.pending {
		if p.target() == entityID {
			if p.Acknowledged {
				continue
			}
			if !inFlight {
				inFlight = true
				continue
			}
		}
		kept = append(kept, p)
	}
	r.pending = kept
}

func (r *Reconciler) materializeLocked() {
	if len(r.pending) == 0 {
		r.visible = r.base.clone()
	} else {
		v := r.base.clone()
		for _, p := range r.pending {
			p.applyTo(&v)
		}
		r.visible = v
	}
	r.changedLocked()
}

func (r *Reconciler) changedLocked() {
	r.version++
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
