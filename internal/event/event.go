// Package event defines the normalized incremental changes applied to
// reconciled lists.
package event

import "github.com/flightdeck-io/flightdeck/internal/entity"

type Op string

const (
	OpUpsert Op = "upsert"
	OpRemove Op = "remove"
	OpPatch  Op = "patch"
	OpSignal Op = "signal"
)

// Event is one of Upsert, Remove, FieldPatch or Signal. The set is closed;
// consumers switch on the concrete type.
type Event interface {
	// ListKey is the list the event belongs to.
	ListKey() entity.Key
	// EventCategory is the push category the event was derived from.
	EventCategory() string
	Op() Op
	// EntityID is the identity the event is about, or "" for signals.
	EntityID() string

	sealed()
}

// Header carries the fields shared by every variant.
type Header struct {
	Category string
	Key      entity.Key
}

func (h Header) ListKey() entity.Key   { return h.Key }
func (h Header) EventCategory() string { return h.Category }
func (Header) sealed()                 {}

// Upsert inserts or replaces a whole entity.
type Upsert struct {
	Header
	Entity entity.Entity
}

func (Upsert) Op() Op             { return OpUpsert }
func (e Upsert) EntityID() string { return e.Entity.ID }

// Remove drops an entity by identity.
type Remove struct {
	Header
	ID string
}

func (Remove) Op() Op             { return OpRemove }
func (e Remove) EntityID() string { return e.ID }

// FieldPatch shallow-merges fields into an existing entity.
type FieldPatch struct {
	Header
	ID    string
	Patch map[string]any
}

func (FieldPatch) Op() Op             { return OpPatch }
func (e FieldPatch) EntityID() string { return e.ID }

// Signal adjusts a roll-up aggregate kept on the list rather than on a row.
type Signal struct {
	Header
	Aggregate string
	Delta     int64
}

func (Signal) Op() Op           { return OpSignal }
func (Signal) EntityID() string { return "" }
