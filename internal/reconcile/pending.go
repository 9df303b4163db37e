package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/entity"
)

// MutationOp is the kind of write a pending mutation stands for.
type MutationOp string

const (
	MutationCreate MutationOp = "create"
	MutationUpdate MutationOp = "update"
	MutationDelete MutationOp = "delete"
)

var (
	ErrUnknownPending  = errors.New("pending mutation not found")
	ErrInvalidMutation = errors.New("invalid pending mutation")
)

// Pending is an in-flight write whose speculative effect is shown on top of the
// server-confirmed list until a notification or snapshot settles it.
type Pending struct {
	ID       string         `json:"id"`
	Op       MutationOp     `json:"op"`
	EntityID string         `json:"entityId"`
	Entity   entity.Entity  `json:"entity,omitzero"`
	Patch    map[string]any `json:"patch,omitempty"`

	SubmittedAt  time.Time `json:"submittedAt"`
	Acknowledged bool      `json:"acknowledged"`
}

func (p Pending) validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMutation)
	}
	switch p.Op {
	case MutationCreate:
		if p.Entity.ID == "" {
			return fmt.Errorf("%w: create needs an entity with an id", ErrInvalidMutation)
		}
		if p.EntityID != "" && p.EntityID != p.Entity.ID {
			return fmt.Errorf("%w: entity id mismatch", ErrInvalidMutation)
		}
	case MutationUpdate:
		if p.EntityID == "" || len(p.Patch) == 0 {
			return fmt.Errorf("%w: update needs an entity id and a patch", ErrInvalidMutation)
		}
	case MutationDelete:
		if p.EntityID == "" {
			return fmt.Errorf("%w: delete needs an entity id", ErrInvalidMutation)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, p.Op)
	}
	return nil
}

func (p Pending) target() string {
	if p.Op == MutationCreate {
		return p.Entity.ID
	}
	return p.EntityID
}

func (p Pending) applyTo(l *list) {
	switch p.Op {
	case MutationCreate:
		l.upsert(p.Entity.Clone())
	case MutationUpdate:
		l.patch(p.EntityID, p.Patch)
	case MutationDelete:
		l.remove(p.EntityID)
	}
}

// settledBy reports whether fresh server data already shows the mutation's
// effect, or makes it moot.
func (p Pending) settledBy(l *list) bool {
	current, exists := l.get(p.target())
	switch p.Op {
	case MutationCreate:
		return exists
	case MutationUpdate:
		// a vanished entity contradicts the update
		return !exists || current.Reflects(p.Patch)
	case MutationDelete:
		return !exists
	}
	return true
}
