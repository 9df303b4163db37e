package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexedwards/scs/v2"

	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/filter"
)

const sessionKeyFilterPrefix = "filters:"

// SessionFilters keeps filter state in the caller's browser session. The
// request context must carry a loaded session.
type SessionFilters struct {
	Sessions *scs.SessionManager
}

var _ filter.Store = SessionFilters{}

func sessionFilterKey(key entity.Key) string {
	return sessionKeyFilterPrefix + key.String()
}

func (s SessionFilters) Load(ctx context.Context, key entity.Key) (filter.State, error) {
	raw := s.Sessions.GetBytes(ctx, sessionFilterKey(key))
	if len(raw) == 0 {
		return filter.NewState(filter.SchemaFor(key.Kind)), nil
	}
	var st filter.State
	if err := json.Unmarshal(raw, &st); err != nil {
		// a state from an older schema starts over
		return filter.NewState(filter.SchemaFor(key.Kind)), nil
	}
	return st, nil
}

func (s SessionFilters) Save(ctx context.Context, key entity.Key, st filter.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode filter state: %w", err)
	}
	s.Sessions.Put(ctx, sessionFilterKey(key), raw)
	return nil
}

func (s SessionFilters) Delete(ctx context.Context, key entity.Key) error {
	s.Sessions.Remove(ctx, sessionFilterKey(key))
	return nil
}
