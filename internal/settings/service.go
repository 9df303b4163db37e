package settings

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
)

// ErrNotFound is returned by a Store that has nothing saved yet.
var ErrNotFound = errors.New("settings not found")

// Store persists settings.
type Store interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

// Watcher is implemented by stores that can be edited outside the process.
// Watch blocks, calling onChange after each external edit.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Service is the process-wide settings holder. Reads are cheap; subscribers
// are called synchronously after every change.
type Service struct {
	store  Store
	logger *slog.Logger

	mu      sync.RWMutex
	current Settings
	nextSub int
	subs    map[int]func(Settings)
}

// NewService loads the stored settings, falling back to defaults when nothing
// was saved.
func NewService(ctx context.Context, store Store, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, logger: logger, current: Defaults(), subs: map[int]func(Settings){}}
	if store == nil {
		return s, nil
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Update applies fn to a copy of the current settings, saves and publishes
// the result.
func (s *Service) Update(ctx context.Context, fn func(*Settings)) (Settings, error) {
	next := s.Get()
	fn(&next)
	next, err := next.Normalize()
	if err != nil {
		return Settings{}, err
	}
	if s.store != nil {
		if err := s.store.Save(ctx, next); err != nil {
			return Settings{}, err
		}
	}
	s.publish(next)
	return next.Clone(), nil
}

// Reload rereads the store. Invalid stored settings are rejected and the
// current ones kept.
func (s *Service) Reload(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	loaded, err := s.store.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		loaded, err = Defaults(), nil
	}
	if err != nil {
		return err
	}
	loaded, err = loaded.Normalize()
	if err != nil {
		return err
	}
	s.publish(loaded)
	return nil
}

// Watch reloads on external edits until ctx is done. Stores that cannot be
// edited externally return immediately.
func (s *Service) Watch(ctx context.Context) error {
	w, ok := s.store.(Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, func() {
		if err := s.Reload(ctx); err != nil {
			s.logger.Warn("settings reload failed", "err", err)
			return
		}
		s.logger.Info("settings reloaded")
	})
}

// Subscribe registers fn for future changes and returns its cancel func.
func (s *Service) Subscribe(fn func(Settings)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Service) publish(next Settings) {
	s.mu.Lock()
	if reflect.DeepEqual(s.current, next) {
		s.mu.Unlock()
		return
	}
	s.current = next
	subs := make([]func(Settings), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next.Clone())
	}
}
