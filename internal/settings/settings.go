// Package settings holds the process-wide user preferences: auto-refresh and
// per-kind delete confirmation.
package settings

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/entity"
)

const (
	DefaultRefreshPeriod = 30 * time.Second
	MinRefreshPeriod     = time.Second
)

var ErrInvalidSettings = errors.New("invalid settings")

// Duration is a time.Duration that reads and writes as text ("30s").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type AutoRefresh struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Period  Duration `json:"period" yaml:"period"`
}

// Settings is one snapshot of the preferences. Values are copied on read, so
// holders may keep them.
type Settings struct {
	AutoRefresh AutoRefresh `json:"autoRefresh" yaml:"autoRefresh"`
	// ConfirmDelete asks before deleting entities of a kind. Missing kinds ask.
	ConfirmDelete map[entity.Kind]bool `json:"confirmDelete,omitempty" yaml:"confirmDelete,omitempty"`
}

func Defaults() Settings {
	return Settings{
		AutoRefresh: AutoRefresh{Enabled: false, Period: Duration(DefaultRefreshPeriod)},
	}
}

// RefreshInterval is the polling interval to use, or 0 when polling is off.
func (s Settings) RefreshInterval() time.Duration {
	if !s.AutoRefresh.Enabled {
		return 0
	}
	return time.Duration(s.AutoRefresh.Period)
}

// ShouldConfirmDelete reports whether deletes of kind need confirmation.
func (s Settings) ShouldConfirmDelete(kind entity.Kind) bool {
	confirm, ok := s.ConfirmDelete[kind]
	return !ok || confirm
}

func (s Settings) Clone() Settings {
	out := s
	out.ConfirmDelete = maps.Clone(s.ConfirmDelete)
	return out
}

// Normalize fills zero values with defaults and rejects values that cannot be
// used.
func (s Settings) Normalize() (Settings, error) {
	out := s.Clone()
	if out.AutoRefresh.Period == 0 {
		out.AutoRefresh.Period = Duration(DefaultRefreshPeriod)
	}
	if time.Duration(out.AutoRefresh.Period) < MinRefreshPeriod {
		return Settings{}, fmt.Errorf("%w: auto-refresh period must be at least %s", ErrInvalidSettings, MinRefreshPeriod)
	}
	for kind := range out.ConfirmDelete {
		if _, ok := entity.ParseKind(string(kind)); !ok {
			return Settings{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSettings, kind)
		}
	}
	return out, nil
}
