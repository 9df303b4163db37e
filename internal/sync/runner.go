// Package sync schedules periodic snapshot reloads and bounds fan-out work.
package sync

import (
	"context"
	"errors"
)

// Runner executes a single refresh pass.
type Runner interface {
	RunOnce(context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(context.Context) error

func (f RunnerFunc) RunOnce(ctx context.Context) error { return f(ctx) }

// ErrNotDue is returned by a runner that had nothing to do this tick. The
// scheduler treats it as neither success nor failure.
var ErrNotDue = errors.New("refresh is not due")

// ErrRefreshInFlight is returned when another pass is still running.
var ErrRefreshInFlight = errors.New("refresh already in flight")
