package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"
)

// Scheduler runs a Runner immediately, then on every tick of its interval and
// on demand. Changing the interval stops the ticker and starts a new one.
// After consecutive failures, periodic runs back off; manual triggers do not.
type Scheduler struct {
	runner      Runner
	logger      *slog.Logger
	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time

	mu          gosync.Mutex
	interval    time.Duration
	failures    int
	nextAllowed time.Time

	reset   chan struct{}
	trigger chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFailureBackoff bounds the delay added after consecutive failures.
func WithFailureBackoff(base, max time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.backoffBase = base
		s.backoffMax = max
	}
}

func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates a scheduler. A zero interval disables periodic runs;
// the initial run and triggers still happen.
func NewScheduler(r Runner, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		runner:      r,
		logger:      slog.Default(),
		backoffBase: 5 * time.Second,
		backoffMax:  5 * time.Minute,
		now:         time.Now,
		interval:    max(interval, 0),
		reset:       make(chan struct{}, 1),
		trigger:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetInterval replaces the polling interval. The running ticker is stopped
// and a new one started; an unchanged interval is a no-op.
func (s *Scheduler) SetInterval(d time.Duration) {
	d = max(d, 0)
	s.mu.Lock()
	if s.interval == d {
		s.mu.Unlock()
		return
	}
	s.interval = d
	s.mu.Unlock()
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// Trigger requests an immediate run. Requests made while one is queued
// coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Failures returns the number of consecutive failed runs.
func (s *Scheduler) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if s.runner == nil {
		return
	}

	s.runOnce(ctx, true)

	for {
		var ticker *time.Ticker
		var tick <-chan time.Time
		if d := s.Interval(); d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}

		restart := false
		for !restart {
			select {
			case <-ctx.Done():
				if ticker != nil {
					ticker.Stop()
				}
				return
			case <-s.reset:
				restart = true
			case <-s.trigger:
				s.runOnce(ctx, true)
			case <-tick:
				s.runOnce(ctx, false)
			}
		}
		if ticker != nil {
			ticker.Stop()
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, manual bool) {
	if ctx.Err() != nil {
		return
	}
	if !manual {
		s.mu.Lock()
		due := !s.now().Before(s.nextAllowed)
		s.mu.Unlock()
		if !due {
			return
		}
	}

	err := s.runner.RunOnce(ctx)
	switch {
	case err == nil:
		s.mu.Lock()
		s.failures = 0
		s.nextAllowed = time.Time{}
		s.mu.Unlock()
	case errors.Is(err, ErrNotDue), errors.Is(err, ErrRefreshInFlight):
	case ctx.Err() != nil:
	default:
		s.mu.Lock()
		s.failures++
		delay := failureBackoffDelay(s.backoffBase, s.failures, s.backoffMax)
		s.nextAllowed = s.now().Add(delay)
		failures := s.failures
		s.mu.Unlock()
		s.logger.Warn("scheduled refresh failed", "err", err, "failures", failures, "backoff", delay)
	}
}
