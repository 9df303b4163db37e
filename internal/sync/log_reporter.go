package sync

import (
	"log/slog"
	gosync "sync"
	"time"
)

const (
	defaultProgressInterval    = 5 * time.Second
	defaultProgressPercentStep = int64(5)
)

// Event describes progress of a fan-out load.
type Event struct {
	Source  string
	Stage   string
	Current int64
	Total   int64
	Message string
	Err     error
	Done    bool
	At      time.Time
}

type logReporterKey struct {
	source string
	stage  string
}

type logReporterState struct {
	lastLoggedAt      time.Time
	lastLoggedPercent int64
}

// LogReporter logs progress events, throttling intermediate progress to one
// line per interval or percent step. Errors and completion always log.
type LogReporter struct {
	Logger              *slog.Logger
	ProgressInterval    time.Duration
	ProgressPercentStep int64

	mu    gosync.Mutex
	state map[logReporterKey]logReporterState
}

// Progress returns a callback suitable for ParallelCollect.
func (r *LogReporter) Progress(source, stage string) func(done, total int64) {
	return func(done, total int64) {
		r.Report(Event{Source: source, Stage: stage, Current: done, Total: total, Done: done >= total})
	}
}

func (r *LogReporter) Report(e Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := e.At
	if now.IsZero() {
		now = time.Now()
	}

	attrs := []any{"source", e.Source}
	if e.Stage != "" {
		attrs = append(attrs, "stage", e.Stage)
	}
	if e.Current != 0 || e.Total != 0 {
		attrs = append(attrs, "current", e.Current, "total", e.Total)
	}

	message := e.Message
	if e.Err != nil {
		if message == "" {
			message = e.Source + " " + e.Stage + " failed"
		}
		attrs = append(attrs, "err", e.Err)
		logger.Error(message, attrs...)
		return
	}
	if message == "" {
		if e.Done {
			message = e.Source + " " + e.Stage + " complete"
		} else {
			message = e.Source + " " + e.Stage + " progress"
		}
	}

	if !r.shouldLog(now, e) {
		return
	}
	logger.Debug(message, attrs...)
}

func (r *LogReporter) shouldLog(now time.Time, e Event) bool {
	interval := r.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	step := r.ProgressPercentStep
	if step <= 0 {
		step = defaultProgressPercentStep
	}

	if e.Done || e.Total <= 1 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		r.state = make(map[logReporterKey]logReporterState)
	}
	key := logReporterKey{source: e.Source, stage: e.Stage}
	state, seen := r.state[key]

	percent := progressPercent(e.Current, e.Total)
	if seen && now.Sub(state.lastLoggedAt) < interval && percent < state.lastLoggedPercent+step {
		return false
	}
	if percent > 0 {
		percent = (percent / step) * step
	}
	r.state[key] = logReporterState{lastLoggedAt: now, lastLoggedPercent: percent}
	return true
}

func progressPercent(current, total int64) int64 {
	if total <= 0 || current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return (current * 100) / total
}
