package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"testing"
	"time"
)

type countingHandler struct {
	mu    gosync.Mutex
	count int
}

func (h *countingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *countingHandler) Handle(context.Context, slog.Record) error {
	h.mu.Lock()
	h.count++
	h.mu.Unlock()
	return nil
}

func (h *countingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *countingHandler) WithGroup(string) slog.Handler      { return h }

func (h *countingHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func TestLogReporterThrottlesProgress(t *testing.T) {
	t.Parallel()

	handler := &countingHandler{}
	reporter := &LogReporter{
		Logger:              slog.New(handler),
		ProgressInterval:    time.Hour,
		ProgressPercentStep: 10,
	}

	progress := reporter.Progress("directories", "archived-per-target")
	const total = 100
	for i := int64(1); i <= total; i++ {
		progress(i, total)
	}

	// 1% plus each 10% step below 100, plus completion.
	if got, want := handler.Count(), 1+9+1; got != want {
		t.Fatalf("logs = %d, want %d", got, want)
	}
}

func TestLogReporterAlwaysLogsErrors(t *testing.T) {
	t.Parallel()

	handler := &countingHandler{}
	reporter := &LogReporter{Logger: slog.New(handler)}
	reporter.Report(Event{Source: "directories", Stage: "archived-per-target", Err: errors.New("boom")})

	if got := handler.Count(); got != 1 {
		t.Fatalf("logs = %d, want 1", got)
	}
}
