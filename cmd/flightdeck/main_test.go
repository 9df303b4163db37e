package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/flightdeck-io/flightdeck/internal/backend"
)

func TestReportCommandError_StructuredForScopedCommands(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "info")
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "flightdeck serve",
		UsesStructuredLog: true,
	})
	t.Cleanup(resetCommandExecutionContext)

	var out bytes.Buffer
	reportCommandError(errors.New("boom"), 1, &out)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected structured log output")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got := payload["app"]; got != "flightdeck" {
		t.Fatalf("app = %v, want %q", got, "flightdeck")
	}
	if got := payload["command"]; got != "flightdeck serve" {
		t.Fatalf("command = %v, want %q", got, "flightdeck serve")
	}
	if got := payload["exit_code"]; got != float64(1) {
		t.Fatalf("exit_code = %v, want %v", got, 1)
	}
	if got := payload["error"]; got != "boom" {
		t.Fatalf("error = %v, want %q", got, "boom")
	}
}

func TestReportCommandError_FallsBackToJSONWhenLoggingEnvInvalid(t *testing.T) {
	t.Setenv("LOG_FORMAT", "invalid")
	t.Setenv("LOG_LEVEL", "info")
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "flightdeck migrate",
		UsesStructuredLog: true,
	})
	t.Cleanup(resetCommandExecutionContext)

	var out bytes.Buffer
	reportCommandError(errors.New("boom"), 1, &out)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected structured log output")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("expected JSON fallback log, got parse error: %v", err)
	}
}

func TestReportCommandError_PlainOutputForNonScopedCommands(t *testing.T) {
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "flightdeck settings get",
		UsesStructuredLog: false,
	})
	t.Cleanup(resetCommandExecutionContext)

	var out bytes.Buffer
	reportCommandError(errors.New("plain boom"), 1, &out)
	if got := out.String(); got != "plain boom\n" {
		t.Fatalf("output = %q, want %q", got, "plain boom\n")
	}
}

func TestReportCommandError_CanceledOutputForNonScopedCommands(t *testing.T) {
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "flightdeck settings get",
		UsesStructuredLog: false,
	})
	t.Cleanup(resetCommandExecutionContext)

	var out bytes.Buffer
	reportCommandError(context.Canceled, 130, &out)
	if got := out.String(); got != "canceled\n" {
		t.Fatalf("output = %q, want %q", got, "canceled\n")
	}
}

func TestExitCodeForError(t *testing.T) {
	resetCommandExecutionContext()
	t.Cleanup(resetCommandExecutionContext)

	var out bytes.Buffer
	if got := exitCodeForError(&exitError{code: 3, silent: true}, &out); got != 3 {
		t.Fatalf("exit code = %d, want 3", got)
	}
	if out.Len() != 0 {
		t.Fatalf("silent error wrote %q", out.String())
	}
	if got := exitCodeForError(fmt.Errorf("watch: %w", context.Canceled), &out); got != 130 {
		t.Fatalf("exit code = %d, want 130", got)
	}
	if got := exitCodeForError(errors.New("boom"), &out); got != 1 {
		t.Fatalf("exit code = %d, want 1", got)
	}
}

func TestExitCodeOfBackendFailures(t *testing.T) {
	unauthorized := &backend.FetchError{Reason: backend.FetchAuthorization, Op: "list rules", Status: http.StatusUnauthorized, Err: errors.New("unauthorized")}
	down := &backend.FetchError{Reason: backend.FetchNetwork, Op: "list rules", Err: errors.New("connection refused")}
	broken := &backend.FetchError{Reason: backend.FetchServer, Op: "list rules", Status: http.StatusBadGateway, Err: errors.New("bad gateway")}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "authorization", err: fmt.Errorf("watch rules/*: %w", unauthorized), want: exitUnauthorized},
		{name: "network", err: fmt.Errorf("load rules: %w", down), want: exitUnavailable},
		{name: "server", err: broken, want: exitUnavailable},
		{name: "no settings store", err: errNoSettingsStore, want: exitNoStore},
		{name: "pinned code wins", err: &exitError{code: 7, err: unauthorized}, want: 7},
		{name: "other", err: errors.New("boom"), want: exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeOf(tt.err); got != tt.want {
				t.Fatalf("exitCodeOf() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReportCommandError_PlainOutputHintsAtCredentials(t *testing.T) {
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "flightdeck watch",
		UsesStructuredLog: false,
	})
	t.Cleanup(resetCommandExecutionContext)

	err := &backend.FetchError{Reason: backend.FetchAuthorization, Op: "list rules", Status: http.StatusForbidden, Err: errors.New("forbidden")}
	var out bytes.Buffer
	if got := exitCodeForError(err, &out); got != exitUnauthorized {
		t.Fatalf("exit code = %d, want %d", got, exitUnauthorized)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || lines[0] != err.Error() {
		t.Fatalf("output = %q, want the error then a hint", out.String())
	}
	if !strings.HasPrefix(lines[1], "hint: ") || !strings.Contains(lines[1], "BACKEND_TOKEN") {
		t.Fatalf("hint = %q", lines[1])
	}
}

func TestReportCommandError_StructuredNamesUnauthorizedBackend(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "info")
	setCommandExecutionContext(commandExecutionContext{
		CommandPath:       "flightdeck serve",
		UsesStructuredLog: true,
	})
	t.Cleanup(resetCommandExecutionContext)

	var out bytes.Buffer
	reportCommandError(errors.New("list rules: authorization"), exitUnauthorized, &out)
	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.String())), &payload); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got := payload["msg"]; got != "backend refused the credentials" {
		t.Fatalf("msg = %v", got)
	}
	if got := payload["exit_code"]; got != float64(exitUnauthorized) {
		t.Fatalf("exit_code = %v, want %d", got, exitUnauthorized)
	}
}
