package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/flightdeck-io/flightdeck/internal/backend"
)

// Process exit codes. An unauthorized backend needs its credentials fixed
// before a rerun can help; an unavailable one may recover on its own.
const (
	exitFailure      = 1
	exitUnauthorized = 3
	exitUnavailable  = 4
	exitNoStore      = 5
	exitCanceled     = 130
)

// exitError pins a command failure to an exit code. Silent errors have already
// been reported by the command.
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

// exitCodeOf maps a command failure onto the process exit code.
func exitCodeOf(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return exitCanceled
	case errors.Is(err, errNoSettingsStore):
		return exitNoStore
	}
	var fe *backend.FetchError
	if errors.As(err, &fe) {
		if fe.Reason == backend.FetchAuthorization {
			return exitUnauthorized
		}
		return exitUnavailable
	}
	return exitFailure
}

// failureMessage is the log message for a failure, and the hint printed after
// plain output, if any.
func failureMessage(code int) (message, hint string) {
	switch code {
	case exitCanceled:
		return "command canceled", ""
	case exitUnauthorized:
		return "backend refused the credentials",
			"check BACKEND_TOKEN or the Vault secret at BACKEND_TOKEN_VAULT_PATH, then run the command again"
	case exitUnavailable:
		return "backend unavailable", "the backend may recover; run the command again later"
	case exitNoStore:
		return "no settings store", ""
	default:
		return "command failed", ""
	}
}
