package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/flightdeck-io/flightdeck/internal/logging"
)

func main() {
	if code := runMain(Execute, os.Stderr); code != 0 {
		os.Exit(code)
	}
}

func runMain(execute func() error, stderr io.Writer) int {
	err := execute()
	if err == nil {
		return 0
	}
	return exitCodeForError(err, stderr)
}

// exitCodeForError reports err on stderr unless the command already did, and
// returns the exit code.
func exitCodeForError(err error, stderr io.Writer) int {
	code := exitCodeOf(err)
	var ee *exitError
	if errors.As(err, &ee) && ee.silent {
		return code
	}
	reportCommandError(err, code, stderr)
	return code
}

// reportCommandError logs the failure for commands with structured logs and
// prints it as text for the others.
func reportCommandError(err error, code int, stderr io.Writer) {
	message, hint := failureMessage(code)
	ctx := currentCommandExecutionContext()
	if ctx.UsesStructuredLog {
		logger := loggerForFatalPath(ctx, stderr)
		logger.Error(message, "exit_code", code, "error", err)
		return
	}
	if code == exitCanceled {
		fmt.Fprintln(stderr, "canceled")
		return
	}
	fmt.Fprintln(stderr, err)
	if hint != "" {
		fmt.Fprintln(stderr, "hint:", hint)
	}
}

// loggerForFatalPath falls back to the default logging config when the
// environment is what made the command fail.
func loggerForFatalPath(ctx commandExecutionContext, stderr io.Writer) *slog.Logger {
	cfg, err := logging.LoadConfigFromEnv()
	if err != nil {
		cfg = logging.DefaultConfig()
	}
	return logging.NewLogger(cfg, stderr, ctx.CommandPath)
}
