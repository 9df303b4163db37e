package main

import (
	"sync"

	"github.com/spf13/cobra"
)

// commandExecutionContext describes the running command for error reporting
// after cobra has returned.
type commandExecutionContext struct {
	CommandPath       string
	UsesStructuredLog bool
}

// annotationPlainOutput marks commands whose output is for people, not log
// collectors.
const annotationPlainOutput = "flightdeck/plain-output"

var (
	commandExecutionMu  sync.RWMutex
	commandExecutionCur commandExecutionContext
)

func setCommandExecutionContext(ctx commandExecutionContext) {
	commandExecutionMu.Lock()
	commandExecutionCur = ctx
	commandExecutionMu.Unlock()
}

func resetCommandExecutionContext() {
	setCommandExecutionContext(commandExecutionContext{})
}

func currentCommandExecutionContext() commandExecutionContext {
	commandExecutionMu.RLock()
	defer commandExecutionMu.RUnlock()
	return commandExecutionCur
}

func commandUsesStructuredLogging(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if _, plain := c.Annotations[annotationPlainOutput]; plain {
			return false
		}
	}
	return cmd.Runnable()
}

func plainOutput() map[string]string {
	return map[string]string{annotationPlainOutput: "true"}
}
