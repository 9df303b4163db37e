package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/flightdeck-io/flightdeck/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "flightdeck",
	Short:         "Live, filterable views over a JVM recording backend.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		structured := commandUsesStructuredLogging(cmd)
		setCommandExecutionContext(commandExecutionContext{
			CommandPath:       cmd.CommandPath(),
			UsesStructuredLog: structured,
		})
		if !structured {
			return nil
		}
		_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Writer: os.Stderr, Command: cmd.CommandPath()})
		return err
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, watchCmd, migrateCmd, settingsCmd)
}
