package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/flightdeck-io/flightdeck/internal/config"
	"github.com/flightdeck-io/flightdeck/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the settings and session tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithOptions(config.LoadOptions{RequireDatabaseURL: true})
		if err != nil {
			return err
		}

		changed, err := db.MigrateUp(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if !changed {
			slog.Info("no changes to apply")
			return nil
		}
		slog.Info("migrations applied successfully")
		return nil
	},
}
