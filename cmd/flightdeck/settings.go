package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/flightdeck-io/flightdeck/internal/config"
	"github.com/flightdeck-io/flightdeck/internal/db"
	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/settings"
)

var errNoSettingsStore = errors.New("no settings store configured; set DATABASE_URL or SETTINGS_FILE")

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read or change the stored console settings.",
}

var settingsGetCmd = &cobra.Command{
	Use:         "get",
	Short:       "Print the stored settings as JSON.",
	Args:        cobra.NoArgs,
	Annotations: plainOutput(),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeStore, err := openSettingsService(cmd)
		if err != nil {
			return err
		}
		defer closeStore()
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(svc.Get())
	},
}

var (
	setAutoRefresh   string
	setPeriod        string
	setConfirmDelete []string
)

var settingsSetCmd = &cobra.Command{
	Use:         "set",
	Short:       "Change stored settings. Running servers pick up file edits immediately.",
	Args:        cobra.NoArgs,
	Annotations: plainOutput(),
	RunE: func(cmd *cobra.Command, args []string) error {
		edit, err := settingsEdit(setAutoRefresh, setPeriod, setConfirmDelete)
		if err != nil {
			return err
		}
		svc, closeStore, err := openSettingsService(cmd)
		if err != nil {
			return err
		}
		defer closeStore()
		next, err := svc.Update(cmd.Context(), edit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(next)
	},
}

func init() {
	settingsSetCmd.Flags().StringVar(&setAutoRefresh, "auto-refresh", "", "enable or disable polling (true|false)")
	settingsSetCmd.Flags().StringVar(&setPeriod, "period", "", "polling period, e.g. 30s")
	settingsSetCmd.Flags().StringArrayVar(&setConfirmDelete, "confirm-delete", nil, "kind=true|false; repeat per kind")
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
}

// settingsEdit validates the flags before anything is opened.
func settingsEdit(autoRefresh, period string, confirmDelete []string) (func(*settings.Settings), error) {
	var steps []func(*settings.Settings)
	if autoRefresh != "" {
		enabled, err := strconv.ParseBool(autoRefresh)
		if err != nil {
			return nil, fmt.Errorf("--auto-refresh must be true or false")
		}
		steps = append(steps, func(s *settings.Settings) { s.AutoRefresh.Enabled = enabled })
	}
	if period != "" {
		var d settings.Duration
		if err := d.UnmarshalText([]byte(period)); err != nil {
			return nil, fmt.Errorf("--period: %w", err)
		}
		steps = append(steps, func(s *settings.Settings) { s.AutoRefresh.Period = d })
	}
	for _, raw := range confirmDelete {
		name, value, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("--confirm-delete %q must look like kind=true", raw)
		}
		kind, ok := entity.ParseKind(name)
		if !ok {
			return nil, fmt.Errorf("--confirm-delete: unknown kind %q", name)
		}
		confirm, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("--confirm-delete %q must look like kind=true", raw)
		}
		steps = append(steps, func(s *settings.Settings) {
			if s.ConfirmDelete == nil {
				s.ConfirmDelete = map[entity.Kind]bool{}
			}
			s.ConfirmDelete[kind] = confirm
		})
	}
	if len(steps) == 0 {
		return nil, errors.New("nothing to change")
	}
	return func(s *settings.Settings) {
		for _, step := range steps {
			step(s)
		}
	}, nil
}

func openSettingsService(cmd *cobra.Command) (*settings.Service, func(), error) {
	cfg, err := config.LoadWithOptions(config.LoadOptions{})
	if err != nil {
		return nil, nil, err
	}
	ctx := cmd.Context()
	var pool *pgxpool.Pool
	closeStore := func() {}
	if cfg.DatabaseURL != "" {
		pool, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		closeStore = pool.Close
	}
	store := openSettingsStore(cfg, pool)
	if store == nil {
		return nil, nil, errNoSettingsStore
	}
	svc, err := seedSettings(ctx, cfg, store, nil)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return svc, closeStore, nil
}
