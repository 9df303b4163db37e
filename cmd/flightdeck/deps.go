package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flightdeck-io/flightdeck/internal/backend"
	"github.com/flightdeck-io/flightdeck/internal/config"
	"github.com/flightdeck-io/flightdeck/internal/notify"
	"github.com/flightdeck-io/flightdeck/internal/settings"
)

// newTokenSource reads the backend token from Vault when a secret path is
// configured, and from BACKEND_TOKEN otherwise.
func newTokenSource(cfg config.Config) (backend.TokenSource, error) {
	if !cfg.VaultEnabled() {
		return backend.StaticToken(cfg.BackendToken), nil
	}
	return backend.NewVaultTokenSource(backend.VaultOptions{
		Address: cfg.VaultAddr,
		Token:   cfg.VaultToken,
		Mount:   cfg.VaultMount,
		Path:    cfg.VaultPath,
		Key:     cfg.VaultKey,
	})
}

func newBackendClient(cfg config.Config) (*backend.Client, backend.TokenSource, error) {
	tokens, err := newTokenSource(cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := backend.New(cfg.BackendURL, tokens)
	if err != nil {
		return nil, nil, err
	}
	return client, tokens, nil
}

func newHub(cfg config.Config, client *backend.Client, tokens backend.TokenSource, logger *slog.Logger) (*notify.Hub, error) {
	url := cfg.NotificationsURL
	if url == "" {
		url = client.NotificationsURL()
	}
	if url == "" {
		return nil, errors.New("cannot derive the notifications URL; set NOTIFICATIONS_URL")
	}
	return notify.NewHub(url, notify.WithToken(tokens.Token), notify.WithLogger(logger)), nil
}

// openSettingsStore prefers postgres, then a settings file. A nil store keeps
// settings in memory only.
func openSettingsStore(cfg config.Config, pool *pgxpool.Pool) settings.Store {
	switch {
	case pool != nil:
		return settings.NewPGStore(pool)
	case cfg.SettingsFile != "":
		return settings.NewFileStore(cfg.SettingsFile)
	default:
		return nil
	}
}

// seedSettings writes the configured auto-refresh defaults when the store has
// nothing saved yet, and returns the service over the store.
func seedSettings(ctx context.Context, cfg config.Config, store settings.Store, logger *slog.Logger) (*settings.Service, error) {
	seed := settings.Defaults()
	seed.AutoRefresh.Enabled = cfg.AutoRefreshEnabled
	if cfg.AutoRefreshPeriod > 0 {
		seed.AutoRefresh.Period = settings.Duration(cfg.AutoRefreshPeriod)
	}
	seed, err := seed.Normalize()
	if err != nil {
		return nil, fmt.Errorf("AUTO_REFRESH_PERIOD: %w", err)
	}

	if store != nil {
		if _, err := store.Load(ctx); errors.Is(err, settings.ErrNotFound) {
			if err := store.Save(ctx, seed); err != nil {
				return nil, fmt.Errorf("seed settings: %w", err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
	}

	svc, err := settings.NewService(ctx, store, logger)
	if err != nil {
		return nil, err
	}
	if store == nil {
		if _, err := svc.Update(ctx, func(s *settings.Settings) { *s = seed }); err != nil {
			return nil, err
		}
	}
	return svc, nil
}
