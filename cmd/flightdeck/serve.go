package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flightdeck-io/flightdeck/internal/config"
	"github.com/flightdeck-io/flightdeck/internal/db"
	httpapp "github.com/flightdeck-io/flightdeck/internal/http"
	"github.com/flightdeck-io/flightdeck/internal/metrics"
	"github.com/flightdeck-io/flightdeck/internal/mutation"
	"github.com/flightdeck-io/flightdeck/internal/reconcile"
	"github.com/flightdeck-io/flightdeck/internal/snapshot"
	"github.com/flightdeck-io/flightdeck/internal/view"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the console API against the backend.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	client, tokens, err := newBackendClient(cfg)
	if err != nil {
		return err
	}
	hub, err := newHub(cfg, client, tokens, logger.With("component", "notify"))
	if err != nil {
		return err
	}
	loaders, err := snapshot.Loaders(client, snapshot.WithLogger(logger.With("component", "snapshot")))
	if err != nil {
		return err
	}
	settingsSvc, err := seedSettings(ctx, cfg, openSettingsStore(cfg, pool), logger.With("component", "settings"))
	if err != nil {
		return err
	}

	views := view.NewManager(ctx, view.Config{
		Registry:       reconcile.NewRegistry(),
		Loaders:        loaders,
		Hub:            hub,
		Settings:       settingsSvc,
		Gateway:        mutation.NewGateway(client, mutation.WithLogger(logger.With("component", "mutation"))),
		PendingTimeout: cfg.PendingMutationTimeout,
		Logger:         logger.With("component", "view"),
	}, cfg.ViewIdleTTL)
	defer views.Close()

	srv, err := httpapp.NewEchoServer(httpapp.Deps{
		Views:    views,
		Settings: settingsSvc,
		Sessions: httpapp.NewSessionManager(pool, cfg.AuthCookieSecure),
		Logger:   logger.With("component", "http"),
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(hub.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(settingsSvc.Watch(gctx))
	})
	if _, metricsErr := metrics.StartServer(gctx, cfg.MetricsAddr, logger); metricsErr != nil {
		g.Go(func() error {
			select {
			case err := <-metricsErr:
				return err
			case <-gctx.Done():
				return nil
			}
		})
	}
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.StartServer(httpServer); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx, httpServer)
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
