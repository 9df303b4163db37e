package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/flightdeck-io/flightdeck/internal/config"
	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/filter"
	"github.com/flightdeck-io/flightdeck/internal/reconcile"
	"github.com/flightdeck-io/flightdeck/internal/snapshot"
	"github.com/flightdeck-io/flightdeck/internal/view"
)

const (
	watchLoadWorkers  = 4
	watchRenderPeriod = 250 * time.Millisecond
	defaultTermWidth  = 120
)

var (
	watchFilters []string
	watchAll     bool
	watchJSON    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [kind] [target]",
	Short: "Show a live list in the terminal.",
	Long: "Show a live list in the terminal. Scoped kinds (active-recordings, archived-recordings)\n" +
		"take the target jvmId as second argument. With --all, load every global list once and\n" +
		"print their sizes.",
	Args:        cobra.RangeArgs(0, 2),
	Annotations: plainOutput(),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if watchAll {
			return runWatchAll(ctx, cmd.OutOrStdout())
		}
		if len(args) == 0 {
			return errors.New("a kind is required unless --all is set")
		}
		key, err := parseWatchKey(args)
		if err != nil {
			return err
		}
		st, err := parseFilterFlags(filter.SchemaFor(key.Kind), watchFilters)
		if err != nil {
			return err
		}
		return runWatch(ctx, key, st, cmd.OutOrStdout())
	},
}

func init() {
	watchCmd.Flags().StringArrayVarP(&watchFilters, "filter", "f", nil, "filter as Category=value; repeat to combine")
	watchCmd.Flags().BoolVar(&watchAll, "all", false, "load every global list once and print the counts")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "print each change as a JSON line")
}

func parseWatchKey(args []string) (entity.Key, error) {
	kind, ok := entity.ParseKind(args[0])
	if !ok {
		return entity.Key{}, fmt.Errorf("%w: %q", snapshot.ErrUnknownKind, args[0])
	}
	scope := entity.Global
	if len(args) > 1 {
		scope = entity.ParseScope(args[1])
	}
	if err := snapshot.CheckScope(kind, scope); err != nil {
		return entity.Key{}, err
	}
	return entity.Key{Kind: kind, Scope: scope}, nil
}

// parseFilterFlags turns "Category=value" flags into a filter state.
func parseFilterFlags(schema filter.Schema, raw []string) (filter.State, error) {
	st := filter.NewState(schema)
	for _, f := range raw {
		category, value, ok := strings.Cut(f, "=")
		if !ok {
			return st, fmt.Errorf("filter %q must look like Category=value", f)
		}
		next, err := st.Add(schema, category, value)
		if err != nil {
			return st, err
		}
		st = next
	}
	return st, nil
}

func runWatch(ctx context.Context, key entity.Key, st filter.State, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.DiscardHandler)

	client, tokens, err := newBackendClient(cfg)
	if err != nil {
		return err
	}
	hub, err := newHub(cfg, client, tokens, logger)
	if err != nil {
		return err
	}
	loaders, err := snapshot.Loaders(client)
	if err != nil {
		return err
	}
	settingsSvc, err := seedSettings(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}

	v, err := view.Open(ctx, view.Config{
		Loaders:  loaders,
		Hub:      hub,
		Settings: settingsSvc,
		Logger:   logger,
	}, key)
	if err != nil {
		return err
	}
	defer v.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(hub.Run(gctx))
	})
	g.Go(func() error {
		changes, cancel := v.Changes()
		defer cancel()
		r := newRenderer(out)
		// changes can arrive in bursts; render at most once per period
		throttle := time.NewTicker(watchRenderPeriod)
		defer throttle.Stop()
		dirty := true
		for {
			if dirty {
				full := v.Snapshot()
				if err := r.render(v.Filtered(st), full); err != nil {
					return err
				}
				if err := heldError(full); err != nil {
					return err
				}
				dirty = false
			}
			select {
			case <-gctx.Done():
				return nil
			case <-changes:
				select {
				case <-throttle.C:
				case <-gctx.Done():
					return nil
				}
				dirty = true
			}
		}
	})
	return g.Wait()
}

// heldError ends a watch on a list held after an authorization failure. The
// terminal has no refresh to lift the hold.
func heldError(full reconcile.View) error {
	if full.State != reconcile.StateError || !full.AuthErr || full.Err == nil {
		return nil
	}
	return fmt.Errorf("watch %s: %w", full.Key, full.Err)
}

// runWatchAll loads every global list concurrently and prints its size.
func runWatchAll(ctx context.Context, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	client, _, err := newBackendClient(cfg)
	if err != nil {
		return err
	}
	loaders, err := snapshot.Loaders(client)
	if err != nil {
		return err
	}

	kinds := slices.DeleteFunc(entity.Kinds(), entity.Kind.Scoped)
	counts := make([]int, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(watchLoadWorkers)
	for i, kind := range kinds {
		g.Go(func() error {
			snap, err := loaders[kind].Load(gctx, entity.Global)
			if err != nil {
				return fmt.Errorf("load %s: %w", kind, err)
			}
			counts[i] = len(snap.Entities)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tCOUNT")
	for i, kind := range kinds {
		fmt.Fprintf(tw, "%s\t%d\n", kind, counts[i])
	}
	return tw.Flush()
}

type renderer struct {
	out   io.Writer
	tty   bool
	width int
}

func newRenderer(out io.Writer) *renderer {
	r := &renderer{out: out, width: defaultTermWidth}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) && !watchJSON {
		r.tty = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			r.width = w
		}
	}
	return r
}

func (r *renderer) render(filtered, full reconcile.View) error {
	if watchJSON || !r.tty {
		line := struct {
			Key     entity.Key      `json:"key"`
			State   reconcile.State `json:"state"`
			Items   []entity.Entity `json:"items"`
			Total   int             `json:"total"`
			Pending int             `json:"pending"`
			Error   string          `json:"error,omitempty"`
		}{Key: filtered.Key, State: filtered.State, Items: filtered.Items, Total: len(full.Items), Pending: len(full.Pending)}
		if line.Items == nil {
			line.Items = []entity.Entity{}
		}
		if full.Err != nil {
			line.Error = full.Err.Error()
		}
		return json.NewEncoder(r.out).Encode(line)
	}

	// clear the screen and home the cursor
	fmt.Fprint(r.out, "\x1b[2J\x1b[H")
	status := fmt.Sprintf("%s  %s  %d of %d", filtered.Key, filtered.State, len(filtered.Items), len(full.Items))
	if n := len(full.Pending); n > 0 {
		status += fmt.Sprintf("  (%d pending)", n)
	}
	switch {
	case full.AuthErr:
		status += "  unauthorized: " + full.Err.Error()
	case full.Err != nil:
		status += "  last refresh failed: " + full.Err.Error()
	}
	fmt.Fprintln(r.out, r.clip(status))

	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tLABELS")
	for _, e := range filtered.Items {
		line := fmt.Sprintf("%s\t%s\t%s\t%s", e.ID, e.String(entity.FieldName), e.String(entity.FieldState), formatLabels(e.Labels))
		fmt.Fprintln(tw, r.clip(line))
	}
	return tw.Flush()
}

func (r *renderer) clip(s string) string {
	if len(s) <= r.width {
		return s
	}
	return s[:max(r.width-1, 0)] + "…"
}

func formatLabels(labels map[string]string) string {
	keys := slices.Sorted(maps.Keys(labels))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}
