// Package view runs one live list per (kind, scope): it seeds the list from a
// snapshot, keeps it current from push notifications and polling, and rolls
// back writes the backend never confirms.
package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/backend"
	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/event"
	"github.com/flightdeck-io/flightdeck/internal/filter"
	"github.com/flightdeck-io/flightdeck/internal/metrics"
	"github.com/flightdeck-io/flightdeck/internal/mutation"
	"github.com/flightdeck-io/flightdeck/internal/notify"
	"github.com/flightdeck-io/flightdeck/internal/reconcile"
	"github.com/flightdeck-io/flightdeck/internal/settings"
	"github.com/flightdeck-io/flightdeck/internal/snapshot"
	"github.com/flightdeck-io/flightdeck/internal/sync"
)

const (
	DefaultPendingTimeout = 30 * time.Second
	defaultSweepInterval  = time.Second
)

var ErrClosed = errors.New("view is closed")

// Hub is the push channel a view subscribes to.
type Hub interface {
	Subscribe(categories []notify.Category, fn notify.Handler) func()
	OnConnect(fn func()) func()
}

// Config is shared by every view.
type Config struct {
	Registry *reconcile.Registry
	Loaders  map[entity.Kind]snapshot.Loader
	// Hub and Settings are optional. Without a hub the list only changes on
	// reload; without settings it never polls.
	Hub      Hub
	Settings *settings.Service
	Gateway  *mutation.Gateway
	// PendingTimeout bounds how long an unconfirmed write stays visible.
	PendingTimeout time.Duration
	SweepInterval  time.Duration
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Registry == nil {
		c.Registry = reconcile.NewRegistry()
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = DefaultPendingTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// View is one open list.
type View struct {
	key        entity.Key
	cfg        Config
	rec        *reconcile.Reconciler
	normalizer *notify.Normalizer
	loader     snapshot.Loader
	scheduler  *sync.Scheduler
	schema     filter.Schema
	logger     *slog.Logger

	// authHold stops polling after an authorization failure until a manual
	// refresh.
	authHold atomic.Bool

	cancel    context.CancelFunc
	wg        gosync.WaitGroup
	closeOnce gosync.Once
	closed    atomic.Bool
	release   []func()
}

// Open starts a view. The first snapshot load starts immediately in the
// background; the list is Loading until it completes.
func Open(ctx context.Context, cfg Config, key entity.Key) (*View, error) {
	cfg = cfg.withDefaults()
	if err := snapshot.CheckScope(key.Kind, key.Scope); err != nil {
		return nil, err
	}
	loader, ok := cfg.Loaders[key.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", snapshot.ErrUnknownKind, key.Kind)
	}
	normalizer, ok := notify.For(key.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", snapshot.ErrUnknownKind, key.Kind)
	}

	rec, created := cfg.Registry.Get(key)
	if !created {
		return nil, fmt.Errorf("list %s is already open", key)
	}

	v := &View{
		key:        key,
		cfg:        cfg,
		rec:        rec,
		normalizer: normalizer,
		loader:     loader,
		schema:     filter.SchemaFor(key.Kind),
		logger:     cfg.Logger.With("list", key.String()),
	}

	var interval time.Duration
	if cfg.Settings != nil {
		interval = cfg.Settings.Get().RefreshInterval()
	}
	v.scheduler = sync.NewScheduler(sync.RunnerFunc(v.reload), interval, sync.WithLogger(v.logger))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v.cancel = cancel

	if cfg.Hub != nil {
		v.release = append(v.release,
			cfg.Hub.Subscribe(normalizer.Categories(), v.handle),
			cfg.Hub.OnConnect(v.scheduler.Trigger),
		)
	}
	if cfg.Settings != nil {
		v.release = append(v.release, cfg.Settings.Subscribe(func(s settings.Settings) {
			v.scheduler.SetInterval(s.RefreshInterval())
		}))
	}

	v.wg.Go(func() { v.scheduler.Run(runCtx) })
	v.wg.Go(func() { v.sweep(runCtx) })

	metrics.OpenViews.WithLabelValues(string(key.Kind)).Inc()
	v.logger.Debug("view opened")
	return v, nil
}

func (v *View) Key() entity.Key { return v.key }

func (v *View) Schema() filter.Schema { return v.schema }

// Snapshot returns the full visible list.
func (v *View) Snapshot() reconcile.View { return v.rec.View() }

// Filtered returns the visible list narrowed by st.
func (v *View) Filtered(st filter.State) reconcile.View {
	out := v.rec.View()
	out.Items = filter.Filter(out.Items, v.schema, st)
	return out
}

// Changes returns a coalescing change signal and its cancel func.
func (v *View) Changes() (<-chan struct{}, func()) { return v.rec.Subscribe() }

// Refresh requests a reload now. It also lifts the hold placed on polling
// after an authorization failure.
func (v *View) Refresh() error {
	if v.closed.Load() {
		return ErrClosed
	}
	v.authHold.Store(false)
	v.scheduler.Trigger()
	return nil
}

// Submit performs a write with an optimistic overlay on this list.
func (v *View) Submit(ctx context.Context, req mutation.Request) (mutation.Outcome, error) {
	if v.closed.Load() {
		return mutation.Outcome{}, ErrClosed
	}
	if v.cfg.Gateway == nil {
		return mutation.Outcome{}, errors.New("writes are not configured")
	}
	return v.cfg.Gateway.Submit(ctx, v.rec, req)
}

// Close stops the view and waits for its goroutines. The list is discarded.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		v.closed.Store(true)
		for _, release := range v.release {
			release()
		}
		v.cancel()
		v.wg.Wait()
		v.cfg.Registry.Drop(v.key)
		metrics.OpenViews.WithLabelValues(string(v.key.Kind)).Dec()
		v.logger.Debug("view closed")
	})
}

// reload is the scheduler's runner.
func (v *View) reload(ctx context.Context) error {
	if v.authHold.Load() {
		return sync.ErrNotDue
	}
	v.rec.BeginLoad()
	snap, err := v.loader.Load(ctx, v.key.Scope)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		auth := backend.IsAuthorization(err)
		if auth {
			v.authHold.Store(true)
		}
		v.rec.Fail(err, auth)
		return err
	}
	v.rec.Replace(snap)
	return nil
}

// handle runs on the hub's read loop.
func (v *View) handle(msg notify.Message) {
	ev, err := v.normalizer.Normalize(msg)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, notify.ErrUnrecognizedCategory) {
			reason = "unrecognized"
		}
		metrics.NotificationsDroppedTotal.WithLabelValues(string(msg.Category), reason).Inc()
		v.logger.Debug("notification dropped", "category", msg.Category, "err", err)
		return
	}
	if ev.ListKey() != v.key {
		return
	}
	if !v.rec.Apply(ev) {
		return
	}
	metrics.EventsAppliedTotal.WithLabelValues(string(v.key.Kind), string(ev.Op())).Inc()

	// a count for a directory the list has not seen yet needs its row
	if sig, ok := ev.(event.Signal); ok {
		if _, known := v.rec.Entity(sig.Aggregate); !known {
			v.scheduler.Trigger()
		}
	}
}

// sweep rolls back unconfirmed writes and reloads to show the server's truth.
func (v *View) sweep(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := v.rec.Expire(v.cfg.PendingTimeout)
			if len(expired) == 0 {
				continue
			}
			metrics.PendingExpiredTotal.WithLabelValues(string(v.key.Kind)).Add(float64(len(expired)))
			for _, p := range expired {
				v.logger.Warn("write was not confirmed in time, rolled back", "op", p.Op, "entity", p.EntityID, "pending", p.ID)
			}
			v.scheduler.Trigger()
		}
	}
}
