// Package snapshot loads full, authoritative lists from the backend for each
// entity kind.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/backend"
	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/metrics"
	"github.com/flightdeck-io/flightdeck/internal/reconcile"
	"github.com/flightdeck-io/flightdeck/internal/sync"
)

var (
	ErrUnknownKind     = errors.New("unknown entity kind")
	ErrScopeRequired   = errors.New("kind is listed per target; a target scope is required")
	ErrUnexpectedScope = errors.New("kind is not listed per target; scope must be global")
)

// Loader fetches one full list.
type Loader interface {
	Load(ctx context.Context, scope entity.Scope) (reconcile.Snapshot, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, scope entity.Scope) (reconcile.Snapshot, error)

func (f LoaderFunc) Load(ctx context.Context, scope entity.Scope) (reconcile.Snapshot, error) {
	return f(ctx, scope)
}

// Source is the read side of the backend client.
type Source interface {
	ListTargets(ctx context.Context) ([]entity.Target, error)
	ListRecordings(ctx context.Context, jvmID string) ([]entity.Recording, error)
	ListArchivedRecordings(ctx context.Context, jvmID string) ([]entity.ArchivedRecording, error)
	ListAllArchives(ctx context.Context) ([]entity.ArchivedRecording, error)
	ListDirectories(ctx context.Context) ([]entity.Directory, error)
	ListRules(ctx context.Context) ([]entity.Rule, error)
	ListCredentials(ctx context.Context) ([]entity.Credential, error)
	ListEventTemplates(ctx context.Context) ([]entity.EventTemplate, error)
	ListProbeTemplates(ctx context.Context) ([]entity.ProbeTemplate, error)
}

var _ Source = (*backend.Client)(nil)

type options struct {
	logger   *slog.Logger
	workers  int
	reporter *sync.LogReporter
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithWorkers bounds per-target fan-out.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default(), workers: 4}
	for _, opt := range opts {
		opt(&o)
	}
	o.reporter = &sync.LogReporter{Logger: o.logger}
	return o
}

// New returns the loader for kind. Every load is timed and failures are
// counted by reason.
func New(kind entity.Kind, src Source, opts ...Option) (Loader, error) {
	if src == nil {
		return nil, errors.New("snapshot source is required")
	}
	o := newOptions(opts)
	var load LoaderFunc
	switch kind {
	case entity.KindActiveRecording:
		load = func(ctx context.Context, scope entity.Scope) (reconcile.Snapshot, error) {
			recs, err := src.ListRecordings(ctx, scope.String())
			if err != nil {
				return reconcile.Snapshot{}, err
			}
			return collect(recs, func(r entity.Recording) entity.Entity { return entity.FromRecording(scope, r) }), nil
		}
	case entity.KindArchivedRecording:
		load = func(ctx context.Context, scope entity.Scope) (reconcile.Snapshot, error) {
			recs, err := src.ListArchivedRecordings(ctx, scope.String())
			if err != nil {
				return reconcile.Snapshot{}, err
			}
			return collect(recs, func(r entity.ArchivedRecording) entity.Entity { return entity.FromArchivedRecording(scope, r) }), nil
		}
	case entity.KindAllArchives:
		load = func(ctx context.Context, _ entity.Scope) (reconcile.Snapshot, error) {
			recs, err := src.ListAllArchives(ctx)
			if err != nil {
				return reconcile.Snapshot{}, err
			}
			return collect(recs, entity.FromArchive), nil
		}
	case entity.KindDirectory:
		load = func(ctx context.Context, _ entity.Scope) (reconcile.Snapshot, error) {
			return loadDirectories(ctx, src, o)
		}
	case entity.KindTarget:
		load = func(ctx context.Context, _ entity.Scope) (reconcile.Snapshot, error) {
			targets, err := src.ListTargets(ctx)
			if err != nil {
				return reconcile.Snapshot{}, err
			}
			return collect(targets, entity.FromTarget), nil
		}
	case entity.KindRule:
		load = func(ctx context.Context, _ entity.Scope) (reconcile.Snapshot, error) {
			rules, err := src.ListRules(ctx)
			if err != nil {
				return reconcile.Snapshot{}, err
			}
			return collect(rules, entity.FromRule), nil
		}
	case entity.KindCredential:
		load = func(ctx context.Context, _ entity.Scope) (reconcile.Snapshot, error) {
			creds, err := src.ListCredentials(ctx)
			if err != nil {
				return reconcile.Snapshot{}, err
			}
			return collect(creds, entity.FromCredential), nil
		}
	case entity.KindEventTemplate:
		load = func(ctx context.Context, _ entity.Scope) (reconcile.Snapshot, error) {
			templates, err := src.ListEventTemplates(ctx)
			if err != nil {
				return reconcile.Snapshot{}, err
			}
			return collect(templates, entity.FromEventTemplate), nil
		}
	case entity.KindProbeTemplate:
		load = func(ctx context.Context, _ entity.Scope) (reconcile.Snapshot, error) {
			probes, err := src.ListProbeTemplates(ctx)
			if err != nil {
				return reconcile.Snapshot{}, err
			}
			return collect(probes, entity.FromProbeTemplate), nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return &instrumented{kind: kind, next: load, logger: o.logger}, nil
}

// Loaders builds a loader for every kind.
func Loaders(src Source, opts ...Option) (map[entity.Kind]Loader, error) {
	out := make(map[entity.Kind]Loader, len(entity.Kinds()))
	for _, kind := range entity.Kinds() {
		l, err := New(kind, src, opts...)
		if err != nil {
			return nil, err
		}
		out[kind] = l
	}
	return out, nil
}

// CheckScope validates that scope fits kind.
func CheckScope(kind entity.Kind, scope entity.Scope) error {
	if kind.Scoped() && scope.IsGlobal() {
		return fmt.Errorf("%w: %s", ErrScopeRequired, kind)
	}
	if !kind.Scoped() && !scope.IsGlobal() {
		return fmt.Errorf("%w: %s", ErrUnexpectedScope, kind)
	}
	return nil
}

type instrumented struct {
	kind   entity.Kind
	next   Loader
	logger *slog.Logger
}

func (l *instrumented) Load(ctx context.Context, scope entity.Scope) (reconcile.Snapshot, error) {
	if err := CheckScope(l.kind, scope); err != nil {
		return reconcile.Snapshot{}, err
	}
	start := time.Now()
	snap, err := l.next.Load(ctx, scope)
	metrics.SnapshotDuration.WithLabelValues(string(l.kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == nil {
			reason := backend.FetchReasonOf(err)
			metrics.SnapshotFailuresTotal.WithLabelValues(string(l.kind), string(reason)).Inc()
			l.logger.Debug("snapshot load failed", "kind", l.kind, "scope", scope, "reason", reason, "err", err)
		}
		return reconcile.Snapshot{}, err
	}
	return snap, nil
}

func collect[T any](items []T, build func(T) entity.Entity) reconcile.Snapshot {
	out := make([]entity.Entity, 0, len(items))
	for _, item := range items {
		e := build(item)
		if e.ID == "" {
			continue
		}
		out = append(out, e)
	}
	return reconcile.Snapshot{Entities: out}
}

// loadDirectories reads the archive directory listing. Backends without that
// endpoint answer 404; the listing is then rebuilt from the target list and a
// per-target archive query, which misses targets that have gone away.
func loadDirectories(ctx context.Context, src Source, o options) (reconcile.Snapshot, error) {
	dirs, err := src.ListDirectories(ctx)
	if backend.StatusOf(err) == http.StatusNotFound {
		o.logger.Debug("archive directory listing unavailable, falling back to per-target queries")
		dirs, err = directoriesFromTargets(ctx, src, o)
	}
	if err != nil {
		return reconcile.Snapshot{}, err
	}

	snap := reconcile.Snapshot{
		Entities:   make([]entity.Entity, 0, len(dirs)),
		Aggregates: make(map[string]int64, len(dirs)),
	}
	for _, d := range dirs {
		if d.JvmID == "" {
			continue
		}
		snap.Entities = append(snap.Entities, entity.FromDirectory(d))
		snap.Aggregates[d.JvmID] = int64(len(d.Recordings))
	}
	return snap, nil
}

func directoriesFromTargets(ctx context.Context, src Source, o options) ([]entity.Directory, error) {
	targets, err := src.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	known := targets[:0:0]
	for _, t := range targets {
		if t.JvmID != "" {
			known = append(known, t)
		}
	}

	results, err := sync.ParallelCollect(ctx, known, o.workers, func(ctx context.Context, t entity.Target) (entity.Directory, error) {
		recs, err := src.ListArchivedRecordings(ctx, t.JvmID)
		if err != nil {
			return entity.Directory{}, err
		}
		return entity.Directory{JvmID: t.JvmID, ConnectURL: t.ConnectURL, Recordings: recs}, nil
	}, o.reporter.Progress("directories", "archives-per-target"))
	if err != nil {
		return nil, err
	}

	out := make([]entity.Directory, 0, len(results))
	for _, d := range results {
		if len(d.Recordings) == 0 {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
