// Package mutation performs user-initiated writes with an optimistic overlay:
// the expected result is visible immediately and is rolled back if the backend
// refuses the write.
package mutation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/flightdeck-io/flightdeck/internal/backend"
	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/metrics"
	"github.com/flightdeck-io/flightdeck/internal/reconcile"
)

// Writer is the write side of the backend client.
type Writer interface {
	CreateRecording(ctx context.Context, jvmID string, opts backend.RecordingOptions) (entity.Recording, error)
	StopRecording(ctx context.Context, jvmID string, remoteID int64) error
	ArchiveRecording(ctx context.Context, jvmID string, remoteID int64) error
	DeleteRecording(ctx context.Context, jvmID string, remoteID int64) error
	UpdateRecordingLabels(ctx context.Context, jvmID string, remoteID int64, labels map[string]string) error
	DeleteArchivedRecording(ctx context.Context, jvmID, name string) error
	UpdateArchivedLabels(ctx context.Context, jvmID, name string, labels map[string]string) error
	CreateRule(ctx context.Context, r entity.Rule) error
	SetRuleEnabled(ctx context.Context, name string, enabled bool) error
	DeleteRule(ctx context.Context, name string, clean bool) error
	StoreCredential(ctx context.Context, in backend.CredentialInput) error
	DeleteCredential(ctx context.Context, id int64) error
	UploadEventTemplate(ctx context.Context, fileName string, content io.Reader) error
	DeleteEventTemplate(ctx context.Context, name string) error
	UploadProbeTemplate(ctx context.Context, name string, content io.Reader) error
	DeleteProbeTemplate(ctx context.Context, name string) error
}

var _ Writer = (*backend.Client)(nil)

// Outcome reports what Submit did.
type Outcome struct {
	// PendingID is empty when the write had no speculative overlay.
	PendingID string               `json:"pendingId,omitempty"`
	Op        reconcile.MutationOp `json:"op,omitempty"`
	EntityID  string               `json:"entityId,omitempty"`
	Action    Action               `json:"action"`
}

// Gateway submits writes. Writes that target the same entity of the same list
// reach the backend one at a time, in submission order.
type Gateway struct {
	writer Writer
	logger *slog.Logger
	newID  func() string

	mu    sync.Mutex
	tails map[string]chan struct{}
}

type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithIDs overrides pending id generation, for tests.
func WithIDs(next func() string) Option {
	return func(g *Gateway) {
		if next != nil {
			g.newID = next
		}
	}
}

func NewGateway(w Writer, opts ...Option) *Gateway {
	g := &Gateway{
		writer: w,
		logger: slog.Default(),
		newID:  uuid.NewString,
		tails:  map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// plan is a validated request: the overlay to show, if any, and the write.
type plan struct {
	pending *reconcile.Pending
	target  string
	write   func(ctx context.Context) error
}

// Submit shows req's expected effect on rec, performs the write and either
// acknowledges the overlay or rolls it back. Failed writes are not retried;
// the error is a *backend.MutationError unless the request was invalid.
func (g *Gateway) Submit(ctx context.Context, rec *reconcile.Reconciler, req Request) (Outcome, error) {
	key := rec.Key()
	out := Outcome{Action: req.Action}
	if !supported(key.Kind, req.Action) {
		return out, fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, req.Action, key.Kind)
	}
	p, err := g.plan(rec, req)
	if err != nil {
		return out, err
	}
	out.EntityID = p.target

	if p.pending != nil {
		p.pending.ID = g.newID()
		if err := rec.Begin(*p.pending); err != nil {
			return out, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		out.PendingID = p.pending.ID
		out.Op = p.pending.Op
	}

	wait, done := g.enqueue(key.String() + "\x00" + p.target)
	defer done()
	select {
	case <-wait:
	case <-ctx.Done():
		g.fail(rec, out, ctx.Err())
		return out, &backend.MutationError{Reason: backend.MutationNetwork, Op: string(req.Action), Err: ctx.Err()}
	}

	if err := p.write(ctx); err != nil {
		var me *backend.MutationError
		if !errors.As(err, &me) {
			err = &backend.MutationError{Reason: backend.MutationNetwork, Op: string(req.Action), Err: err}
		}
		g.fail(rec, out, err)
		return out, err
	}

	metrics.MutationsTotal.WithLabelValues(string(key.Kind), string(req.Action), "accepted").Inc()
	if out.PendingID != "" {
		// a notification may already have settled it
		_ = rec.Acknowledge(out.PendingID)
	}
	return out, nil
}

func (g *Gateway) fail(rec *reconcile.Reconciler, out Outcome, err error) {
	outcome := string(backend.MutationNetwork)
	var me *backend.MutationError
	if errors.As(err, &me) {
		outcome = string(me.Reason)
	}
	metrics.MutationsTotal.WithLabelValues(string(rec.Key().Kind), string(out.Action), outcome).Inc()
	if out.PendingID != "" {
		rec.Rollback(out.PendingID)
	}
	g.logger.Warn("write failed", "list", rec.Key().String(), "action", out.Action, "entity", out.EntityID, "err", err)
}

// enqueue returns a channel closed when every earlier write on key finished,
// and the func that releases the next one.
func (g *Gateway) enqueue(key string) (<-chan struct{}, func()) {
	own := make(chan struct{})
	g.mu.Lock()
	prev, ok := g.tails[key]
	g.tails[key] = own
	g.mu.Unlock()
	if !ok {
		prev = make(chan struct{})
		close(prev)
	}
	return prev, func() {
		close(own)
		g.mu.Lock()
		if g.tails[key] == own {
			delete(g.tails, key)
		}
		g.mu.Unlock()
	}
}

func (g *Gateway) plan(rec *reconcile.Reconciler, req Request) (plan, error) {
	key := rec.Key()
	w := g.writer
	jvmID := key.Scope.String()

	switch req.Action {
	case ActionCreateRecording:
		opts := req.Recording
		if strings.TrimSpace(opts.Name) == "" {
			return plan{}, fmt.Errorf("%w: recording name is required", ErrInvalidRequest)
		}
		if opts.TemplateName == "" {
			return plan{}, fmt.Errorf("%w: event template is required", ErrInvalidRequest)
		}
		speculative := entity.FromRecording(key.Scope, entity.Recording{
			Name:       opts.Name,
			State:      entity.StateRunning,
			Duration:   opts.DurationSeconds * 1000,
			Continuous: opts.DurationSeconds == 0,
			ToDisk:     opts.ToDisk,
			MaxSize:    opts.MaxSizeBytes,
			MaxAge:     opts.MaxAgeSeconds * 1000,
			Metadata:   entity.Metadata{Labels: entity.KeyValuesFromMap(opts.Labels)},
		})
		return plan{
			pending: &reconcile.Pending{Op: reconcile.MutationCreate, Entity: speculative},
			target:  opts.Name,
			write: func(ctx context.Context) error {
				_, err := w.CreateRecording(ctx, jvmID, opts)
				return err
			},
		}, nil

	case ActionStopRecording, ActionArchiveRecording, ActionDeleteRecording:
		remote, err := remoteID(rec, req.EntityID)
		if err != nil {
			return plan{}, err
		}
		p := plan{target: req.EntityID}
		switch req.Action {
		case ActionStopRecording:
			p.pending = &reconcile.Pending{Op: reconcile.MutationUpdate, EntityID: req.EntityID, Patch: map[string]any{entity.FieldState: entity.StateStopped}}
			p.write = func(ctx context.Context) error { return w.StopRecording(ctx, jvmID, remote) }
		case ActionArchiveRecording:
			// the active list does not change; the archive lists learn about it by notification
			p.write = func(ctx context.Context) error { return w.ArchiveRecording(ctx, jvmID, remote) }
		default:
			p.pending = &reconcile.Pending{Op: reconcile.MutationDelete, EntityID: req.EntityID}
			p.write = func(ctx context.Context) error { return w.DeleteRecording(ctx, jvmID, remote) }
		}
		return p, nil

	case ActionUpdateLabels:
		if req.EntityID == "" {
			return plan{}, fmt.Errorf("%w: entity id is required", ErrInvalidRequest)
		}
		labels := req.Labels
		if labels == nil {
			labels = map[string]string{}
		}
		p := plan{
			target:  req.EntityID,
			pending: &reconcile.Pending{Op: reconcile.MutationUpdate, EntityID: req.EntityID, Patch: map[string]any{entity.FieldLabels: labels}},
		}
		switch key.Kind {
		case entity.KindActiveRecording:
			remote, err := remoteID(rec, req.EntityID)
			if err != nil {
				return plan{}, err
			}
			p.write = func(ctx context.Context) error { return w.UpdateRecordingLabels(ctx, jvmID, remote, labels) }
		default:
			archiveJvm, name, err := archiveRef(rec, req.EntityID)
			if err != nil {
				return plan{}, err
			}
			p.write = func(ctx context.Context) error { return w.UpdateArchivedLabels(ctx, archiveJvm, name, labels) }
		}
		return p, nil

	case ActionDeleteArchived:
		archiveJvm, name, err := archiveRef(rec, req.EntityID)
		if err != nil {
			return plan{}, err
		}
		return plan{
			target:  req.EntityID,
			pending: &reconcile.Pending{Op: reconcile.MutationDelete, EntityID: req.EntityID},
			write:   func(ctx context.Context) error { return w.DeleteArchivedRecording(ctx, archiveJvm, name) },
		}, nil

	case ActionCreateRule:
		rule := req.Rule
		if strings.TrimSpace(rule.Name) == "" || rule.MatchExpression == "" || rule.EventSpecifier == "" {
			return plan{}, fmt.Errorf("%w: rule needs a name, match expression and event specifier", ErrInvalidRequest)
		}
		return plan{
			target:  rule.Name,
			pending: &reconcile.Pending{Op: reconcile.MutationCreate, Entity: entity.FromRule(rule)},
			write:   func(ctx context.Context) error { return w.CreateRule(ctx, rule) },
		}, nil

	case ActionSetRuleEnabled:
		if req.EntityID == "" {
			return plan{}, fmt.Errorf("%w: rule name is required", ErrInvalidRequest)
		}
		enabled := req.Enabled
		return plan{
			target:  req.EntityID,
			pending: &reconcile.Pending{Op: reconcile.MutationUpdate, EntityID: req.EntityID, Patch: map[string]any{entity.FieldEnabled: enabled}},
			write:   func(ctx context.Context) error { return w.SetRuleEnabled(ctx, req.EntityID, enabled) },
		}, nil

	case ActionDeleteRule:
		if req.EntityID == "" {
			return plan{}, fmt.Errorf("%w: rule name is required", ErrInvalidRequest)
		}
		return plan{
			target:  req.EntityID,
			pending: &reconcile.Pending{Op: reconcile.MutationDelete, EntityID: req.EntityID},
			write:   func(ctx context.Context) error { return w.DeleteRule(ctx, req.EntityID, req.Clean) },
		}, nil

	case ActionStoreCredential:
		in := req.Credential
		if in.MatchExpression == "" || in.Username == "" {
			return plan{}, fmt.Errorf("%w: credential needs a match expression and username", ErrInvalidRequest)
		}
		// the backend assigns the id, so there is nothing to show until it does
		return plan{
			target: in.MatchExpression,
			write:  func(ctx context.Context) error { return w.StoreCredential(ctx, in) },
		}, nil

	case ActionDeleteCredential:
		id, err := strconv.ParseInt(req.EntityID, 10, 64)
		if err != nil {
			return plan{}, fmt.Errorf("%w: credential id %q", ErrInvalidRequest, req.EntityID)
		}
		return plan{
			target:  req.EntityID,
			pending: &reconcile.Pending{Op: reconcile.MutationDelete, EntityID: req.EntityID},
			write:   func(ctx context.Context) error { return w.DeleteCredential(ctx, id) },
		}, nil

	case ActionUploadEventTemplate:
		if req.FileName == "" || len(req.Content) == 0 {
			return plan{}, fmt.Errorf("%w: template file is required", ErrInvalidRequest)
		}
		return plan{
			target: req.FileName,
			write: func(ctx context.Context) error {
				return w.UploadEventTemplate(ctx, req.FileName, bytes.NewReader(req.Content))
			},
		}, nil

	case ActionDeleteEventTemplate:
		name := req.EntityID
		if e, ok := rec.Entity(req.EntityID); ok && e.String(entity.FieldName) != "" {
			name = e.String(entity.FieldName)
		} else if _, after, found := strings.Cut(req.EntityID, "/"); found {
			name = after
		}
		if name == "" {
			return plan{}, fmt.Errorf("%w: template name is required", ErrInvalidRequest)
		}
		return plan{
			target:  req.EntityID,
			pending: &reconcile.Pending{Op: reconcile.MutationDelete, EntityID: req.EntityID},
			write:   func(ctx context.Context) error { return w.DeleteEventTemplate(ctx, name) },
		}, nil

	case ActionUploadProbeTemplate:
		if req.FileName == "" || len(req.Content) == 0 {
			return plan{}, fmt.Errorf("%w: probe template file is required", ErrInvalidRequest)
		}
		return plan{
			target:  req.FileName,
			pending: &reconcile.Pending{Op: reconcile.MutationCreate, Entity: entity.FromProbeTemplate(entity.ProbeTemplate{FileName: req.FileName})},
			write: func(ctx context.Context) error {
				return w.UploadProbeTemplate(ctx, req.FileName, bytes.NewReader(req.Content))
			},
		}, nil

	case ActionDeleteProbeTemplate:
		if req.EntityID == "" {
			return plan{}, fmt.Errorf("%w: probe template name is required", ErrInvalidRequest)
		}
		return plan{
			target:  req.EntityID,
			pending: &reconcile.Pending{Op: reconcile.MutationDelete, EntityID: req.EntityID},
			write:   func(ctx context.Context) error { return w.DeleteProbeTemplate(ctx, req.EntityID) },
		}, nil
	}
	return plan{}, fmt.Errorf("%w: %q", ErrUnsupportedAction, req.Action)
}

// remoteID finds the backend's numeric id for an active recording.
func remoteID(rec *reconcile.Reconciler, name string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: recording name is required", ErrInvalidRequest)
	}
	e, ok := rec.Entity(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	v, _ := e.Field(entity.FieldRemoteID)
	id, ok := entity.AsInt64(v)
	if !ok || id <= 0 {
		return 0, fmt.Errorf("%w: recording %s has no backend id", ErrInvalidRequest, name)
	}
	return id, nil
}

// archiveRef resolves an archived row to its source jvmId and file name. On a
// per-target list the id is the name; on all-archives it is jvmId/name.
func archiveRef(rec *reconcile.Reconciler, id string) (string, string, error) {
	if id == "" {
		return "", "", fmt.Errorf("%w: recording name is required", ErrInvalidRequest)
	}
	key := rec.Key()
	if e, ok := rec.Entity(id); ok {
		jvm, name := e.String(entity.FieldJvmID), e.String(entity.FieldName)
		if jvm == "" && !key.Scope.IsGlobal() {
			jvm = key.Scope.String()
		}
		if jvm != "" && name != "" {
			return jvm, name, nil
		}
	}
	if !key.Scope.IsGlobal() {
		return key.Scope.String(), id, nil
	}
	i := strings.LastIndex(id, "/")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("%w: archive id %q is not jvmId/name", ErrInvalidRequest, id)
	}
	return id[:i], id[i+1:], nil
}
