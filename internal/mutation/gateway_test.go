package mutation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/flightdeck-io/flightdeck/internal/backend"
	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/event"
	"github.com/flightdeck-io/flightdeck/internal/reconcile"
)

type fakeWriter struct {
	mu      sync.Mutex
	calls   []string
	err     error
	started chan string
	release chan struct{}
}

func (f *fakeWriter) record(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	err := f.err
	f.mu.Unlock()
	if f.started != nil {
		f.started <- call
	}
	if f.release != nil {
		<-f.release
	}
	return err
}

func (f *fakeWriter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeWriter) CreateRecording(_ context.Context, jvmID string, opts backend.RecordingOptions) (entity.Recording, error) {
	return entity.Recording{Name: opts.Name}, f.record("create " + jvmID + " " + opts.Name)
}

func (f *fakeWriter) StopRecording(_ context.Context, jvmID string, remoteID int64) error {
	return f.record(fmt.Sprintf("stop %s %d", jvmID, remoteID))
}

func (f *fakeWriter) ArchiveRecording(_ context.Context, jvmID string, remoteID int64) error {
	return f.record(fmt.Sprintf("archive %s %d", jvmID, remoteID))
}

func (f *fakeWriter) DeleteRecording(_ context.Context, jvmID string, remoteID int64) error {
	return f.record(fmt.Sprintf("delete %s %d", jvmID, remoteID))
}

func (f *fakeWriter) UpdateRecordingLabels(_ context.Context, jvmID string, remoteID int64, labels map[string]string) error {
	return f.record(fmt.Sprintf("labels %s %d %v", jvmID, remoteID, labels))
}

func (f *fakeWriter) DeleteArchivedRecording(_ context.Context, jvmID, name string) error {
	return f.record("delete-archived " + jvmID + " " + name)
}

func (f *fakeWriter) UpdateArchivedLabels(_ context.Context, jvmID, name string, labels map[string]string) error {
	return f.record(fmt.Sprintf("archived-labels %s %s %v", jvmID, name, labels))
}

func (f *fakeWriter) CreateRule(_ context.Context, r entity.Rule) error {
	return f.record("create-rule " + r.Name)
}

func (f *fakeWriter) SetRuleEnabled(_ context.Context, name string, enabled bool) error {
	return f.record(fmt.Sprintf("enable-rule %s %t", name, enabled))
}

func (f *fakeWriter) DeleteRule(_ context.Context, name string, clean bool) error {
	return f.record(fmt.Sprintf("delete-rule %s %t", name, clean))
}

func (f *fakeWriter) StoreCredential(_ context.Context, in backend.CredentialInput) error {
	return f.record("store-credential " + in.MatchExpression)
}

func (f *fakeWriter) DeleteCredential(_ context.Context, id int64) error {
	return f.record(fmt.Sprintf("delete-credential %d", id))
}

func (f *fakeWriter) UploadEventTemplate(_ context.Context, fileName string, content io.Reader) error {
	_, _ = io.ReadAll(content)
	return f.record("upload-template " + fileName)
}

func (f *fakeWriter) DeleteEventTemplate(_ context.Context, name string) error {
	return f.record("delete-template " + name)
}

func (f *fakeWriter) UploadProbeTemplate(_ context.Context, name string, content io.Reader) error {
	_, _ = io.ReadAll(content)
	return f.record("upload-probe " + name)
}

func (f *fakeWriter) DeleteProbeTemplate(_ context.Context, name string) error {
	return f.record("delete-probe " + name)
}

func seededRecordings(t *testing.T) *reconcile.Reconciler {
	t.Helper()
	rec := reconcile.New(entity.Key{Kind: entity.KindActiveRecording, Scope: "jvm-1"})
	rec.Replace(reconcile.Snapshot{Entities: []entity.Entity{
		entity.FromRecording("jvm-1", entity.Recording{ID: 1, Name: "rec-A", State: entity.StateRunning}),
		entity.FromRecording("jvm-1", entity.Recording{ID: 2, Name: "rec-B", State: entity.StateStopped}),
	}})
	return rec
}

func visibleIDs(rec *reconcile.Reconciler) []string {
	var ids []string
	for _, e := range rec.View().Items {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestSubmitRejectedDeleteRollsBack(t *testing.T) {
	t.Parallel()

	rec := seededRecordings(t)
	w := &fakeWriter{
		err:     &backend.MutationError{Reason: backend.MutationRejected, Op: "delete recording", Status: http.StatusConflict, Err: errors.New("busy")},
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	g := NewGateway(w)

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := g.Submit(context.Background(), rec, Request{Action: ActionDeleteRecording, EntityID: "rec-A"})
		done <- result{out, err}
	}()

	<-w.started
	if _, ok := rec.Entity("rec-A"); ok {
		t.Fatalf("rec-A still visible while delete is in flight")
	}
	close(w.release)
	res := <-done

	var me *backend.MutationError
	if !errors.As(res.err, &me) || me.Reason != backend.MutationRejected {
		t.Fatalf("err = %v, want rejected MutationError", res.err)
	}
	if _, ok := rec.Entity("rec-A"); !ok {
		t.Fatalf("rec-A not restored after rejection")
	}
	if len(rec.View().Pending) != 0 {
		t.Fatalf("pending left after rollback")
	}
	if got := w.Calls(); len(got) != 1 || got[0] != "delete jvm-1 1" {
		t.Fatalf("calls = %v", got)
	}
}

func TestSubmitStopAcknowledgesUntilNotification(t *testing.T) {
	t.Parallel()

	rec := seededRecordings(t)
	g := NewGateway(&fakeWriter{}, WithIDs(func() string { return "p1" }))

	out, err := g.Submit(context.Background(), rec, Request{Action: ActionStopRecording, EntityID: "rec-A"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.PendingID != "p1" || out.Op != reconcile.MutationUpdate {
		t.Fatalf("outcome = %+v", out)
	}
	view := rec.View()
	if len(view.Pending) != 1 || !view.Pending[0].Acknowledged {
		t.Fatalf("pending = %+v, want one acknowledged", view.Pending)
	}
	e, _ := rec.Entity("rec-A")
	if e.String(entity.FieldState) != entity.StateStopped {
		t.Fatalf("state = %q, want STOPPED", e.String(entity.FieldState))
	}

	rec.Apply(event.FieldPatch{
		Header: event.Header{Category: "ActiveRecordingStopped", Key: rec.Key()},
		ID:     "rec-A",
		Patch:  map[string]any{entity.FieldState: entity.StateStopped},
	})
	if len(rec.View().Pending) != 0 {
		t.Fatalf("pending not settled by notification")
	}
}

func TestSubmitCreateNetworkFailure(t *testing.T) {
	t.Parallel()

	rec := seededRecordings(t)
	g := NewGateway(&fakeWriter{err: errors.New("connection reset")})

	_, err := g.Submit(context.Background(), rec, Request{
		Action:    ActionCreateRecording,
		Recording: backend.RecordingOptions{Name: "rec-C", TemplateName: "Continuous", TemplateType: "TARGET"},
	})
	var me *backend.MutationError
	if !errors.As(err, &me) || me.Reason != backend.MutationNetwork {
		t.Fatalf("err = %v, want network MutationError", err)
	}
	if got := visibleIDs(rec); len(got) != 2 {
		t.Fatalf("visible = %v, want the two seeded recordings", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	rec := seededRecordings(t)
	g := NewGateway(&fakeWriter{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"unsupported", Request{Action: ActionCreateRule}, ErrUnsupportedAction},
		{"missing name", Request{Action: ActionCreateRecording}, ErrInvalidRequest},
		{"unknown recording", Request{Action: ActionStopRecording, EntityID: "rec-Z"}, ErrUnknownEntity},
	}
	for _, tc := range cases {
		if _, err := g.Submit(ctx, rec, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}

	targets := reconcile.New(entity.Key{Kind: entity.KindTarget, Scope: entity.Global})
	if _, err := g.Submit(ctx, targets, Request{Action: ActionDeleteRule, EntityID: "x"}); !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("targets: err = %v", err)
	}
}

func TestSubmitSerializesSameEntity(t *testing.T) {
	t.Parallel()

	rec := reconcile.New(entity.Key{Kind: entity.KindRule, Scope: entity.Global})
	rec.Replace(reconcile.Snapshot{Entities: []entity.Entity{entity.FromRule(entity.Rule{Name: "r1"})}})

	w := &fakeWriter{started: make(chan string, 2), release: make(chan struct{})}
	g := NewGateway(w)

	var wg sync.WaitGroup
	wg.Go(func() {
		_, _ = g.Submit(context.Background(), rec, Request{Action: ActionSetRuleEnabled, EntityID: "r1", Enabled: true})
	})
	if got := <-w.started; got != "enable-rule r1 true" {
		t.Fatalf("first call = %q", got)
	}

	wg.Go(func() {
		_, _ = g.Submit(context.Background(), rec, Request{Action: ActionSetRuleEnabled, EntityID: "r1", Enabled: false})
	})

	// the second overlay is visible at once, but its write waits
	deadline := time.Now().Add(time.Second)
	for len(rec.View().Pending) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	e, _ := rec.Entity("r1")
	if enabled, _ := e.Field(entity.FieldEnabled); enabled != false {
		t.Fatalf("enabled = %v, want later submission to win", enabled)
	}
	select {
	case call := <-w.started:
		t.Fatalf("second write %q started before the first finished", call)
	case <-time.After(20 * time.Millisecond):
	}

	w.release <- struct{}{}
	if got := <-w.started; got != "enable-rule r1 false" {
		t.Fatalf("second call = %q", got)
	}
	w.release <- struct{}{}
	wg.Wait()
}

func TestSubmitAllArchivesResolvesSource(t *testing.T) {
	t.Parallel()

	rec := reconcile.New(entity.Key{Kind: entity.KindAllArchives, Scope: entity.Global})
	rec.Replace(reconcile.Snapshot{Entities: []entity.Entity{
		entity.FromArchive(entity.ArchivedRecording{JvmID: "jvm-1", Name: "a.jfr"}),
	}})
	w := &fakeWriter{}
	g := NewGateway(w)

	if _, err := g.Submit(context.Background(), rec, Request{Action: ActionDeleteArchived, EntityID: "jvm-1/a.jfr"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := w.Calls(); len(got) != 1 || got[0] != "delete-archived jvm-1 a.jfr" {
		t.Fatalf("calls = %v", got)
	}
	if len(rec.View().Items) != 0 {
		t.Fatalf("archive still visible after accepted delete")
	}
}

func TestSubmitStoreCredentialHasNoOverlay(t *testing.T) {
	t.Parallel()

	rec := reconcile.New(entity.Key{Kind: entity.KindCredential, Scope: entity.Global})
	g := NewGateway(&fakeWriter{})
	out, err := g.Submit(context.Background(), rec, Request{
		Action:     ActionStoreCredential,
		Credential: backend.CredentialInput{MatchExpression: "true", Username: "u", Password: "p"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.PendingID != "" || len(rec.View().Pending) != 0 {
		t.Fatalf("unexpected overlay: %+v", out)
	}
}
