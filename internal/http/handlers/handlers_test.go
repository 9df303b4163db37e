package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/labstack/echo/v5"

	"github.com/flightdeck-io/flightdeck/internal/backend"
	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/filter"
	"github.com/flightdeck-io/flightdeck/internal/mutation"
	"github.com/flightdeck-io/flightdeck/internal/reconcile"
	"github.com/flightdeck-io/flightdeck/internal/settings"
	"github.com/flightdeck-io/flightdeck/internal/snapshot"
	"github.com/flightdeck-io/flightdeck/internal/view"
)

func newTestContext(method, target string, body string) (*echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withPath(c *echo.Context, kind, scope string, extra ...echo.PathValue) {
	values := echo.PathValues{{Name: "kind", Value: kind}, {Name: "scope", Value: scope}}
	c.SetPathValues(append(values, extra...))
}

func withSession(t *testing.T, c *echo.Context) *scs.SessionManager {
	t.Helper()
	sessions := scs.New()
	ctx, err := sessions.Load(c.Request().Context(), "")
	if err != nil {
		t.Fatalf("sessions.Load() error = %v", err)
	}
	c.SetRequest(c.Request().WithContext(ctx))
	return sessions
}

func rule(name string, enabled bool) entity.Entity {
	return entity.Entity{
		Kind:   entity.KindRule,
		ID:     name,
		Scope:  entity.Global,
		Fields: map[string]any{entity.FieldName: name, "enabled": enabled},
	}
}

func newManager(t *testing.T, loader snapshot.Loader) *view.Manager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m := view.NewManager(ctx, view.Config{
		Loaders: map[entity.Kind]snapshot.Loader{entity.KindRule: loader},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, time.Minute)
	t.Cleanup(func() {
		m.Close()
		cancel()
	})
	return m
}

func readyRules(t *testing.T, m *view.Manager) {
	t.Helper()
	v, release, err := m.Acquire(entity.Key{Kind: entity.KindRule, Scope: entity.Global})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()
	deadline := time.Now().Add(2 * time.Second)
	for v.Snapshot().State != reconcile.StateReady {
		if time.Now().After(deadline) {
			t.Fatalf("view never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleViewAppliesSessionFilters(t *testing.T) {
	m := newManager(t, snapshot.LoaderFunc(func(context.Context, entity.Scope) (reconcile.Snapshot, error) {
		return reconcile.Snapshot{Entities: []entity.Entity{rule("cpu-hot", true), rule("gc-pause", false)}}, nil
	}))
	readyRules(t, m)

	c, rec := newTestContext(http.MethodGet, "/api/v1/views/rules/*", "")
	withPath(c, "rules", "*")
	sessions := withSession(t, c)
	h := &Handlers{Views: m, Filters: SessionFilters{Sessions: sessions}}

	key := entity.Key{Kind: entity.KindRule, Scope: entity.Global}
	st, err := filter.NewState(filter.SchemaFor(entity.KindRule)).Add(filter.SchemaFor(entity.KindRule), filter.CategoryName, "GC")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := h.Filters.Save(c.Request().Context(), key, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := h.HandleView(c); err != nil {
		t.Fatalf("HandleView() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got viewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 2 || len(got.Items) != 1 || got.Items[0].ID != "gc-pause" {
		t.Fatalf("items = %+v (total %d), want only gc-pause of 2", got.Items, got.Total)
	}
	if got.State != reconcile.StateReady {
		t.Fatalf("state = %v, want ready", got.State)
	}
}

func TestHandleViewHidesBackendErrorDetail(t *testing.T) {
	m := newManager(t, snapshot.LoaderFunc(func(context.Context, entity.Scope) (reconcile.Snapshot, error) {
		return reconcile.Snapshot{}, &backend.FetchError{Reason: backend.FetchAuthorization, Op: "list rules", Status: http.StatusUnauthorized, Err: errors.New("token abc123 expired")}
	}))
	key := entity.Key{Kind: entity.KindRule, Scope: entity.Global}
	v, release, err := m.Acquire(key)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()
	deadline := time.Now().Add(2 * time.Second)
	for v.Snapshot().State != reconcile.StateError {
		if time.Now().After(deadline) {
			t.Fatalf("view never failed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c, rec := newTestContext(http.MethodGet, "/api/v1/views/rules/*", "")
	withPath(c, "rules", "*")
	h := &Handlers{Views: m}
	if err := h.HandleView(c); err != nil {
		t.Fatalf("HandleView() error = %v", err)
	}
	body := rec.Body.String()
	if strings.Contains(body, "abc123") {
		t.Fatalf("response leaked error details: %q", body)
	}
	var got viewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Retry != "auth" || got.Error == "" {
		t.Fatalf("retry = %q error = %q, want auth retry with message", got.Retry, got.Error)
	}
}

func TestViewKeyValidation(t *testing.T) {
	h := &Handlers{}

	t.Run("unknown kind", func(t *testing.T) {
		c, _ := newTestContext(http.MethodGet, "/api/v1/views/nope/*", "")
		withPath(c, "nope", "*")
		err := h.HandleView(c)
		if !errors.Is(err, echo.ErrNotFound) {
			t.Fatalf("err = %v, want echo.ErrNotFound", err)
		}
	})

	t.Run("scoped kind without target", func(t *testing.T) {
		c, rec := newTestContext(http.MethodGet, "/api/v1/views/active-recordings/*", "")
		withPath(c, string(entity.KindActiveRecording), "*")
		if err := h.HandleView(c); err != nil {
			t.Fatalf("HandleView() error = %v", err)
		}
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})
}

func TestFilterHandlersRoundTripThroughSession(t *testing.T) {
	h := &Handlers{}
	c, rec := newTestContext(http.MethodPost, "/api/v1/views/rules/*/filters", `{"category":"Name","value":"cpu"}`)
	withPath(c, "rules", "*")
	sessions := withSession(t, c)
	h.Filters = SessionFilters{Sessions: sessions}

	if err := h.HandleAddFilter(c); err != nil {
		t.Fatalf("HandleAddFilter() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	key := entity.Key{Kind: entity.KindRule, Scope: entity.Global}
	st, err := h.Filters.Load(c.Request().Context(), key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := st.Values[filter.CategoryName]; len(got) != 1 || got[0] != "cpu" {
		t.Fatalf("values = %v, want [cpu]", got)
	}

	c2, rec2 := newTestContext(http.MethodDelete, "/api/v1/views/rules/*/filters/Name/cpu", "")
	c2.SetRequest(c2.Request().WithContext(c.Request().Context()))
	withPath(c2, "rules", "*", echo.PathValue{Name: "category", Value: "Name"}, echo.PathValue{Name: "value", Value: "cpu"})
	if err := h.HandleRemoveFilter(c2); err != nil {
		t.Fatalf("HandleRemoveFilter() error = %v", err)
	}
	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec2.Code, http.StatusOK)
	}
	st, _ = h.Filters.Load(c.Request().Context(), key)
	if !st.Empty() {
		t.Fatalf("state = %+v, want empty", st)
	}
}

func TestFilterHandlersRejectUnknownCategory(t *testing.T) {
	h := &Handlers{}
	c, rec := newTestContext(http.MethodPost, "/api/v1/views/rules/*/filters", `{"category":"Duration","value":"1..2"}`)
	withPath(c, "rules", "*")

	if err := h.HandleAddFilter(c); err != nil {
		t.Fatalf("HandleAddFilter() error = %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestMutationErrorStatus(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantToast bool
	}{
		{"rejected", &backend.MutationError{Reason: backend.MutationRejected, Op: "delete rule", Status: http.StatusConflict, Err: errors.New("in use")}, http.StatusConflict, true},
		{"network", &backend.MutationError{Reason: backend.MutationNetwork, Op: "delete rule", Err: errors.New("dial tcp: refused")}, http.StatusBadGateway, true},
		{"invalid", mutation.ErrInvalidRequest, http.StatusBadRequest, false},
		{"unsupported", mutation.ErrUnsupportedAction, http.StatusBadRequest, false},
		{"unknown entity", mutation.ErrUnknownEntity, http.StatusNotFound, false},
		{"other", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newTestContext(http.MethodPost, "/api/v1/views/rules/*/mutations", "")
			h := &Handlers{}
			if err := h.mutationError(c, mutation.Request{Action: mutation.ActionDeleteRule, EntityID: "cpu"}, tt.err); err != nil {
				t.Fatalf("mutationError() error = %v", err)
			}
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if strings.Contains(rec.Body.String(), "refused") {
				t.Fatalf("response leaked error details: %q", rec.Body.String())
			}
			var body apiError
			_ = json.Unmarshal(rec.Body.Bytes(), &body)
			if got := body.Toast != nil; got != tt.wantToast {
				t.Fatalf("toast present = %v, want %v", got, tt.wantToast)
			}
		})
	}
}

func TestHandleKindsReportsDeleteConfirmation(t *testing.T) {
	svc, err := settings.NewService(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if _, err := svc.Update(context.Background(), func(s *settings.Settings) {
		s.ConfirmDelete = map[entity.Kind]bool{entity.KindRule: false}
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	c, rec := newTestContext(http.MethodGet, "/api/v1/kinds", "")
	h := &Handlers{Settings: svc}
	if err := h.HandleKinds(c); err != nil {
		t.Fatalf("HandleKinds() error = %v", err)
	}
	var kinds []kindResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &kinds); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(kinds) != len(entity.Kinds()) {
		t.Fatalf("kinds = %d, want %d", len(kinds), len(entity.Kinds()))
	}
	for _, k := range kinds {
		if want := k.Kind != entity.KindRule; k.ConfirmDelete != want {
			t.Fatalf("%s confirmDelete = %v, want %v", k.Kind, k.ConfirmDelete, want)
		}
	}
}

func TestHandleUpdateSettingsRejectsShortPeriod(t *testing.T) {
	svc, err := settings.NewService(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	c, rec := newTestContext(http.MethodPut, "/api/v1/settings", `{"autoRefresh":{"enabled":true,"period":"10ms"}}`)
	h := &Handlers{Settings: svc}
	if err := h.HandleUpdateSettings(c); err != nil {
		t.Fatalf("HandleUpdateSettings() error = %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if svc.Get().AutoRefresh.Enabled {
		t.Fatalf("invalid settings were applied")
	}
}

func TestNormalizeToastCategory(t *testing.T) {
	if got := normalizeToastCategory(" Error "); got != "error" {
		t.Fatalf("got %q, want error", got)
	}
	if got := normalizeToastCategory("loud"); got != "info" {
		t.Fatalf("got %q, want info", got)
	}
	if newToast("error", " ", "") != nil {
		t.Fatalf("empty toast should be nil")
	}
}

func TestViewResponseAfterAuthorizationFailureHasNoRows(t *testing.T) {
	key := entity.Key{Kind: entity.KindRule, Scope: entity.Global}
	r := reconcile.New(key)
	r.Replace(reconcile.Snapshot{Entities: []entity.Entity{rule("cpu-hot", true)}})
	r.Fail(&backend.FetchError{Reason: backend.FetchAuthorization, Op: "list rules", Status: http.StatusUnauthorized, Err: errors.New("unauthorized")}, true)

	full := r.View()
	st := filter.NewState(filter.SchemaFor(entity.KindRule))
	resp := newViewResponse(full, filter.Filter(full.Items, filter.SchemaFor(entity.KindRule), st), st)
	if resp.State != reconcile.StateError || resp.Retry != "auth" {
		t.Fatalf("state = %v retry = %q, want error/auth", resp.State, resp.Retry)
	}
	if len(resp.Items) != 0 || resp.Total != 0 {
		t.Fatalf("items = %+v total = %d, want no rows", resp.Items, resp.Total)
	}
	body, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(body), `"items":[]`) {
		t.Fatalf("body = %s, want an empty items array", body)
	}
}
