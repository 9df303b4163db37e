package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, StaticToken("tok"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewValidatesBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := New("", nil); err == nil {
		t.Fatalf("expected error for empty base URL")
	}
	if _, err := New("not a url", nil); err == nil {
		t.Fatalf("expected error for relative base URL")
	}
	c, err := New("https://backend.example.com/", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.HTTP == nil || c.HTTP.Timeout <= 0 || c.HTTP.Jar == nil {
		t.Fatalf("expected HTTP client with timeout and cookie jar")
	}
	if got := c.NotificationsURL(); got != "wss://backend.example.com/api/notifications" {
		t.Fatalf("NotificationsURL() = %q", got)
	}
}

func TestClientRetriesOn503(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"name":"r1","enabled":true}]`))
	}))

	rules, err := c.ListRules(context.Background())
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(rules) != 1 || rules[0].Name != "r1" || !rules[0].Enabled {
		t.Fatalf("rules = %+v", rules)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestFetchErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   FetchReason
	}{
		{http.StatusUnauthorized, FetchAuthorization},
		{http.StatusForbidden, FetchAuthorization},
		{http.StatusInternalServerError, FetchServer},
		{http.StatusNotFound, FetchServer},
	}
	for _, tt := range tests {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))
		_, err := c.ListCredentials(context.Background())
		var fe *FetchError
		if !errors.As(err, &fe) {
			t.Fatalf("status %d: error %T %v, want *FetchError", tt.status, err, err)
		}
		if fe.Reason != tt.want || fe.Status != tt.status {
			t.Fatalf("status %d: reason = %s status = %d", tt.status, fe.Reason, fe.Status)
		}
		if !strings.Contains(err.Error(), "nope") {
			t.Fatalf("error should carry the API message: %v", err)
		}
		if IsAuthorization(err) != (tt.want == FetchAuthorization) {
			t.Fatalf("IsAuthorization mismatch for %d", tt.status)
		}
	}
}

func TestNetworkFailureIsFetchNetwork(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.HTTP.Timeout = 500 * time.Millisecond
	_, err = c.ListTargets(context.Background())
	if FetchReasonOf(err) != FetchNetwork {
		t.Fatalf("reason = %s, err = %v", FetchReasonOf(err), err)
	}
}

func TestRecordingsResolveTargetID(t *testing.T) {
	t.Parallel()

	var targetCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/targets", func(w http.ResponseWriter, r *http.Request) {
		targetCalls.Add(1)
		_, _ = w.Write([]byte(`[{"id":12,"jvmId":"jvm-a","connectUrl":"svc://a"}]`))
	})
	mux.HandleFunc("GET /api/v3/targets/12/recordings", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1,"remoteId":5,"name":"rec","state":"RUNNING","metadata":{"labels":{"a":"b"}}}]`))
	})
	c := newTestClient(t, mux)

	for range 2 {
		recs, err := c.ListRecordings(context.Background(), "jvm-a")
		if err != nil {
			t.Fatalf("ListRecordings: %v", err)
		}
		if len(recs) != 1 || recs[0].RemoteID != 5 || recs[0].Metadata.Labels.Map()["a"] != "b" {
			t.Fatalf("recordings = %+v", recs)
		}
	}
	if targetCalls.Load() != 1 {
		t.Fatalf("target list fetched %d times, want cached", targetCalls.Load())
	}

	_, err := c.ListRecordings(context.Background(), "jvm-missing")
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("unknown target error = %v", err)
	}
}

func TestGraphQLArchives(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/graphql", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !strings.Contains(req.Query, "archivedRecordings") {
			t.Errorf("unexpected query %q", req.Query)
		}
		_, _ = w.Write([]byte(`{"data":{"archivedRecordings":{"data":[
			{"jvmId":"j1","name":"a.jfr","size":3,"metadata":{"labels":[{"key":"k","value":"v"}]}},
			{"jvmId":"j2","name":"a.jfr","size":4}
		]}}}`))
	})
	c := newTestClient(t, mux)

	got, err := c.ListAllArchives(context.Background())
	if err != nil {
		t.Fatalf("ListAllArchives: %v", err)
	}
	if len(got) != 2 || got[0].JvmID != "j1" || got[1].Size != 4 {
		t.Fatalf("archives = %+v", got)
	}
}

func TestGraphQLErrorsAreFetchErrors(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"Unauthorized"}]}`))
	}))
	_, err := c.ListAllArchives(context.Background())
	if !errors.Is(err, ErrGraphQL) || !IsAuthorization(err) {
		t.Fatalf("error = %v", err)
	}
}

func TestWritesAreNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	err := c.DeleteRule(context.Background(), "r1", true)
	var me *MutationError
	if !errors.As(err, &me) || me.Reason != MutationRejected || me.Status != http.StatusServiceUnavailable {
		t.Fatalf("DeleteRule error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestWriteRequests(t *testing.T) {
	t.Parallel()

	type seen struct {
		method, path, query, contentType, body string
	}
	var last atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/targets", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":3,"jvmId":"jvm-a"}]`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		last.Store(seen{r.Method, r.URL.EscapedPath(), r.URL.RawQuery, r.Header.Get("Content-Type"), string(b)})
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	tests := []struct {
		name  string
		call  func() error
		check func(s seen) bool
	}{
		{"stop", func() error { return c.StopRecording(ctx, "jvm-a", 9) }, func(s seen) bool {
			return s.method == http.MethodPatch && s.path == "/api/v3/targets/3/recordings/9" && s.body == "STOP"
		}},
		{"archive", func() error { return c.ArchiveRecording(ctx, "jvm-a", 9) }, func(s seen) bool {
			return s.method == http.MethodPatch && s.body == "SAVE"
		}},
		{"delete recording", func() error { return c.DeleteRecording(ctx, "jvm-a", 9) }, func(s seen) bool {
			return s.method == http.MethodDelete && s.path == "/api/v3/targets/3/recordings/9"
		}},
		{"labels", func() error { return c.UpdateRecordingLabels(ctx, "jvm-a", 9, map[string]string{"k": "v"}) }, func(s seen) bool {
			return s.path == "/api/v3/targets/3/recordings/9/metadata/labels" && strings.Contains(s.body, `"key":"k"`)
		}},
		{"delete archive", func() error { return c.DeleteArchivedRecording(ctx, "jvm a", "x.jfr") }, func(s seen) bool {
			return s.method == http.MethodDelete && s.path == "/api/beta/fs/recordings/jvm%20a/x.jfr"
		}},
		{"toggle rule", func() error { return c.SetRuleEnabled(ctx, "r1", false) }, func(s seen) bool {
			return s.method == http.MethodPatch && s.path == "/api/v3/rules/r1" && strings.Contains(s.body, `"enabled":false`)
		}},
		{"delete rule", func() error { return c.DeleteRule(ctx, "r1", true) }, func(s seen) bool {
			return s.query == "clean=true"
		}},
		{"store credential", func() error {
			return c.StoreCredential(ctx, CredentialInput{MatchExpression: "true", Username: "u", Password: "p"})
		}, func(s seen) bool {
			return strings.HasPrefix(s.contentType, "multipart/form-data") && strings.Contains(s.body, "matchExpression")
		}},
		{"delete credential", func() error { return c.DeleteCredential(ctx, 4) }, func(s seen) bool {
			return s.path == "/api/v3/credentials/4"
		}},
		{"upload template", func() error { return c.UploadEventTemplate(ctx, "t.jfc", strings.NewReader("<xml/>")) }, func(s seen) bool {
			return s.path == "/api/v3/event_templates" && strings.Contains(s.body, "<xml/>")
		}},
		{"delete probe", func() error { return c.DeleteProbeTemplate(ctx, "p.xml") }, func(s seen) bool {
			return s.method == http.MethodDelete && s.path == "/api/v3/probes/p.xml"
		}},
	}

	for _, tt := range tests {
		if err := tt.call(); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		s, _ := last.Load().(seen)
		if !tt.check(s) {
			t.Fatalf("%s: unexpected request %+v", tt.name, s)
		}
	}
}

func TestCreateRecordingSendsForm(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/targets", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":3,"jvmId":"jvm-a"}]`))
	})
	mux.HandleFunc("POST /api/v3/targets/3/recordings", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		if r.FormValue("recordingName") != "profile" || r.FormValue("events") != "template=Continuous,type=TARGET" {
			t.Errorf("form = %v", r.MultipartForm.Value)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1,"remoteId":7,"name":"profile","state":"RUNNING"}`))
	})
	c := newTestClient(t, mux)

	rec, err := c.CreateRecording(context.Background(), "jvm-a", RecordingOptions{Name: "profile", TemplateName: "Continuous"})
	if err != nil {
		t.Fatalf("CreateRecording: %v", err)
	}
	if rec.RemoteID != 7 || rec.State != "RUNNING" {
		t.Fatalf("recording = %+v", rec)
	}
}

func TestBackoffDelayCaps(t *testing.T) {
	t.Parallel()

	if got := backoffDelay(0); got != 200*time.Millisecond {
		t.Fatalf("backoffDelay(0) = %v", got)
	}
	if got := backoffDelay(10); got != 5*time.Second {
		t.Fatalf("backoffDelay(10) = %v", got)
	}
}
