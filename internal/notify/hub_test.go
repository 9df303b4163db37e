package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/notifications"
}

type collector struct {
	mu   sync.Mutex
	msgs []Message
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) handle(m Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
}

// drain reads until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestHubDeliversInOrderByCategory(t *testing.T) {
	t.Parallel()

	var auth atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []Message{
			{Category: RuleCreated, Payload: json.RawMessage(`{"name":"r1"}`)},
			{Category: TargetFound, Payload: json.RawMessage(`{"connectUrl":"svc://a"}`)},
			{Category: RuleDeleted, Payload: json.RawMessage(`{"name":"r1"}`)},
		}
		for _, f := range frames {
			data, _ := Encode(f)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		drain(conn)
	}))
	defer ts.Close()

	hub := NewHub(wsURL(ts), WithLogger(quietLogger()), WithToken(func(context.Context) (string, error) {
		return "s3cret", nil
	}))
	rules := newCollector()
	targets := newCollector()
	cancelRules := hub.Subscribe([]Category{RuleCreated, RuleDeleted}, rules.handle)
	defer cancelRules()
	cancelTargets := hub.Subscribe([]Category{TargetFound}, targets.handle)
	defer cancelTargets()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	got := rules.wait(t, 2)
	if got[0].Category != RuleCreated || got[1].Category != RuleDeleted {
		t.Fatalf("rule order = %v, %v", got[0].Category, got[1].Category)
	}
	if tg := targets.wait(t, 1); tg[0].Category != TargetFound {
		t.Fatalf("target message = %+v", tg[0])
	}
	if v, _ := auth.Load().(string); v != "Bearer s3cret" {
		t.Fatalf("Authorization header = %q", v)
	}
	if !hub.Connected() {
		t.Fatalf("hub should report connected")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run() did not stop on cancel")
	}
}

func TestHubReconnectsAndCallsOnConnect(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		if n == 1 {
			// drop the first connection straight away
			_ = conn.Close()
			return
		}
		defer conn.Close()
		drain(conn)
	}))
	defer ts.Close()

	hub := NewHub(wsURL(ts), WithLogger(quietLogger()), WithBackoff(5*time.Millisecond, 20*time.Millisecond))
	connected := make(chan struct{}, 4)
	stop := hub.OnConnect(func() { connected <- struct{}{} })
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(5 * time.Second):
			t.Fatalf("OnConnect call %d missing", i+1)
		}
	}
	if conns.Load() < 2 {
		t.Fatalf("connections = %d, want a reconnect", conns.Load())
	}
}

func TestDispatchAfterCancelIsNotDelivered(t *testing.T) {
	t.Parallel()

	hub := NewHub("ws://unused", WithLogger(quietLogger()))
	c := newCollector()
	cancel := hub.Subscribe([]Category{RuleCreated}, c.handle)

	if n := hub.Dispatch(Message{Category: RuleCreated}); n != 1 {
		t.Fatalf("Dispatch() = %d, want 1", n)
	}
	if n := hub.Dispatch(Message{Category: RuleDeleted}); n != 0 {
		t.Fatalf("Dispatch(unsubscribed category) = %d", n)
	}
	if cats := hub.Categories(); len(cats) != 1 || cats[0] != RuleCreated {
		t.Fatalf("Categories() = %v", cats)
	}

	cancel()
	cancel()
	if n := hub.Dispatch(Message{Category: RuleCreated}); n != 0 {
		t.Fatalf("Dispatch() after cancel = %d", n)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()

	hub := NewHub("ws://unused", WithBackoff(100*time.Millisecond, time.Second))
	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for attempt, w := range want {
		if got := hub.backoff(attempt); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}
