package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flightdeck-io/flightdeck/internal/metrics"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	pingPeriod        = 30 * time.Second
	pongWait          = 75 * time.Second
	writeWait         = 10 * time.Second
)

// TokenFunc returns the bearer token used when dialing.
type TokenFunc func(ctx context.Context) (string, error)

// Handler receives messages for the categories it subscribed to. Handlers run
// on the read loop, one message at a time, and must not block on I/O or call
// back into the Hub.
type Handler func(Message)

// Hub owns the one websocket connection to the backend's notification channel
// and multiplexes it by category. Messages are delivered in arrival order.
type Hub struct {
	url        string
	dialer     *websocket.Dialer
	token      TokenFunc
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	mu        sync.RWMutex
	nextID    int
	subs      map[int]subscription
	onConnect map[int]func()

	connected atomic.Bool
}

type subscription struct {
	categories map[Category]struct{}
	fn         Handler
}

// HubOption configures a Hub.
type HubOption func(*Hub)

func WithDialer(d *websocket.Dialer) HubOption {
	return func(h *Hub) {
		if d != nil {
			h.dialer = d
		}
	}
}

func WithToken(fn TokenFunc) HubOption {
	return func(h *Hub) { h.token = fn }
}

func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithBackoff bounds the reconnect delay.
func WithBackoff(minDelay, maxDelay time.Duration) HubOption {
	return func(h *Hub) {
		if minDelay > 0 {
			h.minBackoff = minDelay
		}
		if maxDelay >= h.minBackoff {
			h.maxBackoff = maxDelay
		}
	}
}

func NewHub(rawURL string, opts ...HubOption) *Hub {
	h := &Hub{
		url:        rawURL,
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		subs:       map[int]subscription{},
		onConnect:  map[int]func(){},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers fn for the given categories. The returned cancel func
// waits for an in-flight delivery to finish, so fn is never called after it
// returns.
func (h *Hub) Subscribe(categories []Category, fn Handler) func() {
	set := make(map[Category]struct{}, len(categories))
	for _, c := range categories {
		set[c] = struct{}{}
	}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = subscription{categories: set, fn: fn}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// OnConnect registers fn to run after every successful (re)connect. Events
// missed while disconnected are only recoverable by reloading.
func (h *Hub) OnConnect(fn func()) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.onConnect[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.onConnect, id)
			h.mu.Unlock()
		})
	}
}

// Connected reports whether the channel is currently up.
func (h *Hub) Connected() bool { return h.connected.Load() }

// Categories returns the union of subscribed categories, sorted.
func (h *Hub) Categories() []Category {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := map[Category]struct{}{}
	for _, s := range h.subs {
		for c := range s.categories {
			seen[c] = struct{}{}
		}
	}
	out := make([]Category, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Run connects and reads until ctx is done, reconnecting with capped
// exponential backoff. It only returns ctx's error.
func (h *Hub) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			metrics.HubReconnectsTotal.Inc()
			if err := sleepWithContext(ctx, h.backoff(attempt)); err != nil {
				return err
			}
		}

		conn, err := h.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			h.logger.Warn("notification channel dial failed", "url", safeURL(h.url), "attempt", attempt, "err", err)
			continue
		}

		err = h.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.logger.Warn("notification channel disconnected", "err", err)
		attempt = 1
	}
}

func (h *Hub) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if h.token != nil {
		tok, err := h.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("notification token: %w", err)
		}
		if tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	conn, resp, err := h.dialer.DialContext(ctx, h.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", safeURL(h.url), resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", safeURL(h.url), err)
	}
	return conn, nil
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn) error {
	h.connected.Store(true)
	metrics.HubConnected.Set(1)
	h.logger.Info("notification channel connected", "url", safeURL(h.url))

	done := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(done)
		_ = conn.Close()
		wg.Wait()
		h.connected.Store(false)
		metrics.HubConnected.Set(0)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	wg.Go(func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	})

	h.mu.RLock()
	callbacks := make([]func(), 0, len(h.onConnect))
	for _, fn := range h.onConnect {
		callbacks = append(callbacks, fn)
	}
	h.mu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.deliver(data)
	}
}

func (h *Hub) deliver(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrUnrecognizedCategory) {
			reason = "unrecognized"
		}
		metrics.NotificationsDroppedTotal.WithLabelValues("", reason).Inc()
		h.logger.Debug("notification dropped", "err", err)
		return
	}
	h.Dispatch(msg)
}

// Dispatch delivers msg to every matching subscriber and returns how many
// received it.
func (h *Hub) Dispatch(msg Message) int {
	metrics.NotificationsReceivedTotal.WithLabelValues(string(msg.Category)).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.subs {
		if _, ok := s.categories[msg.Category]; !ok {
			continue
		}
		s.fn(msg)
		n++
	}
	if n == 0 {
		h.logger.Debug("notification has no subscriber", "category", msg.Category)
	}
	return n
}

func (h *Hub) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := h.minBackoff
	for range attempt - 1 {
		d *= 2
		if d >= h.maxBackoff {
			return h.maxBackoff
		}
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func safeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
