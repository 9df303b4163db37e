// Package backend is the REST and GraphQL client for the monitoring backend.
// Reads return *FetchError, writes return *MutationError.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	maxRetryAfter  = 30 * time.Second
	userAgent      = "flightdeck"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token. The empty token sends no Authorization header.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

type Client struct {
	BaseURL string
	Tokens  TokenSource
	HTTP    *http.Client

	mu        sync.Mutex
	targetIDs map[string]int64
}

// New creates a client. Cookies set by the backend (or an auth proxy in front
// of it) are kept per registrable domain.
func New(baseURL string, tokens TokenSource) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("backend base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend base URL %q is not absolute", baseURL)
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &Client{
		BaseURL:   base,
		Tokens:    tokens,
		HTTP:      &http.Client{Timeout: defaultTimeout, Jar: jar},
		targetIDs: map[string]int64{},
	}, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return &http.Client{Timeout: defaultTimeout}
	}
	if c.HTTP.Timeout > 0 {
		return c.HTTP
	}
	copy := *c.HTTP
	copy.Timeout = defaultTimeout
	return &copy
}

// NotificationsURL derives the websocket URL of the push channel.
func (c *Client) NotificationsURL() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/notifications"
	u.RawQuery = ""
	return u.String()
}

func (c *Client) endpoint(path string) string {
	return c.BaseURL + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, err
	}
	tok, err := c.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend token: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// getJSON performs a read with retries and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	body, err := c.read(ctx, op, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &FetchError{Reason: FetchServer, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// read sends an idempotent request, retrying throttling, gateway errors and
// network timeouts.
func (c *Client) read(ctx context.Context, op, method, path string, payload []byte, contentType string) ([]byte, error) {
	httpClient := c.httpClient()

	var resp *http.Response
	var body []byte
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &FetchError{Reason: FetchNetwork, Op: op, Err: err}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := c.newRequest(ctx, method, path, reader, contentType)
		if err != nil {
			return nil, &FetchError{Reason: FetchNetwork, Op: op, Err: err}
		}

		resp, err = httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries && shouldRetryError(ctx, err) {
				if err := sleepWithContext(ctx, backoffDelay(attempt)); err != nil {
					return nil, &FetchError{Reason: FetchNetwork, Op: op, Err: err}
				}
				continue
			}
			return nil, &FetchError{Reason: FetchNetwork, Op: op, Err: err}
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		resp.Body.Close()
		if err != nil {
			return nil, &FetchError{Reason: FetchNetwork, Op: op, Err: err}
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}
		if attempt < maxRetries && shouldRetryStatus(resp) {
			if err := sleepWithContext(ctx, retryDelay(resp, attempt)); err != nil {
				return nil, &FetchError{Reason: FetchNetwork, Op: op, Err: err}
			}
			continue
		}
		break
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := c.Tokens.(interface{ Invalidate() }); ok {
			inv.Invalidate()
		}
	}
	return nil, &FetchError{
		Reason: fetchReasonForStatus(resp.StatusCode),
		Op:     op,
		Status: resp.StatusCode,
		Err:    formatAPIError(c.endpoint(path), resp, body),
	}
}

// write sends a single non-idempotent request. Any non-2xx status is a
// rejection; nothing is retried.
func (c *Client) write(ctx context.Context, op, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return nil, &MutationError{Reason: MutationNetwork, Op: op, Err: err}
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, &MutationError{Reason: MutationNetwork, Op: op, Err: err}
	}
	defer drainAndClose(resp.Body)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &MutationError{Reason: MutationNetwork, Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &MutationError{
			Reason: MutationRejected,
			Op:     op,
			Status: resp.StatusCode,
			Err:    formatAPIError(c.endpoint(path), resp, data),
		}
	}
	return data, nil
}

func (c *Client) writeJSON(ctx context.Context, op, method, path string, in any) ([]byte, error) {
	if in == nil {
		return c.write(ctx, op, method, path, nil, "")
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, &MutationError{Reason: MutationRejected, Op: op, Err: err}
	}
	return c.write(ctx, op, method, path, bytes.NewReader(payload), "application/json")
}

func formatAPIError(reqURL string, resp *http.Response, body []byte) error {
	message := extractAPIErrorMessage(body)
	details := safeURL(reqURL)
	if message != "" {
		return fmt.Errorf("%s: %s (url=%s)", resp.Status, message, details)
	}
	return fmt.Errorf("%s (url=%s)", resp.Status, details)
}

func extractAPIErrorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return ""
	}
	// Skip HTML error pages from proxies.
	if strings.HasPrefix(msg, "<!DOCTYPE html") || strings.HasPrefix(msg, "<html") {
		return ""
	}
	msg = strings.Join(strings.Fields(msg), " ")
	const maxLen = 300
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}
	return msg
}

func safeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Scheme + "://" + u.Host + u.Path
}

func shouldRetryStatus(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func shouldRetryError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func retryDelay(resp *http.Response, attempt int) time.Duration {
	if d := retryAfter(resp); d > 0 {
		return d
	}
	return backoffDelay(attempt)
}

func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return min(time.Duration(secs)*time.Second, maxRetryAfter)
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return min(d, maxRetryAfter)
	}
	return 0
}

func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}
	d := 200 * time.Millisecond
	for range attempt {
		d *= 2
		if d >= 5*time.Second {
			return 5 * time.Second
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

func drainAndClose(r io.ReadCloser) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 1<<20))
	_ = r.Close()
}
