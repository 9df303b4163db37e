// Package handlers contains the console API handlers split by resource.
package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"

	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/filter"
	"github.com/flightdeck-io/flightdeck/internal/settings"
	"github.com/flightdeck-io/flightdeck/internal/snapshot"
	"github.com/flightdeck-io/flightdeck/internal/view"
)

const (
	// ContextKeyRequestID stores the request id (X-Request-ID) for logging and client error references.
	ContextKeyRequestID = "request_id"

	// InternalErrorCode is a stable error code safe to return to clients.
	InternalErrorCode = "INTERNAL_ERROR"
)

// Handlers groups all HTTP handlers and shared dependencies.
type Handlers struct {
	Views    *view.Manager
	Settings *settings.Service
	// Filters defaults to a process-wide memory store.
	Filters  filter.Store
	Upgrader websocket.Upgrader
}

// apiError is the body of every 4xx response.
type apiError struct {
	Error string `json:"error"`
	Toast *toast `json:"toast,omitempty"`
}

func badRequest(c *echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, apiError{Error: err.Error()})
}

func (h *Handlers) filters() filter.Store {
	if h.Filters == nil {
		h.Filters = filter.NewMemoryStore()
	}
	return h.Filters
}

// viewKey reads :kind and :scope. Unknown kinds are 404; a scope the kind
// does not accept is 400.
func viewKey(c *echo.Context) (entity.Key, error) {
	kind, ok := entity.ParseKind(c.Param("kind"))
	if !ok {
		return entity.Key{}, echo.ErrNotFound
	}
	scope := entity.ParseScope(c.Param("scope"))
	if err := snapshot.CheckScope(kind, scope); err != nil {
		return entity.Key{}, err
	}
	return entity.Key{Kind: kind, Scope: scope}, nil
}

// keyError turns a viewKey failure into a response.
func keyError(c *echo.Context, err error) error {
	if errors.Is(err, snapshot.ErrScopeRequired) || errors.Is(err, snapshot.ErrUnexpectedScope) {
		return badRequest(c, err)
	}
	return err
}

// RenderError returns a plain text error response.
func (h *Handlers) RenderError(c *echo.Context, err error) error {
	requestID, _ := c.Get(ContextKeyRequestID).(string)
	path := ""
	if req := c.Request(); req != nil && req.URL != nil {
		path = req.URL.Path
	}
	method := ""
	if req := c.Request(); req != nil {
		method = req.Method
	}
	c.Logger().Error("http error",
		"request_id", requestID,
		"method", method,
		"path", path,
		"ip", c.RealIP(),
		"error", err,
	)

	msg := "Internal server error."
	if requestID != "" {
		msg = fmt.Sprintf("%s Reference: %s.", msg, requestID)
	}
	msg = fmt.Sprintf("%s Code: %s.", msg, InternalErrorCode)
	return c.String(http.StatusInternalServerError, msg)
}

// RenderNotFound returns a 404 response.
func RenderNotFound(c *echo.Context) error {
	return c.String(http.StatusNotFound, "404 page not found")
}

// HandleHealthz reports liveness.
func (h *Handlers) HandleHealthz(c *echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
