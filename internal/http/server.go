package httpapp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/flightdeck-io/flightdeck/internal/http/handlers"
	"github.com/flightdeck-io/flightdeck/internal/logging"
	"github.com/flightdeck-io/flightdeck/internal/settings"
	"github.com/flightdeck-io/flightdeck/internal/view"
)

// Deps are the services the console API serves.
type Deps struct {
	Views    *view.Manager
	Settings *settings.Service
	// Sessions keeps per-browser filter state. Without it filter state is
	// shared by every caller.
	Sessions *scs.SessionManager
	Logger   *slog.Logger
}

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	h        *handlers.Handlers
	e        *echo.Echo
	sessions *scs.SessionManager
}

// NewEchoServer creates a new HTTP server.
func NewEchoServer(deps Deps) (*EchoServer, error) {
	if deps.Views == nil {
		return nil, errors.New("view manager is required")
	}
	h := &handlers.Handlers{Views: deps.Views, Settings: deps.Settings}
	if deps.Sessions != nil {
		h.Filters = handlers.SessionFilters{Sessions: deps.Sessions}
	}

	e := echo.New()
	if deps.Logger != nil {
		e.Logger = deps.Logger
	}
	es := &EchoServer{h: h, e: e, sessions: deps.Sessions}
	e.HTTPErrorHandler = es.httpErrorHandler
	e.Use(middleware.Recover())
	e.Use(requestID)
	es.registerRoutes()
	return es, nil
}

func (es *EchoServer) registerRoutes() {
	es.e.GET("/healthz", es.h.HandleHealthz)

	api := es.e.Group("/api/v1")
	api.GET("/kinds", es.h.HandleKinds)
	api.GET("/settings", es.h.HandleSettings)
	api.PUT("/settings", es.h.HandleUpdateSettings)

	views := api.Group("/views/:kind/:scope")
	views.GET("", es.h.HandleView)
	views.POST("/refresh", es.h.HandleRefresh)
	views.GET("/filters", es.h.HandleFilters)
	views.POST("/filters", es.h.HandleAddFilter)
	views.DELETE("/filters", es.h.HandleClearFilters)
	views.PUT("/filters/active", es.h.HandleSetActiveFilter)
	views.DELETE("/filters/:category", es.h.HandleClearFilterCategory)
	views.DELETE("/filters/:category/:value", es.h.HandleRemoveFilter)
	views.POST("/mutations", es.h.HandleMutation)
	views.GET("/watch", es.h.HandleWatch)
}

// requestID assigns X-Request-ID and a request-scoped logger.
func requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		req := c.Request()
		id := strings.TrimSpace(req.Header.Get(echo.HeaderXRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(handlers.ContextKeyRequestID, id)
		c.Response().Header().Set(echo.HeaderXRequestID, id)

		logger := c.Logger().With("request_id", id)
		c.SetRequest(req.WithContext(logging.WithContext(req.Context(), logger)))
		return next(c)
	}
}

func (es *EchoServer) httpErrorHandler(c *echo.Context, err error) {
	if err == nil {
		return
	}
	status := httpStatusFromError(err)
	switch {
	case status == http.StatusNotFound:
		_ = handlers.RenderNotFound(c)
	case status >= http.StatusInternalServerError:
		_ = es.h.RenderError(c, err)
	default:
		_ = c.String(status, http.StatusText(status))
	}
}

func httpStatusFromError(err error) int {
	var coder interface{ StatusCode() int }
	if errors.As(err, &coder) {
		if code := coder.StatusCode(); code >= 400 && code <= 599 {
			return code
		}
	}
	return http.StatusInternalServerError
}

// Handler returns the root handler, with sessions loaded and saved around
// every request when configured.
func (es *EchoServer) Handler() http.Handler {
	if es.sessions == nil {
		return es.e
	}
	saved := es.sessions.LoadAndSave(es.e)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			saved.ServeHTTP(w, r)
			return
		}
		// an upgrade needs the raw writer, so the session is loaded read-only
		token := ""
		if cookie, err := r.Cookie(es.sessions.Cookie.Name); err == nil {
			token = cookie.Value
		}
		ctx, err := es.sessions.Load(r.Context(), token)
		if err != nil {
			es.e.Logger.Error("load session failed", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		es.e.ServeHTTP(w, r.WithContext(ctx))
	})
}

// StartServer serves on server until it is shut down.
func (es *EchoServer) StartServer(server *http.Server) error {
	server.Handler = es.Handler()
	return server.ListenAndServe()
}

// Shutdown gracefully shuts down server.
func (es *EchoServer) Shutdown(ctx context.Context, server *http.Server) error {
	return server.Shutdown(ctx)
}
