package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/flightdeck-io/flightdeck/internal/backend"
	"github.com/flightdeck-io/flightdeck/internal/mutation"
)

// HandleMutation submits one write against the list. The speculative change
// is already visible when the write returns; a failed write is rolled back
// before the error response.
func (h *Handlers) HandleMutation(c *echo.Context) error {
	key, err := viewKey(c)
	if err != nil {
		return keyError(c, err)
	}
	var req mutation.Request
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}

	v, release, err := h.Views.Acquire(key)
	if err != nil {
		return h.RenderError(c, err)
	}
	defer release()

	outcome, err := v.Submit(c.Request().Context(), req)
	if err != nil {
		return h.mutationError(c, req, err)
	}
	return c.JSON(http.StatusAccepted, outcome)
}

func (h *Handlers) mutationError(c *echo.Context, req mutation.Request, err error) error {
	switch {
	case errors.Is(err, mutation.ErrUnsupportedAction), errors.Is(err, mutation.ErrInvalidRequest):
		return badRequest(c, err)
	case errors.Is(err, mutation.ErrUnknownEntity):
		return c.JSON(http.StatusNotFound, apiError{Error: err.Error()})
	}

	var me *backend.MutationError
	if !errors.As(err, &me) {
		return h.RenderError(c, err)
	}
	c.Logger().Warn("write failed",
		"request_id", c.Get(ContextKeyRequestID),
		"action", req.Action,
		"entity", req.EntityID,
		"reason", me.Reason,
		"error", err,
	)
	if me.Reason == backend.MutationRejected {
		return c.JSON(http.StatusConflict, apiError{
			Error: "rejected",
			Toast: newToast("error", "The backend rejected the change", string(req.Action)),
		})
	}
	return c.JSON(http.StatusBadGateway, apiError{
		Error: "network",
		Toast: newToast("error", "The change could not be sent", "Check the connection to the backend and try again."),
	})
}
