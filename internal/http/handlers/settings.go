package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/flightdeck-io/flightdeck/internal/settings"
)

// HandleSettings returns the current preferences.
func (h *Handlers) HandleSettings(c *echo.Context) error {
	if h.Settings == nil {
		return c.JSON(http.StatusOK, settings.Defaults())
	}
	return c.JSON(http.StatusOK, h.Settings.Get())
}

// HandleUpdateSettings replaces the preferences. Open lists pick up a new
// refresh period right away.
func (h *Handlers) HandleUpdateSettings(c *echo.Context) error {
	if h.Settings == nil {
		return c.JSON(http.StatusServiceUnavailable, apiError{Error: "settings are not configured"})
	}
	var body settings.Settings
	if err := c.Bind(&body); err != nil {
		return badRequest(c, err)
	}
	next, err := h.Settings.Update(c.Request().Context(), func(s *settings.Settings) {
		*s = body
	})
	if err != nil {
		if errors.Is(err, settings.ErrInvalidSettings) {
			return badRequest(c, err)
		}
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, next)
}
