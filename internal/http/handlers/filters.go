package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/filter"
)

type filtersResponse struct {
	Schema filter.Schema `json:"schema"`
	State  filter.State  `json:"state"`
}

type filterValueRequest struct {
	Category string `json:"category"`
	Value    string `json:"value"`
}

// HandleFilters returns the list's schema and the caller's filter state.
func (h *Handlers) HandleFilters(c *echo.Context) error {
	return h.updateFilters(c, nil)
}

// HandleAddFilter activates one value.
func (h *Handlers) HandleAddFilter(c *echo.Context) error {
	var req filterValueRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	return h.updateFilters(c, func(s filter.Schema, st filter.State) (filter.State, error) {
		return st.Add(s, req.Category, req.Value)
	})
}

// HandleSetActiveFilter switches the category whose input is shown.
func (h *Handlers) HandleSetActiveFilter(c *echo.Context) error {
	var req filterValueRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, err)
	}
	return h.updateFilters(c, func(s filter.Schema, st filter.State) (filter.State, error) {
		return st.SetActive(s, req.Category)
	})
}

// HandleClearFilters drops every value.
func (h *Handlers) HandleClearFilters(c *echo.Context) error {
	return h.updateFilters(c, func(_ filter.Schema, st filter.State) (filter.State, error) {
		return st.ClearAll(), nil
	})
}

// HandleClearFilterCategory drops every value of :category.
func (h *Handlers) HandleClearFilterCategory(c *echo.Context) error {
	category := c.Param("category")
	return h.updateFilters(c, func(s filter.Schema, st filter.State) (filter.State, error) {
		return st.Clear(s, category)
	})
}

// HandleRemoveFilter drops :value from :category.
func (h *Handlers) HandleRemoveFilter(c *echo.Context) error {
	category, value := c.Param("category"), c.Param("value")
	return h.updateFilters(c, func(s filter.Schema, st filter.State) (filter.State, error) {
		return st.Remove(s, category, value)
	})
}

// updateFilters loads the caller's state, applies fn when set, saves and
// returns the result.
func (h *Handlers) updateFilters(c *echo.Context, fn func(filter.Schema, filter.State) (filter.State, error)) error {
	key, err := viewKey(c)
	if err != nil {
		return keyError(c, err)
	}
	ctx := c.Request().Context()
	schema := filter.SchemaFor(key.Kind)
	st, err := h.filters().Load(ctx, key)
	if err != nil {
		return h.RenderError(c, err)
	}
	if fn != nil {
		next, err := fn(schema, st)
		if err != nil {
			if isFilterInputError(err) {
				return badRequest(c, err)
			}
			return h.RenderError(c, err)
		}
		if err := h.saveFilters(c, key, next); err != nil {
			return h.RenderError(c, err)
		}
		st = next
	}
	return c.JSON(http.StatusOK, filtersResponse{Schema: schema, State: st})
}

func (h *Handlers) saveFilters(c *echo.Context, key entity.Key, st filter.State) error {
	ctx := c.Request().Context()
	if st.Empty() && st.Active == filter.SchemaFor(key.Kind).Default() {
		return h.filters().Delete(ctx, key)
	}
	return h.filters().Save(ctx, key, st)
}

func isFilterInputError(err error) bool {
	return errors.Is(err, filter.ErrUnknownCategory) || errors.Is(err, filter.ErrEmptyValue)
}
