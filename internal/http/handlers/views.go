package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/flightdeck-io/flightdeck/internal/backend"
	"github.com/flightdeck-io/flightdeck/internal/entity"
	"github.com/flightdeck-io/flightdeck/internal/filter"
	"github.com/flightdeck-io/flightdeck/internal/mutation"
	"github.com/flightdeck-io/flightdeck/internal/reconcile"
)

// kindResponse describes one list kind for the console.
type kindResponse struct {
	Kind          entity.Kind       `json:"kind"`
	Scoped        bool              `json:"scoped"`
	Schema        filter.Schema     `json:"schema"`
	Actions       []mutation.Action `json:"actions,omitempty"`
	ConfirmDelete bool              `json:"confirmDelete"`
}

// viewResponse is the JSON view model of a filtered list.
type viewResponse struct {
	Key        entity.Key       `json:"key"`
	State      reconcile.State  `json:"state"`
	Items      []entity.Entity  `json:"items"`
	Total      int              `json:"total"`
	Aggregates map[string]int64 `json:"aggregates,omitempty"`
	Pending    int              `json:"pending"`
	Filters    filter.State     `json:"filters"`
	// Error is set after a failed load. With State "ready" it is a stale-data
	// warning.
	Error    string    `json:"error,omitempty"`
	Retry    string    `json:"retry,omitempty"`
	LoadedAt time.Time `json:"loadedAt,omitzero"`
	Version  uint64    `json:"version"`
}

func newViewResponse(full reconcile.View, items []entity.Entity, st filter.State) viewResponse {
	if items == nil {
		items = []entity.Entity{}
	}
	resp := viewResponse{
		Key:        full.Key,
		State:      full.State,
		Items:      items,
		Total:      len(full.Items),
		Aggregates: full.Aggregates,
		Pending:    len(full.Pending),
		Filters:    st,
		LoadedAt:   full.LoadedAt,
		Version:    full.Version,
	}
	if full.Err != nil {
		resp.Error, resp.Retry = describeLoadError(full.Err, full.AuthErr)
	}
	return resp
}

// describeLoadError keeps backend detail out of responses.
func describeLoadError(err error, auth bool) (msg, retry string) {
	if auth {
		return "The backend refused the request. Check the configured credentials, then refresh.", "auth"
	}
	switch backend.FetchReasonOf(err) {
	case backend.FetchNetwork:
		return "The backend could not be reached.", "generic"
	default:
		return "The backend failed to answer.", "generic"
	}
}

// HandleKinds lists every kind with its filter schema and writes.
func (h *Handlers) HandleKinds(c *echo.Context) error {
	var confirm func(entity.Kind) bool
	if h.Settings != nil {
		confirm = h.Settings.Get().ShouldConfirmDelete
	}
	kinds := entity.Kinds()
	out := make([]kindResponse, 0, len(kinds))
	for _, k := range kinds {
		resp := kindResponse{
			Kind:          k,
			Scoped:        k.Scoped(),
			Schema:        filter.SchemaFor(k),
			Actions:       mutation.Actions(k),
			ConfirmDelete: true,
		}
		if confirm != nil {
			resp.ConfirmDelete = confirm(k)
		}
		out = append(out, resp)
	}
	return c.JSON(http.StatusOK, out)
}

// HandleView returns the filtered list. A list opened by this request is
// still loading in the response.
func (h *Handlers) HandleView(c *echo.Context) error {
	key, err := viewKey(c)
	if err != nil {
		return keyError(c, err)
	}
	v, release, err := h.Views.Acquire(key)
	if err != nil {
		return h.RenderError(c, err)
	}
	defer release()

	st, err := h.filters().Load(c.Request().Context(), key)
	if err != nil {
		return h.RenderError(c, err)
	}
	full := v.Snapshot()
	return c.JSON(http.StatusOK, newViewResponse(full, filter.Filter(full.Items, v.Schema(), st), st))
}

// HandleRefresh reloads the list. It is also how a list leaves the hold that
// follows an authorization failure.
func (h *Handlers) HandleRefresh(c *echo.Context) error {
	key, err := viewKey(c)
	if err != nil {
		return keyError(c, err)
	}
	v, release, err := h.Views.Acquire(key)
	if err != nil {
		return h.RenderError(c, err)
	}
	defer release()

	if err := v.Refresh(); err != nil {
		return h.RenderError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}
