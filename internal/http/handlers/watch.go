package handlers

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"

	"github.com/flightdeck-io/flightdeck/internal/filter"
)

const (
	watchWriteWait  = 10 * time.Second
	watchPongWait   = 60 * time.Second
	watchPingPeriod = watchPongWait * 9 / 10
)

// HandleWatch streams the filtered list over a websocket: once on connect and
// again after every change. The client may send a filter state as JSON to
// replace the one it connected with. Session-backed state is not saved from
// the socket.
func (h *Handlers) HandleWatch(c *echo.Context) error {
	key, err := viewKey(c)
	if err != nil {
		return keyError(c, err)
	}
	ctx := c.Request().Context()
	st, err := h.filters().Load(ctx, key)
	if err != nil {
		return h.RenderError(c, err)
	}
	v, release, err := h.Views.Acquire(key)
	if err != nil {
		return h.RenderError(c, err)
	}
	defer release()

	ws, err := h.Upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the response
		c.Logger().Debug("websocket upgrade failed", "error", err)
		return nil
	}
	defer ws.Close()

	changes, unsubscribe := v.Changes()
	defer unsubscribe()

	incoming := make(chan filter.State)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		ws.SetReadLimit(64 << 10)
		_ = ws.SetReadDeadline(time.Now().Add(watchPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(watchPongWait))
		})
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var next filter.State
			if err := json.Unmarshal(data, &next); err != nil {
				continue
			}
			select {
			case incoming <- next:
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func() error {
		full := v.Snapshot()
		resp := newViewResponse(full, filter.Filter(full.Items, v.Schema(), st), st)
		_ = ws.SetWriteDeadline(time.Now().Add(watchWriteWait))
		return ws.WriteJSON(resp)
	}
	if err := send(); err != nil {
		return nil
	}

	ping := time.NewTicker(watchPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-readDone:
			return nil
		case next := <-incoming:
			st = next
			// the upgraded connection cannot carry a session cookie
			if _, ok := h.filters().(SessionFilters); !ok {
				if err := h.saveFilters(c, key, st); err != nil {
					c.Logger().Warn("save filter state failed", "error", err)
				}
			}
		case <-changes:
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
			continue
		}
		if err := send(); err != nil {
			return nil
		}
	}
}
