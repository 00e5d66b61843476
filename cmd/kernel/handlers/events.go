package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/kernel/cmd/kernel/king"
	"github.com/lyzr/kernel/cmd/kernel/middleware"
	"github.com/lyzr/kernel/common/logger"
)

// Events streams execution lifecycle events over SSE
type Events struct {
	king *king.King
	log  *logger.Logger
}

// NewEvents creates the events handler
func NewEvents(k *king.King, log *logger.Logger) *Events {
	return &Events{king: k, log: log}
}

// Stream sends the execution's events as server-sent events until the
// client disconnects. Delivery is best-effort; a slow consumer drops
// events rather than stalling the execution.
func (h *Events) Stream(c echo.Context) error {
	executionID := c.Param("id")
	ch, cancel, err := h.king.Subscribe(c.Request().Context(), middleware.CallerFrom(c), executionID)
	if err != nil {
		return respondError(c, err)
	}
	defer cancel()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("event encode failed", "execution_id", executionID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(resp, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, payload); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}
