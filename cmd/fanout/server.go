package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/kernel/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway in front of this service enforces origins
	CheckOrigin: func(*http.Request) bool { return true },
}

// server exposes the WebSocket endpoint and forwards approval
// decisions to the kernel.
type server struct {
	hub       *hub
	kernelURL string
	http      *http.Client
	log       *logger.Logger
}

func newServer(h *hub, kernelURL string, log *logger.Logger) *server {
	return &server{
		hub:       h,
		kernelURL: kernelURL,
		http:      &http.Client{Timeout: 10 * time.Second},
		log:       log,
	}
}

// handleWebSocket upgrades the connection and registers it under the
// user id. Browsers cannot set headers on WebSocket upgrades, so the
// id rides a query parameter.
func (s *server) handleWebSocket(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "user_id query parameter required"})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return nil
	}

	cl := newClient(s.hub, conn, userID, s.log)
	s.hub.register <- cl

	go cl.writePump()
	go cl.readPump()
	return nil
}

type approvalBody struct {
	ExecutionID string      `json:"execution_id"`
	RequestID   string      `json:"request_id"`
	Response    interface{} `json:"response"`
}

// handleApproval relays a human decision to the kernel's respond
// endpoint on behalf of the connected user.
func (s *server) handleApproval(c echo.Context) error {
	userID := c.Request().Header.Get("X-User-ID")
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]interface{}{"error": "X-User-ID header is required"})
	}

	var body approvalBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}
	if body.ExecutionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "execution_id is required"})
	}

	payload, err := json.Marshal(map[string]interface{}{
		"request_id": body.RequestID,
		"response":   body.Response,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "encode failed"})
	}

	url := fmt.Sprintf("%s/api/v1/executions/%s/respond", s.kernelURL, body.ExecutionID)
	req, err := http.NewRequestWithContext(c.Request().Context(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "request build failed"})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)

	resp, err := s.http.Do(req)
	if err != nil {
		s.log.Warn("kernel relay failed", "execution_id", body.ExecutionID, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]interface{}{"error": "kernel unreachable"})
	}
	defer resp.Body.Close()

	relayed, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]interface{}{"error": "kernel response unreadable"})
	}
	return c.JSONBlob(resp.StatusCode, relayed)
}
