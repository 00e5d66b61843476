package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/kernel/cmd/kernel/king"
	"github.com/lyzr/kernel/cmd/kernel/middleware"
	"github.com/lyzr/kernel/common/logger"
)

// HITL exposes pending human requests and their resolution
type HITL struct {
	king *king.King
	log  *logger.Logger
}

// NewHITL creates the human-in-the-loop handler
func NewHITL(k *king.King, log *logger.Logger) *HITL {
	return &HITL{king: k, log: log}
}

// Pending lists the caller's unresolved human requests, oldest first
func (h *HITL) Pending(c echo.Context) error {
	out := h.king.PendingRequests(middleware.CallerFrom(c))
	if out == nil {
		out = []king.HITLView{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"requests": out})
}

type respondBody struct {
	RequestID string      `json:"request_id"`
	Response  interface{} `json:"response"`
}

// Respond resolves a pending request on one execution. The request_id
// is optional; when set it must match the pending request.
func (h *HITL) Respond(c echo.Context) error {
	var body respondBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}

	id := c.Param("id")
	caller := middleware.CallerFrom(c)
	if err := h.king.SubmitHumanResponse(c.Request().Context(), caller, id, body.RequestID, body.Response); err != nil {
		return respondError(c, err)
	}

	h.log.Info("human response submitted", "execution_id", id, "user_id", caller.UserID)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_id": id,
		"status":       "resolved",
	})
}

// RespondByRequest resolves a pending request addressed by its id
func (h *HITL) RespondByRequest(c echo.Context) error {
	var body respondBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}

	requestID := c.Param("request_id")
	caller := middleware.CallerFrom(c)
	if err := h.king.RespondToRequest(c.Request().Context(), caller, requestID, body.Response); err != nil {
		return respondError(c, err)
	}

	h.log.Info("human response submitted", "request_id", requestID, "user_id", caller.UserID)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"status":     "resolved",
	})
}
