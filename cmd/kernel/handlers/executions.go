package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/kernel/cmd/kernel/king"
	"github.com/lyzr/kernel/cmd/kernel/middleware"
	"github.com/lyzr/kernel/common/logger"
)

// Executions exposes the supervisor's execution lifecycle over HTTP
type Executions struct {
	king *king.King
	log  *logger.Logger
}

// NewExecutions creates the executions handler
func NewExecutions(k *king.King, log *logger.Logger) *Executions {
	return &Executions{king: k, log: log}
}

// startBody is the POST /executions request payload. Exactly one of
// workflow_id and definition must be set.
type startBody struct {
	WorkflowID string                 `json:"workflow_id"`
	Definition json.RawMessage        `json:"definition"`
	Input      map[string]interface{} `json:"input"`
}

// Start launches an execution and returns its initial snapshot
func (h *Executions) Start(c echo.Context) error {
	var body startBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}
	if (body.WorkflowID == "") == (len(body.Definition) == 0) {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "exactly one of workflow_id and definition is required",
		})
	}

	caller := middleware.CallerFrom(c)
	st, err := h.king.Start(c.Request().Context(), caller, king.StartRequest{
		WorkflowID: body.WorkflowID,
		Definition: body.Definition,
		Input:      body.Input,
	})
	if err != nil {
		return respondError(c, err)
	}

	h.log.Info("execution started",
		"execution_id", st.ExecutionID,
		"workflow_id", st.WorkflowID,
		"user_id", caller.UserID)
	return c.JSON(http.StatusAccepted, st)
}

// Status returns the live or terminal snapshot of one execution
func (h *Executions) Status(c echo.Context) error {
	st, err := h.king.Status(c.Request().Context(), middleware.CallerFrom(c), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// List returns the caller's live executions
func (h *Executions) List(c echo.Context) error {
	out := h.king.List(middleware.CallerFrom(c))
	if out == nil {
		out = []king.ExecutionStatus{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"executions": out})
}

// Pause stops the execution at the next node boundary
func (h *Executions) Pause(c echo.Context) error {
	return h.control(c, h.king.Pause, "paused")
}

// Resume reopens a paused execution
func (h *Executions) Resume(c echo.Context) error {
	return h.control(c, h.king.Resume, "resumed")
}

// Cancel requests cancellation of a live execution
func (h *Executions) Cancel(c echo.Context) error {
	return h.control(c, h.king.Cancel, "cancelling")
}

func (h *Executions) control(c echo.Context, op func(context.Context, king.Caller, string) error, status string) error {
	id := c.Param("id")
	if err := op(c.Request().Context(), middleware.CallerFrom(c), id); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_id": id,
		"status":       status,
	})
}
