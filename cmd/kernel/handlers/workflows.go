package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/kernel/cmd/kernel/middleware"
	"github.com/lyzr/kernel/cmd/kernel/storage"
	"github.com/lyzr/kernel/cmd/kernel/workflow"
	"github.com/lyzr/kernel/common/logger"
)

// Workflows stores and serves reusable workflow definitions
type Workflows struct {
	store storage.Storage
	log   *logger.Logger
}

// NewWorkflows creates the workflows handler
func NewWorkflows(store storage.Storage, log *logger.Logger) *Workflows {
	return &Workflows{store: store, log: log}
}

// maxDefinitionBytes bounds a stored definition's size
const maxDefinitionBytes = 1 << 20

// Save validates and upserts a definition under the caller's ownership.
// The body is the raw workflow JSON; the path id wins over any id in
// the body.
func (h *Workflows) Save(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDefinitionBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "unreadable request body"})
	}
	if len(raw) > maxDefinitionBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]interface{}{"error": "definition too large"})
	}

	def, err := workflow.ParseDefinition(raw)
	if err != nil {
		return respondError(c, err)
	}

	userID := middleware.GetUserID(c)
	id := c.Param("id")
	if id == "" {
		id = def.ID
	}

	// Stored raw is what LoadWorkflow re-parses, so the id and owner
	// overrides must land in the document itself.
	if id != def.ID || def.UserID != userID {
		var doc map[string]interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid definition"})
		}
		doc["id"] = id
		doc["user_id"] = userID
		rewritten, err := json.Marshal(doc)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "encode failed"})
		}
		if def, err = workflow.ParseDefinition(rewritten); err != nil {
			return respondError(c, err)
		}
	}

	if err := h.store.SaveWorkflow(c.Request().Context(), def); err != nil {
		return respondError(c, err)
	}

	h.log.Info("workflow saved", "workflow_id", def.ID, "user_id", userID)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflow_id": def.ID,
		"node_count":  len(def.Nodes),
	})
}

// Get returns a stored definition owned by the caller
func (h *Workflows) Get(c echo.Context) error {
	def, err := h.store.LoadWorkflow(c.Request().Context(), c.Param("id"), middleware.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSONBlob(http.StatusOK, def.Raw)
}
