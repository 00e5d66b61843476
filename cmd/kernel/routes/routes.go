package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/kernel/cmd/kernel/handlers"
	"github.com/lyzr/kernel/cmd/kernel/king"
	"github.com/lyzr/kernel/cmd/kernel/middleware"
	"github.com/lyzr/kernel/cmd/kernel/storage"
	"github.com/lyzr/kernel/common/logger"
)

// Register wires every kernel route. All API routes require X-User-ID.
func Register(e *echo.Echo, k *king.King, store storage.Storage, log *logger.Logger) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok"})
	})

	ex := handlers.NewExecutions(k, log)
	hitl := handlers.NewHITL(k, log)
	wf := handlers.NewWorkflows(store, log)
	ev := handlers.NewEvents(k, log)

	api := e.Group("/api/v1")
	api.Use(middleware.RequireUser())

	executions := api.Group("/executions")
	{
		executions.POST("", ex.Start)                    // POST /api/v1/executions
		executions.GET("", ex.List)                      // GET /api/v1/executions
		executions.GET("/:id", ex.Status)                // GET /api/v1/executions/{id}
		executions.POST("/:id/pause", ex.Pause)          // POST /api/v1/executions/{id}/pause
		executions.POST("/:id/resume", ex.Resume)        // POST /api/v1/executions/{id}/resume
		executions.POST("/:id/cancel", ex.Cancel)        // POST /api/v1/executions/{id}/cancel
		executions.POST("/:id/respond", hitl.Respond)    // POST /api/v1/executions/{id}/respond
		executions.GET("/:id/events", ev.Stream)         // GET /api/v1/executions/{id}/events (SSE)
	}

	requests := api.Group("/hitl/requests")
	{
		requests.GET("", hitl.Pending)                            // GET /api/v1/hitl/requests
		requests.POST("/:request_id/respond", hitl.RespondByRequest) // POST /api/v1/hitl/requests/{id}/respond
	}

	workflows := api.Group("/workflows")
	{
		workflows.POST("", wf.Save)        // POST /api/v1/workflows
		workflows.PUT("/:id", wf.Save)     // PUT /api/v1/workflows/{id}
		workflows.GET("/:id", wf.Get)      // GET /api/v1/workflows/{id}
	}
}
