package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/kernel/common/bootstrap"
	commonserver "github.com/lyzr/kernel/common/server"
)

// The fanout service bridges the kernel's Redis event channels to
// WebSocket consumers and relays approval decisions back to the kernel.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "fanout",
		bootstrap.WithoutDB(),
		bootstrap.WithoutCache(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap fanout: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	kernelURL := os.Getenv("KERNEL_URL")
	if kernelURL == "" {
		kernelURL = "http://localhost:8080"
	}

	h := newHub(components.Logger)
	go h.run()

	sub := newSubscriber(components.Redis, h, components.Logger)
	go func() {
		if err := sub.start(ctx); err != nil {
			components.Logger.Error("event subscription failed", "error", err)
			cancel()
		}
	}()

	srv := newServer(h, kernelURL, components.Logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok"})
	})
	e.GET("/ws", srv.handleWebSocket)
	e.POST("/api/v1/approvals", srv.handleApproval)

	httpServer := commonserver.New("fanout", components.Config.Service.Port, e, components.Logger)
	httpServer.OnShutdown(func(context.Context) { cancel() })
	if err := httpServer.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
