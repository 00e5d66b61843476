package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/kernel/cmd/kernel/compiler"
	"github.com/lyzr/kernel/cmd/kernel/condition"
	"github.com/lyzr/kernel/cmd/kernel/events"
	"github.com/lyzr/kernel/cmd/kernel/king"
	"github.com/lyzr/kernel/cmd/kernel/nodes"
	"github.com/lyzr/kernel/cmd/kernel/registry"
	"github.com/lyzr/kernel/cmd/kernel/routes"
	"github.com/lyzr/kernel/cmd/kernel/storage"
	"github.com/lyzr/kernel/common/bootstrap"
	"github.com/lyzr/kernel/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (config, logger, DB, Redis, cache)
	var opts []bootstrap.Option
	if os.Getenv("KERNEL_DISABLE_DB") == "true" {
		opts = append(opts, bootstrap.WithoutDB())
	}
	if os.Getenv("KERNEL_DISABLE_REDIS") == "true" {
		opts = append(opts, bootstrap.WithoutRedis())
	}
	components, err := bootstrap.Setup(ctx, "kernel", opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap kernel: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	supervisor, store, err := buildKernel(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize kernel: %v\n", err)
		os.Exit(1)
	}

	e := setupEcho()
	routes.Register(e, supervisor, store, components.Logger)

	srv := server.New("kernel", components.Config.Service.Port, e, components.Logger)
	srv.OnShutdown(func(ctx context.Context) {
		if err := supervisor.Shutdown(ctx); err != nil {
			components.Logger.Warn("executions cancelled during shutdown", "error", err)
		}
	})

	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// buildKernel assembles the handler registry, compiler, storage and
// supervisor from bootstrapped components.
func buildKernel(components *bootstrap.Components) (*king.King, storage.Storage, error) {
	reg := registry.New()
	if err := nodes.RegisterBuiltins(reg, condition.NewEvaluator()); err != nil {
		return nil, nil, fmt.Errorf("register builtins: %w", err)
	}

	kcfg := components.Config.Kernel
	comp := compiler.New(reg, compiler.Options{
		DefaultTimeout: kcfg.DefaultTimeout,
		DefaultRetries: kcfg.MaxRetries,
		SystemMaxLoops: kcfg.SystemMaxLoops,
		StrictOrphans:  kcfg.StrictOrphans,
	})

	var store storage.Storage
	if components.DB != nil {
		store = storage.NewPostgres(components.DB, components.Logger)
	} else {
		components.Logger.Warn("no database configured, using in-memory storage")
		store = storage.NewMemory()
	}

	var sinks []events.Sink
	if components.Redis != nil {
		sinks = append(sinks, events.NewRedisSink(components.Redis))
	}

	supervisor := king.New(kcfg, comp, store, components.Cache, components.Logger, sinks...)
	return supervisor, store, nil
}

// setupEcho initializes the Echo server with standard middleware
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.RequestID())
	return e
}
