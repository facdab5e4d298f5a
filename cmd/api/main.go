package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/acme/mass-dispatch/internal/api"
	"github.com/acme/mass-dispatch/internal/api/handlers"
	"github.com/acme/mass-dispatch/internal/app"
	"github.com/acme/mass-dispatch/internal/telemetry"
)

func main() {
	log.Println("Starting API server...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	log.Printf("Using config file: %s", *configPath)

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.App, container.Config.Telemetry, "api")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	svcs := container.Services()
	checks := map[string]handlers.HealthCheck{}
	for name, check := range container.HealthChecks() {
		checks[name] = check
	}
	handlerSet := handlers.NewHandlerSet(handlers.Deps{
		Campaigns: svcs.Campaign,
		Engine:    svcs.Engine,
		Scheduler: svcs.Scheduler,
		Journal:   container.Repositories().Journal,
		Checks:    checks,
		Logger:    container.Logger,
	})
	server := api.NewServer(container.Config.HTTP, handlerSet)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Starting server on port %d...", container.Config.HTTP.Port)
		return server.Start(gctx)
	})
	g.Go(func() error {
		return runEngine(gctx, container)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("server terminated: %v", err)
		_ = container.Close(context.Background())
		os.Exit(1)
	}
}

// runEngine waits for the leader lease when one is configured, then recovers
// interrupted campaigns and drives the scheduler until ctx is done or the
// lease is lost.
func runEngine(ctx context.Context, container *app.Container) error {
	svcs := container.Services()
	g, gctx := errgroup.WithContext(ctx)

	if l := container.Lease(); l != nil {
		log.Println("Waiting for engine lease...")
		if err := l.Acquire(ctx); err != nil {
			return err
		}
		g.Go(func() error {
			if err := l.Hold(gctx); err != nil {
				return fmt.Errorf("engine lease: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := svcs.Engine.Recover(gctx); err != nil {
			return fmt.Errorf("engine recovery: %w", err)
		}
		return svcs.Scheduler.Run(gctx)
	})
	return g.Wait()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
