package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/mass-dispatch/internal/app"
	"github.com/acme/mass-dispatch/internal/telemetry"
	deletionworker "github.com/acme/mass-dispatch/internal/worker/deletion"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	if container.Kafka == nil || container.Config.AutoDelete.Mode != "kafka" {
		log.Println("auto_delete.mode is not kafka, nothing to consume")
		return
	}

	shutdown, err := telemetry.Setup(ctx, container.Config.App, container.Config.Telemetry, "delete-worker")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	kcfg := container.Config.Kafka
	reader := container.Kafka.NewReader(kcfg.DeletionsTopic, kcfg.DeletionsGroupID)
	worker := deletionworker.New(reader, container.Services().Deletion, container.Clock, container.Logger)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
