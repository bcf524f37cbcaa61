package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lyzr/wonder-coordinator/cmd/coordinator/definitions"
	engine "github.com/lyzr/wonder-coordinator/cmd/coordinator/engine"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/eventsink"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/executorclient"
	"github.com/lyzr/wonder-coordinator/cmd/coordinator/resourcesclient"
	"github.com/lyzr/wonder-coordinator/common/bootstrap"
	"github.com/lyzr/wonder-coordinator/common/clients"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "coordinator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("coordinator starting")

	httpClient := clients.NewHTTPClient(&http.Client{}, components.Logger)
	loader := resourcesclient.New(httpClient, components.Config.Resources.BaseURL)
	cache := definitions.NewCache(loader)

	sink := eventsink.New(components.Redis, components.Config.EventSink.Stream)
	executor := executorclient.New(components.Redis)

	coord := engine.New(cache, sink, executor, components.Redis, components.RateLimiter, components.RunStoreDir, components.Logger)

	errChan := make(chan error, 1)
	go func() {
		if err := coord.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("coordinator error: %w", err)
		}
	}()

	components.Logger.Info("coordinator started successfully", "run_store_dir", components.RunStoreDir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("coordinator failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}

	components.Logger.Info("coordinator shutting down gracefully")
}
