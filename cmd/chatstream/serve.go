package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"chatstream/internal/infra/config"
	"chatstream/internal/infra/logger"
	"chatstream/internal/infra/tracer"
	"chatstream/internal/usecase/eventbus"
)

func runServe() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !cfg.Gateway.Enabled {
		return fmt.Errorf("gateway is disabled; set gateway.enabled or %sGATEWAY_ENABLED", config.EnvPrefix)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 5. Streaming core
	streams := initStreams(cfg, bus, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := streams.Manager.Shutdown(shutdownCtx); err != nil {
			log.Error("stream shutdown error", "error", err)
		}
	}()

	// 6. Journal
	store, err := initJournal(cfg.Journal, bus, log)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	// 7. Cluster
	coord, err := initCluster(ctx, cfg.Cluster, streams.Manager, bus, log)
	if err != nil {
		return fmt.Errorf("cluster: %w", err)
	}
	if coord != nil {
		defer coord.Stop()
	}

	// 8. Gateway
	srv := initGateway(ctx, cfg.Gateway, streams, store, bus, log)

	log.Info("chatstream starting",
		"upstream", cfg.Upstream.BaseURL,
		"gateway", cfg.Gateway.Addr,
		"journal", store != nil,
		"cluster", coord != nil,
	)

	// Blocks until ctx is cancelled; deferred cleanup runs in reverse order.
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}
