package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatstream/internal/adapter/gateway"
	"chatstream/internal/adapter/journal"
	"chatstream/internal/adapter/redis"
	"chatstream/internal/adapter/sink"
	"chatstream/internal/adapter/upstream"
	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
	"chatstream/internal/infra/middleware"
	"chatstream/internal/usecase/cluster"
	"chatstream/internal/usecase/streaming"
)

// newManager builds the stream manager for cfg. The upstream and sink are
// supplied by the caller so replay can run without a network.
func newManager(cfg config.StreamConfig, up domain.Upstream, out domain.StreamSink, log *slog.Logger) *streaming.Manager {
	registry := streaming.NewRegistry(streaming.RegistryConfig{
		StallTimeout: cfg.StallTimeout,
		Logger:       log,
	})
	pipeline := streaming.NewPipeline(streaming.PipelineConfig{
		Lenient:      cfg.LenientDecode,
		MaxLineBytes: cfg.MaxLineBytes,
		Logger:       log,
	})
	return streaming.NewManager(streaming.ManagerConfig{
		Registry: registry,
		Pipeline: pipeline,
		Upstream: up,
		Sink:     out,
		Logger:   log,
	})
}

// StreamComponents holds the streaming core wired to the event bus.
type StreamComponents struct {
	Manager  *streaming.Manager
	Upstream *upstream.HTTPUpstream
}

func initStreams(cfg *config.Config, bus domain.EventBus, log *slog.Logger) StreamComponents {
	up := upstream.NewHTTPUpstream(cfg.Upstream, upstream.NewHTTPClient(cfg.Upstream), log)
	mgr := newManager(cfg.Stream, up, sink.NewBusSink(bus, log), log)
	return StreamComponents{Manager: mgr, Upstream: up}
}

// initJournal opens the journal when enabled. The returned store is nil
// when the journal is disabled.
func initJournal(cfg config.JournalConfig, bus domain.EventBus, log *slog.Logger) (*journal.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	store, err := journal.Open(cfg.Path, log)
	if err != nil {
		return nil, err
	}
	store.Attach(bus)
	log.Info("stream journal enabled", "path", cfg.Path)
	return store, nil
}

// initCluster connects the supersede coordinator when a cluster is
// configured. The returned coordinator is nil in standalone mode.
func initCluster(ctx context.Context, cfg *config.ClusterConfig, streams *streaming.Manager, bus domain.EventBus, log *slog.Logger) (*cluster.Coordinator, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	client, err := redis.Dial(ctx, cfg.RedisURL, 5*time.Second)
	if err != nil {
		return nil, err
	}
	coord := cluster.NewCoordinator(client, streams, cluster.CoordinatorConfig{
		NodeID:  cfg.NodeID,
		Channel: cfg.Channel,
	}, log)
	if err := coord.Start(ctx, bus); err != nil {
		client.Close()
		return nil, fmt.Errorf("cluster coordinator: %w", err)
	}
	return coord, nil
}

func initGateway(ctx context.Context, cfg config.GatewayConfig, streams StreamComponents, store *journal.Store, bus domain.EventBus, log *slog.Logger) *gateway.Server {
	srv := gateway.NewServer(bus, gateway.NewAuthenticator(cfg.Auth), cfg.Addr, log)
	srv.Use(middleware.SecurityHeaders)
	srv.Use(middleware.RateLimit(ctx, cfg.RateLimit))

	deps := gateway.HandlerDeps{
		Streams:       streams.Manager,
		Bus:           bus,
		Logger:        log,
		UpstreamState: func() string { return streams.Upstream.State().String() },
	}
	if store != nil {
		deps.Journal = store
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	gateway.RegisterRESTHandlers(srv, deps)
	return srv
}
