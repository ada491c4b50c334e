// plateviewer connects to the plate feed, keeps the current scene in memory and
// serves it over HTTP. Optional components poll the feed server's status,
// record poses to TimescaleDB, relay snapshots to local WebSocket viewers and
// forward them to RabbitMQ or Redis.
//
// Usage: go run ./cmd/plateviewer --config configs/plateviewer.example.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/plate-viewer/internal/api"
	"github.com/rickgao/plate-viewer/internal/config"
	"github.com/rickgao/plate-viewer/internal/connection"
	"github.com/rickgao/plate-viewer/internal/database"
	"github.com/rickgao/plate-viewer/internal/metrics"
	"github.com/rickgao/plate-viewer/internal/plate"
	"github.com/rickgao/plate-viewer/internal/poller"
	"github.com/rickgao/plate-viewer/internal/recorder"
	"github.com/rickgao/plate-viewer/internal/relay"
	"github.com/rickgao/plate-viewer/internal/sink"
	"github.com/rickgao/plate-viewer/internal/status"
	"github.com/rickgao/plate-viewer/internal/version"
)

var errFeedExhausted = errors.New("feed reconnect attempts exhausted")

func main() {
	configPath := flag.String("config", "configs/plateviewer.example.yaml", "path to config file")
	flag.Parse()

	// Bootstrap logger until the configured one is available
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting plateviewer",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"feed_url", cfg.Feed.URL,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("plateviewer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("plateviewer stopped")
}

func run(cfg *config.ViewerConfig, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	store := plate.NewStore(logger)
	indicator := status.NewIndicator(logger)
	registry := metrics.NewRegistry()

	exhausted := make(chan struct{})
	var exhaustedOnce sync.Once

	opts := []connection.Option{
		connection.WithLogger(logger),
		connection.WithCodec(plate.Codec{}),
		connection.WithDialer(connection.NewWSDialer(cfg.Feed.TransportConfig(), logger)),
		connection.WithHandler(connection.EventMessage, store),
		connection.WithHandler(connection.EventMaxReconnectAttemptsReached, connection.NewHandler(func(connection.Event) {
			exhaustedOnce.Do(func() { close(exhausted) })
		})),
	}
	for _, kind := range indicator.Events() {
		opts = append(opts, connection.WithHandler(kind, indicator))
	}

	registry.Register("store", func() any { return store.Stats() })
	registry.Register("status", func() any { return indicator.Snapshot() })

	// Shutdown hooks run in reverse order of registration
	var cleanups []func(context.Context)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i](shutdownCtx)
		}
	}()

	// Recorder
	var db pinger
	if cfg.Recorder.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		cleanups = append(cleanups, func(context.Context) { pool.Close() })
		db = pool

		if err := database.EnsureSchema(ctx, pool, logger); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}

		rec := recorder.New(recorder.Config{
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			BufferSize:    cfg.Recorder.BufferSize,
		}, pool, logger)
		if err := rec.Start(ctx); err != nil {
			return fmt.Errorf("start recorder: %w", err)
		}
		cleanups = append(cleanups, func(ctx context.Context) { rec.Stop(ctx) })

		opts = append(opts, connection.WithHandler(connection.EventMessage, rec))
		registry.Register("recorder", func() any { return rec.Stats() })
	}

	// Relay
	var hub *relay.Hub
	if cfg.Relay.Enabled {
		hub = relay.NewHub(relay.Config{SendBuffer: cfg.Relay.SendBuffer}, logger)
		cleanups = append(cleanups, func(context.Context) { hub.Close() })

		opts = append(opts, connection.WithHandler(connection.EventMessage, hub))
		registry.Register("relay", func() any { return hub.Stats() })
	}

	// Sinks
	if cfg.AMQP.Enabled {
		pub, err := sink.DialAMQP(sink.AMQPConfig{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
		})
		if err != nil {
			return err
		}
		fwd := sink.NewForwarder("amqp", pub, cfg.AMQP.QueueSize, logger)
		fwd.Start(ctx)
		cleanups = append(cleanups, func(context.Context) { fwd.Stop() })

		opts = append(opts, connection.WithHandler(connection.EventMessage, fwd))
		registry.Register("amqp", func() any { return fwd.Stats() })
	}
	if cfg.Redis.Enabled {
		pub, err := sink.DialRedis(ctx, sink.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
			Channel:  cfg.Redis.Channel,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return err
		}
		fwd := sink.NewForwarder("redis", pub, cfg.Redis.QueueSize, logger)
		fwd.Start(ctx)
		cleanups = append(cleanups, func(context.Context) { fwd.Stop() })

		opts = append(opts, connection.WithHandler(connection.EventMessage, fwd))
		registry.Register("redis", func() any { return fwd.Stats() })
	}

	// Feed server status poller
	var feedServer serverStatus
	if cfg.StatusPoll.Enabled {
		client, err := api.NewClientForFeed(cfg.Feed.URL, api.WithLogger(logger), api.WithTimeout(cfg.StatusPoll.Timeout))
		if err != nil {
			return fmt.Errorf("status poll: %w", err)
		}

		p := poller.New(poller.Config{
			Interval: cfg.StatusPoll.Interval,
			Timeout:  cfg.StatusPoll.Timeout,
		}, client, logger)
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start status poller: %w", err)
		}
		cleanups = append(cleanups, func(ctx context.Context) { p.Stop(ctx) })

		registry.Register("feed_server", func() any { return p.Stats() })
		feedServer = p
	}

	// Connection manager; the first dial starts here
	mgr := connection.NewManager(cfg.Feed.URL, cfg.Feed.ManagerConfig(), opts...)
	cleanups = append(cleanups, func(context.Context) { mgr.Close() })
	indicator.Attach(mgr)
	registry.Register("feed", func() any { return mgr.Stats() })

	deps := serverDeps{
		feed:      mgr,
		store:     store,
		indicator: indicator,
		metrics:   registry,
		db:        db,
		server:    feedServer,
	}
	if hub != nil {
		deps.relay = hub
		deps.relayPath = cfg.Relay.Path
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: createHandler(deps),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server",
			"port", cfg.HTTP.Port,
			"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.HTTP.Port),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-exhausted:
			return errFeedExhausted
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
