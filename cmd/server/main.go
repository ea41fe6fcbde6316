// Command herald-server is the Herald notification delivery server.
// It loads configuration, initialises node identity, opens the message store
// and serves the HTTP API and the realtime WebSocket channel.
//
// Usage:
//
//	herald-server [--config path/to/config.yaml]
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
	"syscall"
	"time"

	"github.com/snehjoshi/herald/internal/broker"
	"github.com/snehjoshi/herald/internal/config"
	"github.com/snehjoshi/herald/internal/delivery"
	"github.com/snehjoshi/herald/internal/metrics"
	"github.com/snehjoshi/herald/internal/node"
	"github.com/snehjoshi/herald/internal/presence"
	"github.com/snehjoshi/herald/internal/retry"
	"github.com/snehjoshi/herald/internal/storage"
	"github.com/snehjoshi/herald/internal/storage/local"
	"github.com/snehjoshi/herald/internal/storage/memory"
	"github.com/snehjoshi/herald/internal/storage/redisstore"
	"github.com/snehjoshi/herald/internal/types"
	transphttp "github.com/snehjoshi/herald/internal/transport/http"
	"github.com/snehjoshi/herald/internal/transport/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "herald: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("herald starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"backend", cfg.Storage.Backend,
		"mode", cfg.Delivery.Mode,
	)

	// ── 4. Open the message store ────────────────────────────────────────────
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// ── 5. Metrics, presence, realtime hub ───────────────────────────────────
	var metricsReg *metrics.Registry
	if cfg.Metrics.Enabled {
		metricsReg = metrics.New()
	}
	pres := presence.New()
	hub := websocket.NewHub(pres,
		websocket.WithWriteTimeout(cfg.WriteTimeout()),
		websocket.WithPingInterval(cfg.PingInterval()),
		websocket.WithSendBuffer(cfg.WebSocket.SendBuffer),
		websocket.WithMaxMessageBytes(cfg.WebSocket.MaxMessageBytes),
		websocket.WithLogger(logger.With("component", "websocket")),
	)

	// ── 6. Dispatcher and message service ────────────────────────────────────
	dispatcher := delivery.New(store, pres, hub,
		delivery.WithPushTimeout(cfg.PushTimeout()),
		delivery.WithLogger(logger.With("component", "delivery")),
		delivery.WithMetrics(metricsReg),
	)
	core := broker.New(store, pres, dispatcher,
		broker.WithLimits(types.Limits{
			MaxRetryAttempts: cfg.Delivery.MaxRetryAttempts,
			Timeout:          cfg.MessageTimeout(),
		}),
		broker.WithLogger(logger.With("component", "broker")),
		broker.WithMetrics(metricsReg),
	)
	var svc broker.Service = core
	if cfg.Delivery.Mode == config.ModeActor {
		svc = broker.NewActor(core, cfg.Delivery.ActorShards)
	}

	// ── 7. Retry sweep ───────────────────────────────────────────────────────
	sched := retry.New(store, dispatcher,
		retry.WithInterval(cfg.RetryInterval()),
		retry.WithLogger(logger.With("component", "retry")),
		retry.WithMetrics(metricsReg),
	)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	sched.Start(sweepCtx)

	// ── 8. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(svc, hub.Handler(svc), cfg, n.ID().String(), metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("herald ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 9. Start dedicated Prometheus metrics listener ───────────────────────
	var metricsSrv *http.Server
	if metricsReg != nil && cfg.Metrics.Port != cfg.Node.Port {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metricsReg.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 10. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sched.Stop()
	if err := hub.Close(); err != nil {
		slog.Warn("hub close error", "err", err)
	}
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutCtx)
	}
	if err := svc.Close(); err != nil {
		slog.Warn("broker close error", "err", err)
	}
	if err := store.Close(); err != nil {
		slog.Warn("store close error", "err", err)
	}

	slog.Info("herald stopped")
	return runErr
}

// openStore builds the backend named by storage.backend.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		slog.Warn("memory backend: messages are lost on restart")
		return memory.New(), nil
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := redisstore.Dial(ctx, cfg.Storage.RedisURL, redisstore.WithPrefix(cfg.Storage.RedisPrefix))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := local.Open(cfg.Node.DataDir, local.Config{Timeout: cfg.BoltTimeout()})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
