// Command kasgate runs the payment gateway: merchant REST API, chain
// watchers, session engine, and webhook dispatcher in one process.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/kasgate/kasgate/internal/address"
	"github.com/kasgate/kasgate/internal/api"
	"github.com/kasgate/kasgate/internal/config"
	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/engine"
	"github.com/kasgate/kasgate/internal/kaspad"
	"github.com/kasgate/kasgate/internal/middleware"
	"github.com/kasgate/kasgate/internal/store"
	"github.com/kasgate/kasgate/internal/watcher"
	"github.com/kasgate/kasgate/internal/webhook"
)

const (
	shutdownGrace    = 30 * time.Second
	defaultRateLimit = 120 // requests per minute per merchant
)

func main() {
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfgPath := os.Getenv("CONFIG_FILE")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Store.DataDir, cfg.Store.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	addrs, err := address.New(cfg.Network)
	if err != nil {
		return err
	}

	rpc := kaspad.NewRpcClient(cfg.Node.RpcURL)
	poller := kaspad.NewRestPoller(cfg.Node.RestAPIURL)
	w := watcher.New(rpc, poller)

	rpc.OnUtxoChange = func(c kaspad.UtxoChange) { w.Ingest(c, core.SourceRPC) }
	rpc.OnReconnect = w.TriggerReconcile
	poller.OnUtxoChange = func(c kaspad.UtxoChange) { w.Ingest(c, core.SourceREST) }

	eng := engine.New(st, addrs, w, engine.Config{
		RequiredConfirmations: cfg.Sessions.RequiredConfirmations,
		DefaultTTL:            cfg.Sessions.DefaultTTL,
	})

	hub := api.NewStreamHub(eng)
	eng.OnTransition = hub.Broadcast

	disp := webhook.NewDispatcher(st, webhook.Config{
		Workers:     cfg.Webhooks.Workers,
		MaxAttempts: cfg.Webhooks.MaxAttempts,
	})

	// Put existing non-terminal sessions back under watch before the feeds
	// start delivering.
	if err := eng.Restore(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	background := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	background(func() { rpc.Run(ctx) })
	background(func() { poller.Run(ctx) })
	background(func() { w.Run(ctx) })
	background(func() { eng.Run(ctx, w.Events()) })
	background(func() { disp.Run(ctx) })

	var limiter middleware.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		limiter = middleware.NewRedisLimiter(redis.NewClient(opts), defaultRateLimit)
	} else {
		limiter = middleware.NewMemoryLimiter(defaultRateLimit)
	}

	srv := api.NewServer(cfg.Server.ListenAddr, eng, disp, hub, middleware.NewAuth(st), limiter)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case serveErr = <-errCh:
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}

	// Join the chain feeds, engine and dispatcher within the same grace
	// window so in-flight webhook deliveries finish before exit.
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		slog.Warn("shutdown grace expired before background workers drained")
	}
	return serveErr
}
