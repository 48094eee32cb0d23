package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pixelgate/internal/cache"
	"pixelgate/internal/config"
	"pixelgate/internal/disk"
	"pixelgate/internal/events"
	"pixelgate/internal/handlers"
	"pixelgate/internal/httpserver"
	"pixelgate/internal/imagecacher"
	"pixelgate/internal/metrics"
	"pixelgate/internal/network"
	"pixelgate/internal/store"
	"pixelgate/pkg/logging/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("pixelgate exited with error: %v", err)
	}
}

func run() error {
	// ----- Config -----
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// ----- Logger -----
	logger, err := logging.NewLogger(logging.Options{Env: cfg.Env, Level: cfg.LogLevel})
	if err != nil {
		return err
	}
	defer logger.Sync()
	logging.SetDefault(logger)

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("addr", cfg.HTTP.Addr),
		zap.Stringer("memory_max", cfg.Memory.Max),
		zap.String("disk_dir", cfg.Disk.Dir),
		zap.String("details_backend", cfg.Details.Backend),
		zap.Int("network_workers", cfg.Network.Workers),
		zap.Int("disk_workers", cfg.Disk.Workers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Details.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
	}

	// ----- Details store -----
	details, err := store.NewDetailsStore(store.Config{
		Backend: cfg.Details.Backend,
		TTL:     cfg.Details.TTL,
		Prefix:  cfg.Details.Prefix,
		Dir:     cfg.Details.Dir,
	}, redisClient, logger)
	if err != nil {
		return err
	}
	defer details.Close()

	// ----- Tiers -----
	bus := events.NewBus(cfg.EventBuffer)

	diskStore, err := disk.NewStore(disk.Config{
		Dir:       cfg.Disk.Dir,
		Workers:   cfg.Disk.Workers,
		OpTimeout: cfg.Disk.OpTimeout,
	}, details, bus, logger)
	if err != nil {
		return err
	}
	defer diskStore.Close()

	downloader, err := network.New(network.Config{
		UserAgent:    cfg.Network.UserAgent,
		Timeout:      cfg.Network.Timeout,
		MaxRetries:   cfg.Network.MaxRetries,
		BaseBackoff:  cfg.Network.BaseBackoff,
		MaxBodyBytes: int64(cfg.Network.MaxBody),
		Workers:      cfg.Network.Workers,
	}, diskStore, bus, logger)
	if err != nil {
		return err
	}
	defer downloader.Close()

	memory := cache.NewLoggingImageCache(cache.NewMemoryCache(int64(cfg.Memory.Max), logger), logger)

	cacher, err := imagecacher.New(memory, diskStore, downloader, logger)
	if err != nil {
		return fmt.Errorf("build cacher: %w", err)
	}
	loop := imagecacher.NewLoop()

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, handlers.NewImageHandler(cacher, loop), httpserver.Options{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodyBytes:   int64(cfg.HTTP.MaxBody),
	})

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Stopped only after the HTTP server has drained.
	workersCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(bus.Run(workersCtx, cacher.Handle)) })
	g.Go(func() error { return ignoreCanceled(loop.Run(workersCtx)) })

	g.Go(func() error {
		logger.Info("starting pixelgate", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ----- Graceful shutdown -----
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		defer stopWorkers()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
