package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"sensorsync/internal/analytics"
	"sensorsync/internal/app"
	"sensorsync/internal/config"
	"sensorsync/internal/ratelimit"
	"sensorsync/internal/server"
	"sensorsync/internal/util"
	"sensorsync/pkg/queue"
	"sensorsync/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	accessTTL, err := config.ParseAccessTTL(cfg.AccessTTL)
	if err != nil {
		log.Fatalf("failed to parse access TTL: %v", err)
	}
	refreshTTL, err := config.ParseRefreshTTL(cfg.RefreshTTL)
	if err != nil {
		log.Fatalf("failed to parse refresh TTL: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	var jobQueue *queue.RedisJobQueue
	if cfg.RedisAddr != "" {
		stream := cfg.QueueStream
		if stream == "" {
			stream = "sensorsync:analysis"
		}
		jobQueue, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   stream,
			Group:    cfg.QueueGroup,
		})
		if err != nil {
			log.Fatalf("failed to init job queue: %v", err)
		}
	}

	appCfg := app.Config{
		TokenSecret:  cfg.TokenSecret,
		AccessTTL:    accessTTL,
		RefreshTTL:   refreshTTL,
		MaxPushBatch: cfg.MaxPushBatch,
		Store:        dataStore,
	}
	if jobQueue != nil {
		appCfg.Queue = jobQueue
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	serverCfg := server.Config{App: appCore}
	if jobQueue != nil {
		serverCfg.Jobs = jobQueue
	}
	serverCfg.RegisterLimiter = newLimiter(cfg, "register", cfg.RegisterRateLimitPerMin)
	serverCfg.LoginLimiter = newLimiter(cfg, "login", cfg.LoginRateLimitPerMinute)
	serverCfg.RefreshLimiter = newLimiter(cfg, "refresh", cfg.RefreshRateLimitPerMinute)
	httpServer := server.New(serverCfg)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if jobQueue != nil {
		concurrency := cfg.WorkerConcurrency
		if concurrency <= 0 {
			concurrency = 2
		}
		worker := analytics.NewWorker(dataStore, jobQueue)
		jobQueue.Start(ctx, concurrency, worker.Handle)
		logger.Info("analysis worker started", "concurrency", concurrency)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sync server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}

func newLimiter(cfg config.FileConfig, name string, perMinute int) *ratelimit.FixedWindowLimiter {
	if perMinute <= 0 || cfg.RedisAddr == "" {
		return nil
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(
		cfg.RedisAddr, cfg.RedisPassword, "sensorsync:ratelimit:"+name, perMinute, time.Minute)
	if err != nil {
		log.Fatalf("failed to init %s rate limiter: %v", name, err)
	}
	return limiter
}
