package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	api "provisioning-orchestrator/internal/api"
	"provisioning-orchestrator/internal/config"
	"provisioning-orchestrator/internal/logging"
	"provisioning-orchestrator/internal/queue"
	"provisioning-orchestrator/internal/ratelimit"
	"provisioning-orchestrator/internal/store"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	policy, err := config.LoadPolicyFile(cfg.PolicyFile, cfg.Policy)
	if err != nil {
		logger.Fatal("load policy", zap.Error(err))
	}
	cfg.Policy = policy

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	q := queue.NewRedisQueue(cfg)
	defer func() { _ = q.Close() }()
	limiterClient := queue.NewRedisClient(cfg)
	defer func() { _ = limiterClient.Close() }()
	limiter := ratelimit.NewSubmissionLimiter(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, q, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening",
		zap.String("addr", httpServer.Addr),
		zap.Strings("regions", cfg.Policy.AllowedRegions),
		zap.Strings("instance_types", cfg.Policy.AllowedInstanceTypes))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
