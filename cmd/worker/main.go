package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"provisioning-orchestrator/internal/config"
	"provisioning-orchestrator/internal/credentials"
	"provisioning-orchestrator/internal/executor"
	"provisioning-orchestrator/internal/imagecache"
	"provisioning-orchestrator/internal/lock"
	"provisioning-orchestrator/internal/logging"
	"provisioning-orchestrator/internal/queue"
	"provisioning-orchestrator/internal/readiness"
	"provisioning-orchestrator/internal/store"
	"provisioning-orchestrator/internal/telemetry"
	workerproc "provisioning-orchestrator/internal/worker"
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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
	lockClient := queue.NewRedisClient(cfg)
	defer func() { _ = lockClient.Close() }()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	archiver, err := executor.NewStateArchiver(ctx, cfg)
	if err != nil {
		logger.Fatal("init state archive", zap.Error(err))
	}

	images := imagecache.NewManager(imagecache.Options{
		Identity:    cfg.ImageManagerIdentity,
		WaitTimeout: cfg.ImageWaitTimeout,
		MaxRetries:  cfg.ImageMaxRetries,
		BackoffBase: cfg.BackoffInitial,
		BackoffMax:  cfg.BackoffMax,
	}, lock.NewRedisLocker(lockClient, cfg.ImageLockTTL), logger)

	pipeline := workerproc.NewPipeline(workerproc.PipelineDeps{
		Store:     st,
		Scheduler: q,
		Broker:    credentials.NewBroker(credentials.OptionsFromConfig(cfg), logger),
		Executor:  executor.NewRunner(cfg, archiver, logger),
		Prober:    readiness.NewProber(cfg.ReadinessPath, cfg.ReadinessMarker, cfg.ReadinessProbeTimeout),
		Images:    images,
		EC2: func(creds credentials.Credentials) imagecache.EC2API {
			return ec2.NewFromConfig(creds.AWSConfig())
		},
	}, workerproc.Timing{
		ReadinessInterval: cfg.ReadinessInterval,
		ReadinessTimeout:  cfg.ReadinessTimeout,
		ImageSettleDelay:  cfg.ImageSettleDelay,
		ImagePollInterval: cfg.ImagePollInterval,
	}, logger)

	processor := workerproc.NewProcessor(cfg, q, workerID, logger)
	pipeline.Register(processor)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker starting",
		zap.String(logging.FieldWorkerID, workerID),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
		zap.String("terraform", cfg.TerraformBinary))
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
}
