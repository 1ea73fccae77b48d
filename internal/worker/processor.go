package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"provisioning-orchestrator/internal/config"
	"provisioning-orchestrator/internal/errs"
	"provisioning-orchestrator/internal/logging"
	"provisioning-orchestrator/internal/queue"
	"provisioning-orchestrator/internal/retry"
	"provisioning-orchestrator/internal/telemetry"
)

// Handler executes one step for a job. A positive requeueAfter puts the same step back
// on the scheduled set; polling steps use it instead of sleeping on a worker.
type Handler func(ctx context.Context, jobID string) (requeueAfter time.Duration, err error)

// DeadLetterFunc is told about a step that exhausted its attempts.
type DeadLetterFunc func(ctx context.Context, task queue.Task, cause error)

// Processor drives the worker execution loops.
type Processor struct {
	cfg          config.Config
	queue        *queue.RedisQueue
	handlers     map[string]Handler
	onDeadLetter DeadLetterFunc
	workerID     string
	logger       *zap.Logger
	now          func() time.Time
}

// NewProcessor creates a processor with a specific worker ID for tracking.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, workerID string, logger *zap.Logger) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		workerID: workerID,
		logger:   logging.Component(logger, "processor").With(zap.String(logging.FieldWorkerID, workerID)),
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a step.
func (p *Processor) RegisterHandler(step string, handler Handler) {
	if step == "" || handler == nil {
		return
	}
	p.handlers[step] = handler
}

// OnDeadLetter installs the hook called after a step lands in the DLQ.
func (p *Processor) OnDeadLetter(fn DeadLetterFunc) {
	p.onDeadLetter = fn
}

// Run starts the maintenance loop and WorkerConcurrency step loops, and blocks until
// ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.maintain(ctx)
	})
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		slot := i
		g.Go(func() error {
			return p.loop(ctx, slot)
		})
	}
	p.logger.Info("worker started",
		zap.Int("concurrency", p.cfg.WorkerConcurrency),
		zap.Duration("visibility", p.queue.VisibilityTimeout()))
	return g.Wait()
}

func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		p.Maintain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Maintain promotes due scheduled steps, reclaims expired leases, and samples queue depth.
func (p *Processor) Maintain(ctx context.Context) {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.logger.Warn("promote scheduled", zap.Error(err))
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, now, 100)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("requeue expired", zap.Error(err))
	}
	for _, task := range reclaimed {
		telemetry.LeasesReclaimed.Inc()
		p.logger.Warn("lease expired; step redelivered",
			zap.String(logging.FieldStep, task.Step),
			zap.String(logging.FieldJobID, task.JobID))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) loop(ctx context.Context, slot int) error {
	log := p.logger.With(zap.Int("slot", slot))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		worked, err := p.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn("dequeue", zap.Error(err))
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// ProcessOne leases and executes at most one step. It reports whether a step was found.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	task, ok, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, errors.Wrap(err, "dequeue")
	}
	if !ok {
		return false, nil
	}
	p.execute(ctx, task)
	return true, nil
}

func (p *Processor) execute(ctx context.Context, task queue.Task) {
	log := p.logger.With(zap.String(logging.FieldStep, task.Step), zap.String(logging.FieldJobID, task.JobID))
	// Queue bookkeeping must land even when shutdown interrupts the handler.
	bookCtx := context.WithoutCancel(ctx)

	handler, ok := p.handlers[task.Step]
	if !ok {
		p.deadLetter(bookCtx, task, errors.Newf("no handler registered for step %q", task.Step), log)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, task, log)
	start := p.now()
	requeueAfter, err := handler(ctx, task.JobID)
	stopHeartbeat()
	telemetry.StepDuration.WithLabelValues(task.Step).Observe(time.Since(start).Seconds())

	switch {
	case err == nil && requeueAfter > 0:
		if rerr := p.queue.Reschedule(bookCtx, task, p.now().Add(requeueAfter)); rerr != nil {
			log.Error("reschedule step", zap.Error(rerr))
			return
		}
		telemetry.StepRuns.WithLabelValues(task.Step, "rescheduled").Inc()
	case err == nil:
		if aerr := p.queue.Ack(bookCtx, task); aerr != nil {
			log.Error("ack step", zap.Error(aerr))
			return
		}
		telemetry.StepRuns.WithLabelValues(task.Step, "ok").Inc()
	default:
		p.retry(bookCtx, task, err, log)
	}
}

func (p *Processor) retry(ctx context.Context, task queue.Task, cause error, log *zap.Logger) {
	prev, err := p.queue.Attempts(ctx, task)
	if err != nil {
		log.Error("read attempts", zap.Error(err))
		return
	}
	attempt := prev + 1
	if attempt >= p.cfg.MaxAttempts {
		p.deadLetter(ctx, task, cause, log)
		return
	}
	runAt := p.now().Add(retry.Backoff(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt))
	if _, err := p.queue.Retry(ctx, task, runAt); err != nil {
		log.Error("schedule retry", zap.Error(err))
		return
	}
	telemetry.StepRuns.WithLabelValues(task.Step, "retry").Inc()
	log.Warn("step failed; retry scheduled",
		zap.Int(logging.FieldAttempt, attempt),
		zap.String("class", errs.Class(cause)),
		zap.Time("next_run", runAt),
		zap.Error(cause))
}

func (p *Processor) deadLetter(ctx context.Context, task queue.Task, cause error, log *zap.Logger) {
	if err := p.queue.Ack(ctx, task); err != nil {
		log.Error("ack dead step", zap.Error(err))
	}
	if err := p.queue.DLQPush(ctx, task); err != nil {
		log.Error("push dlq", zap.Error(err))
	}
	telemetry.StepRuns.WithLabelValues(task.Step, "dead_letter").Inc()
	telemetry.StepDeadLetter.WithLabelValues(task.Step).Inc()
	log.Error("step moved to dlq", zap.Error(cause))
	if p.onDeadLetter != nil {
		p.onDeadLetter(ctx, task, cause)
	}
}

// heartbeat keeps the lease alive while a long step runs.
func (p *Processor) heartbeat(ctx context.Context, task queue.Task, log *zap.Logger) {
	visibility := p.queue.VisibilityTimeout()
	if visibility < 3*time.Millisecond {
		return
	}
	ticker := time.NewTicker(visibility / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, task, visibility); err != nil && ctx.Err() == nil {
				log.Warn("extend lease", zap.Error(err))
			}
		}
	}
}
