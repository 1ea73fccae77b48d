package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"provisioning-orchestrator/internal/credentials"
	"provisioning-orchestrator/internal/errs"
	"provisioning-orchestrator/internal/executor"
	"provisioning-orchestrator/internal/imagecache"
	"provisioning-orchestrator/internal/joblog"
	"provisioning-orchestrator/internal/logging"
	"provisioning-orchestrator/internal/models"
	"provisioning-orchestrator/internal/queue"
	"provisioning-orchestrator/internal/readiness"
	"provisioning-orchestrator/internal/store"
	"provisioning-orchestrator/internal/telemetry"
)

// Message recorded when a provision step is redelivered after its apply started.
const interruptedApply = "apply interrupted; manual remediation required"

// JobStore is the persistence the pipeline needs. Both store.Store and
// store.MemoryStore satisfy it.
type JobStore interface {
	joblog.Appender
	GetJob(ctx context.Context, id string) (models.Job, error)
	TransitionStatus(ctx context.Context, id, to, errorMessage string) (bool, error)
	SetProvisionResult(ctx context.Context, id string, r store.ProvisionResult) error
	SetAccountID(ctx context.Context, id, accountID string) error
	StartReadiness(ctx context.Context, id string, startedAt time.Time) error
	RecordReadinessCheck(ctx context.Context, id string, checkedAt time.Time) error
	FinishReadiness(ctx context.Context, id, status string, ready bool) (bool, error)
	UpdateImage(ctx context.Context, id string, u store.ImageUpdate) error
}

// Scheduler enqueues the next step of a job.
type Scheduler interface {
	Enqueue(ctx context.Context, task queue.Task, priority string, runAt time.Time) error
}

// CredentialBroker resolves a job's auth configuration into credentials.
type CredentialBroker interface {
	Acquire(ctx context.Context, auth models.AuthConfig, region string) (credentials.Credentials, error)
	Identify(ctx context.Context, creds credentials.Credentials) (credentials.Identity, error)
}

// Executor applies a job's infrastructure.
type Executor interface {
	Execute(ctx context.Context, job models.Job, creds credentials.Credentials, sink executor.LineSink) (executor.Result, error)
}

// Prober checks whether the application on a host answers.
type Prober interface {
	Target(publicIP string) string
	Probe(ctx context.Context, url string) readiness.Result
}

// ImageManager runs the golden-image state machine.
type ImageManager interface {
	Begin(ctx context.Context, api imagecache.EC2API, req imagecache.Request, notify imagecache.Notify) (imagecache.Outcome, error)
	Poll(ctx context.Context, api imagecache.EC2API, req imagecache.Request, imageID string, startedAt time.Time) (imagecache.Outcome, error)
	Abandon(ctx context.Context, req imagecache.Request)
}

// EC2Factory builds an EC2 client bound to one job's credentials.
type EC2Factory func(creds credentials.Credentials) imagecache.EC2API

// Timing holds the delays between steps and the polling budgets.
type Timing struct {
	ReadinessInterval time.Duration
	ReadinessTimeout  time.Duration
	ImageSettleDelay  time.Duration
	ImagePollInterval time.Duration
}

// Pipeline implements the provision -> readiness -> image_create -> image_wait steps.
// Every step reloads the job, so a redelivered task sees the state its previous run left.
type Pipeline struct {
	store  JobStore
	sched  Scheduler
	broker CredentialBroker
	exec   Executor
	prober Prober
	images ImageManager
	ec2    EC2Factory
	timing Timing
	logger *zap.Logger
	now    func() time.Time
}

// PipelineDeps bundles the collaborators of a Pipeline.
type PipelineDeps struct {
	Store     JobStore
	Scheduler Scheduler
	Broker    CredentialBroker
	Executor  Executor
	Prober    Prober
	Images    ImageManager
	EC2       EC2Factory
}

// NewPipeline wires the step handlers.
func NewPipeline(deps PipelineDeps, timing Timing, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:  deps.Store,
		sched:  deps.Scheduler,
		broker: deps.Broker,
		exec:   deps.Executor,
		prober: deps.Prober,
		images: deps.Images,
		ec2:    deps.EC2,
		timing: timing,
		logger: logging.Component(logger, "pipeline"),
		now:    time.Now,
	}
}

// Register binds every step to p.
func (p *Pipeline) Register(proc *Processor) {
	proc.RegisterHandler(models.StepProvision, p.Provision)
	proc.RegisterHandler(models.StepReadiness, p.Readiness)
	proc.RegisterHandler(models.StepImageCreate, p.ImageCreate)
	proc.RegisterHandler(models.StepImageWait, p.ImageWait)
	proc.OnDeadLetter(p.DeadLetter)
}

func (p *Pipeline) load(ctx context.Context, jobID string) (models.Job, bool, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("step for unknown job dropped", zap.String(logging.FieldJobID, jobID))
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, errors.Wrapf(err, "load job %s", jobID)
	}
	return job, true, nil
}

// schedule enqueues the job's next step on the queue it was submitted to.
func (p *Pipeline) schedule(ctx context.Context, step string, job models.Job, after time.Duration) error {
	task := queue.Task{Step: step, JobID: job.ID}
	if err := p.sched.Enqueue(ctx, task, job.Priority, p.now().Add(after)); err != nil {
		return errors.Wrapf(err, "enqueue %s", task)
	}
	return nil
}

// Provision acquires credentials and applies the job's infrastructure. It never runs
// apply twice: a redelivery that finds the job running resumes from the recorded result,
// or fails the job when the apply never reported one.
func (p *Pipeline) Provision(ctx context.Context, jobID string) (time.Duration, error) {
	job, ok, err := p.load(ctx, jobID)
	if !ok {
		return 0, err
	}
	jl := joblog.New(p.store, job.ID, p.logger)

	switch job.Status {
	case models.StatusCreated, models.StatusQueued:
	case models.StatusRunning:
		if job.InstanceID != "" {
			jl.Infof(ctx, models.SourceWorker, "Resuming after apply: instance %s already recorded", job.InstanceID)
			return 0, p.handOff(ctx, jl, job.ID)
		}
		jl.Errorf(ctx, models.SourceWorker, "Provisioning was interrupted before it reported a result")
		return 0, p.failJob(ctx, jl, job.ID, errs.Execution(errors.New(interruptedApply)))
	case models.StatusCancelled:
		jl.Infof(ctx, models.SourceWorker, "Job cancelled before provisioning started")
		return 0, nil
	default:
		return 0, nil
	}

	moved, err := p.store.TransitionStatus(ctx, job.ID, models.StatusRunning, "")
	if err != nil {
		return 0, err
	}
	if !moved {
		return 0, nil
	}
	jl.Infof(ctx, models.SourceWorker, "Starting provisioning of %s (%s) in %s", job.Name, job.Config.InstanceType, job.Config.Region)

	creds, err := p.broker.Acquire(ctx, job.Config.Auth, job.Config.Region)
	if err != nil {
		return 0, p.failJob(ctx, jl, job.ID, err)
	}
	if creds.CanExpire() {
		jl.Infof(ctx, models.SourceWorker, "Credentials acquired via %s, valid until %s", creds.Source, creds.Expiration.Format(time.RFC3339))
	} else {
		jl.Infof(ctx, models.SourceWorker, "Credentials acquired via %s", creds.Source)
	}
	if ident, err := p.broker.Identify(ctx, creds); err != nil {
		jl.Warnf(ctx, models.SourceWorker, "Could not resolve account id: %v", err)
	} else if err := p.store.SetAccountID(ctx, job.ID, ident.AccountID); err != nil {
		return 0, err
	}

	res, err := p.exec.Execute(ctx, job, creds, jl)
	if err != nil {
		return 0, p.failJob(ctx, jl, job.ID, err)
	}
	if err := p.store.SetProvisionResult(ctx, job.ID, store.ProvisionResult{
		InstanceID: res.InstanceID,
		PublicIP:   res.PublicIP,
		PrivateIP:  res.PrivateIP,
		Outputs:    res.Outputs,
	}); err != nil {
		return 0, err
	}
	jl.Infof(ctx, models.SourceWorker, "Instance %s provisioned (public ip %q)", res.InstanceID, res.PublicIP)
	return 0, p.handOff(ctx, jl, job.ID)
}

// handOff moves an applied job on: generic jobs finish, application jobs start the
// readiness wait. A retried provision step repeats it after a failed enqueue.
func (p *Pipeline) handOff(ctx context.Context, jl *joblog.Logger, jobID string) error {
	job, ok, err := p.load(ctx, jobID)
	if !ok {
		return err
	}
	if !job.WantsReadiness() {
		return p.finish(ctx, jl, job.ID, models.StatusSucceeded)
	}
	if job.Status == models.StatusCancelled {
		jl.Infof(ctx, models.SourceWorker, "Job cancelled during provisioning; readiness checks skipped")
		return nil
	}
	if job.ReadinessStatus != "" && job.ReadinessStatus != models.ReadinessWaiting {
		return nil
	}
	if err := p.store.StartReadiness(ctx, job.ID, p.now().UTC()); err != nil {
		return err
	}
	jl.Infof(ctx, models.SourceReadiness, "Waiting up to %s for the application at %s", p.timing.ReadinessTimeout, p.prober.Target(job.PublicIP))
	return p.schedule(ctx, models.StepReadiness, job, 0)
}

// Readiness probes the host once and either re-enqueues itself or settles the wait.
func (p *Pipeline) Readiness(ctx context.Context, jobID string) (time.Duration, error) {
	job, ok, err := p.load(ctx, jobID)
	if !ok {
		return 0, err
	}
	jl := joblog.New(p.store, job.ID, p.logger)
	if job.ReadinessStatus != "" && job.ReadinessStatus != models.ReadinessWaiting {
		return 0, p.settleReadiness(ctx, jl, job, readiness.State(job.ReadinessStatus))
	}
	cancelled := job.Status == models.StatusCancelled
	if !cancelled && job.Status != models.StatusRunning {
		return 0, nil
	}

	now := p.now().UTC()
	startedAt := now
	if job.ReadinessStartedAt != nil {
		startedAt = *job.ReadinessStartedAt
	} else if err := p.store.StartReadiness(ctx, job.ID, now); err != nil {
		return 0, err
	}

	var res readiness.Result
	if !cancelled {
		if job.PublicIP == "" {
			res = readiness.Result{Detail: "instance has no public ip"}
		} else {
			res = p.prober.Probe(ctx, p.prober.Target(job.PublicIP))
		}
		if err := p.store.RecordReadinessCheck(ctx, job.ID, now); err != nil {
			return 0, err
		}
		if res.Ready {
			telemetry.ReadinessProbes.WithLabelValues("ready").Inc()
		} else {
			telemetry.ReadinessProbes.WithLabelValues("not_ready").Inc()
		}
	}

	state := readiness.Evaluate(p.now().UTC(), startedAt, p.timing.ReadinessTimeout, cancelled, res)
	if state == readiness.Waiting {
		jl.Debugf(ctx, models.SourceReadiness, "Check %d: not ready (%s)", job.KamiwazaCheckAttempts+1, res.Detail)
		return p.timing.ReadinessInterval, nil
	}

	won, err := p.store.FinishReadiness(ctx, job.ID, string(state), state == readiness.Ready)
	if err != nil {
		return 0, err
	}
	if !won {
		return 0, nil
	}
	telemetry.ReadinessResults.WithLabelValues(string(state)).Inc()

	switch state {
	case readiness.Ready:
		jl.Infof(ctx, models.SourceReadiness, "Application ready after %d checks (HTTP %d)", job.KamiwazaCheckAttempts+1, res.StatusCode)
	case readiness.TimedOut:
		timeout := errs.ReadinessTimeoutf("application not ready after %s", p.timing.ReadinessTimeout)
		jl.Warnf(ctx, models.SourceReadiness, "%s; the instance is left running", errs.Message(timeout))
	case readiness.Cancelled:
		jl.Infof(ctx, models.SourceReadiness, "Readiness checks stopped: job cancelled")
	}
	return 0, p.settleReadiness(ctx, jl, job, state)
}

// settleReadiness applies what follows a finished readiness wait: the job succeeds and
// the image step is scheduled, or marked failed after a timeout. A redelivered readiness
// step repeats it, so each action is guarded by the state the job already records.
func (p *Pipeline) settleReadiness(ctx context.Context, jl *joblog.Logger, job models.Job, state readiness.State) error {
	if state == readiness.Cancelled || job.Status == models.StatusCancelled {
		return nil
	}
	if err := p.finish(ctx, jl, job.ID, models.StatusSucceeded); err != nil {
		return err
	}
	if !job.WantsImage() || job.AMICreationStatus != "" {
		return nil
	}
	switch state {
	case readiness.Ready:
		jl.Infof(ctx, models.SourceImage, "Golden image check for %s scheduled in %s", job.Config.AppVersion, p.timing.ImageSettleDelay)
		return p.schedule(ctx, models.StepImageCreate, job, p.timing.ImageSettleDelay)
	case readiness.TimedOut:
		return p.imageFailed(ctx, jl, job.ID, "readiness timed out")
	}
	return nil
}

func imageRequest(job models.Job) imagecache.Request {
	return imagecache.Request{
		JobID:      job.ID,
		JobName:    job.Name,
		InstanceID: job.InstanceID,
		Version:    job.Config.AppVersion,
		Region:     job.Config.Region,
		Reboot:     job.Config.RebootBeforeImage,
	}
}

// ImageCreate finds or starts the golden image for the job's version.
func (p *Pipeline) ImageCreate(ctx context.Context, jobID string) (time.Duration, error) {
	job, ok, err := p.load(ctx, jobID)
	if !ok {
		return 0, err
	}
	if !job.WantsImage() {
		return 0, nil
	}
	switch job.AMICreationStatus {
	case "", models.ImageStatusPending:
	case models.ImageStatusCreating:
		if job.CreatedAMIID != "" {
			return 0, p.schedule(ctx, models.StepImageWait, job, 0)
		}
	default:
		return 0, nil
	}
	jl := joblog.New(p.store, job.ID, p.logger)

	creds, err := p.broker.Acquire(ctx, job.Config.Auth, job.Config.Region)
	if err != nil {
		return 0, p.imageFailed(ctx, jl, job.ID, errs.Message(err))
	}
	req := imageRequest(job)
	notify := func(ctx context.Context, status, message string) {
		if err := p.store.UpdateImage(ctx, job.ID, store.ImageUpdate{Status: status}); err != nil {
			p.logger.Warn("record image status", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
		}
		jl.Infof(ctx, models.SourceImage, "%s", message)
	}

	out, err := p.images.Begin(ctx, p.ec2(creds), req, notify)
	if out.Status == "" {
		return 0, errors.Wrap(err, "begin image")
	}
	telemetry.ImageOutcomes.WithLabelValues(out.Status).Inc()

	switch out.Status {
	case models.ImageStatusSkipped:
		jl.Infof(ctx, models.SourceImage, "Image creation skipped: %s", out.Message)
		return 0, p.store.UpdateImage(ctx, job.ID, store.ImageUpdate{Status: models.ImageStatusSkipped, ImageID: out.Ref.ImageID})
	case models.ImageStatusCreating:
		started := p.now().UTC()
		if err := p.store.UpdateImage(ctx, job.ID, store.ImageUpdate{
			Status:        models.ImageStatusCreating,
			ImageID:       out.Ref.ImageID,
			WaitStartedAt: &started,
		}); err != nil {
			return 0, err
		}
		jl.Infof(ctx, models.SourceImage, "Creating image %s from %s; polling every %s", out.Ref.ImageID, job.InstanceID, p.timing.ImagePollInterval)
		return 0, p.schedule(ctx, models.StepImageWait, job, p.timing.ImagePollInterval)
	default:
		return 0, p.imageFailed(ctx, jl, job.ID, out.Message)
	}
}

// ImageWait polls the in-flight image once and re-enqueues itself while it is pending.
func (p *Pipeline) ImageWait(ctx context.Context, jobID string) (time.Duration, error) {
	job, ok, err := p.load(ctx, jobID)
	if !ok {
		return 0, err
	}
	if job.AMICreationStatus != models.ImageStatusCreating || job.CreatedAMIID == "" {
		return 0, nil
	}
	jl := joblog.New(p.store, job.ID, p.logger)
	req := imageRequest(job)

	creds, err := p.broker.Acquire(ctx, job.Config.Auth, job.Config.Region)
	if err != nil {
		p.images.Abandon(ctx, req)
		return 0, p.imageFailed(ctx, jl, job.ID, errs.Message(err))
	}
	started := p.now().UTC()
	if job.AMIWaitStartedAt != nil {
		started = *job.AMIWaitStartedAt
	}

	out, err := p.images.Poll(ctx, p.ec2(creds), req, job.CreatedAMIID, started)
	switch out.Status {
	case models.ImageStatusCreating:
		jl.Debugf(ctx, models.SourceImage, "Image %s still %s", job.CreatedAMIID, out.Ref.State)
		return p.timing.ImagePollInterval, nil
	case models.ImageStatusCompleted:
		telemetry.ImageOutcomes.WithLabelValues(out.Status).Inc()
		created := out.Ref.CreatedAt
		if created.IsZero() {
			created = p.now().UTC()
		}
		if err := p.store.UpdateImage(ctx, job.ID, store.ImageUpdate{
			Status:    models.ImageStatusCompleted,
			ImageID:   out.Ref.ImageID,
			SizeGB:    out.Ref.SizeGB,
			CreatedAt: &created,
		}); err != nil {
			return 0, err
		}
		jl.Infof(ctx, models.SourceImage, "Image %s available (%d GB, %d snapshots)", out.Ref.ImageID, out.Ref.SizeGB, len(out.Ref.SnapshotIDs))
		return 0, nil
	case models.ImageStatusFailed:
		telemetry.ImageOutcomes.WithLabelValues(out.Status).Inc()
		return 0, p.imageFailed(ctx, jl, job.ID, out.Message)
	default:
		return 0, errors.Wrap(err, "poll image")
	}
}

// DeadLetter records a step that exhausted its retries on the job it belongs to.
func (p *Pipeline) DeadLetter(ctx context.Context, task queue.Task, cause error) {
	job, ok, err := p.load(ctx, task.JobID)
	if !ok {
		if err != nil {
			p.logger.Error("load dead-lettered job", zap.String(logging.FieldJobID, task.JobID), zap.Error(err))
		}
		return
	}
	jl := joblog.New(p.store, job.ID, p.logger)
	msg := "step " + task.Step + " gave up: " + errs.Message(cause)

	switch task.Step {
	case models.StepImageCreate, models.StepImageWait:
		p.images.Abandon(ctx, imageRequest(job))
		if err := p.imageFailed(ctx, jl, job.ID, msg); err != nil {
			p.logger.Error("record dead-lettered image step", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
		}
	case models.StepReadiness:
		// The wait never reached a verdict unless one is recorded, so readiness_status is
		// left as it is.
		msg = "readiness checks abandoned: " + msg
		var err error
		switch job.ReadinessStatus {
		case models.ReadinessReady, models.ReadinessTimedOut:
			err = p.finish(ctx, jl, job.ID, models.StatusSucceeded)
		default:
			err = p.failJob(ctx, jl, job.ID, errors.New(msg))
		}
		if err != nil {
			p.logger.Error("record dead-lettered step", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
		}
		if job.WantsImage() && job.AMICreationStatus == "" && job.Status != models.StatusCancelled {
			if err := p.imageFailed(ctx, jl, job.ID, msg); err != nil {
				p.logger.Error("record dead-lettered image", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
			}
		}
	default:
		if err := p.failJob(ctx, jl, job.ID, errors.New(msg)); err != nil {
			p.logger.Error("record dead-lettered step", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
		}
	}
}

// failJob records a terminal job failure. It is a no-op for jobs already terminal.
func (p *Pipeline) failJob(ctx context.Context, jl *joblog.Logger, jobID string, cause error) error {
	msg := errs.Message(cause)
	moved, err := p.store.TransitionStatus(ctx, jobID, models.StatusFailed, msg)
	if err != nil {
		return err
	}
	if moved {
		jl.Errorf(ctx, models.SourceWorker, "Job failed (%s): %s", errs.Class(cause), msg)
		telemetry.JobsFinished.WithLabelValues(models.StatusFailed).Inc()
	}
	return nil
}

func (p *Pipeline) finish(ctx context.Context, jl *joblog.Logger, jobID, status string) error {
	moved, err := p.store.TransitionStatus(ctx, jobID, status, "")
	if err != nil {
		return err
	}
	if moved {
		jl.Infof(ctx, models.SourceWorker, "Job %s", status)
		telemetry.JobsFinished.WithLabelValues(status).Inc()
	}
	return nil
}

func (p *Pipeline) imageFailed(ctx context.Context, jl *joblog.Logger, jobID, message string) error {
	jl.Errorf(ctx, models.SourceImage, "Image creation failed: %s", message)
	return p.store.UpdateImage(ctx, jobID, store.ImageUpdate{Status: models.ImageStatusFailed, Error: message})
}
