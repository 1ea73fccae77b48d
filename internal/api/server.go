package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"provisioning-orchestrator/internal/config"
	"provisioning-orchestrator/internal/errs"
	"provisioning-orchestrator/internal/joblog"
	"provisioning-orchestrator/internal/logging"
	"provisioning-orchestrator/internal/models"
	"provisioning-orchestrator/internal/queue"
	"provisioning-orchestrator/internal/ratelimit"
	"provisioning-orchestrator/internal/store"
	"provisioning-orchestrator/internal/telemetry"
)

const maxLogPage = 1000

// JobStore is the persistence the API reads and writes.
type JobStore interface {
	joblog.Appender
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	TransitionStatus(ctx context.Context, id, to, errorMessage string) (bool, error)
	FinishReadiness(ctx context.Context, id, status string, ready bool) (bool, error)
	ListLogs(ctx context.Context, jobID string, afterID int64, limit int) ([]models.LogEntry, error)
}

// Server wires HTTP handlers for the submission API.
type Server struct {
	cfg     config.Config
	store   JobStore
	queue   *queue.RedisQueue
	limiter *ratelimit.SubmissionLimiter
	logger  *zap.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, st JobStore, q *queue.RedisQueue, limiter *ratelimit.SubmissionLimiter, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		logger:  logging.Component(logger, "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/logs", s.handleLogs)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		decision, err := s.limiter.AllowSubmission(ctx, tenant)
		if err != nil {
			s.logger.Error("rate limiter", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	req, err := validate(req, s.cfg.Policy, s.cfg.ImageManagerIdentity, s.cfg.Priorities(), s.cfg.DefaultPriority())
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.Message(err))
		return
	}

	job, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Name:     req.Name,
		Kind:     req.Kind,
		Tenant:   tenant,
		Priority: req.Priority,
		Config:   req.JobConfig,
	})
	if err != nil {
		s.logger.Error("create job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create job failed")
		return
	}
	log := s.logger.With(zap.String(logging.FieldJobID, job.ID))
	jl := joblog.New(s.store, job.ID, s.logger)
	jl.Infof(ctx, models.SourceSystem, "Job %s submitted by tenant %s (%s, %s in %s)", job.Name, tenant, job.Kind, job.Config.InstanceType, job.Config.Region)

	task := queue.Task{Step: models.StepProvision, JobID: job.ID}
	if err := s.queue.Enqueue(ctx, task, job.Priority, job.CreatedAt); err != nil {
		log.Error("enqueue provision", zap.Error(err))
		_, _ = s.store.TransitionStatus(ctx, job.ID, models.StatusFailed, "enqueue failed: "+err.Error())
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	if _, err := s.store.TransitionStatus(ctx, job.ID, models.StatusQueued, ""); err != nil {
		log.Error("mark queued", zap.Error(err))
	}
	telemetry.JobsSubmitted.WithLabelValues(job.Kind).Inc()

	if fresh, err := s.store.GetJob(ctx, job.ID); err == nil {
		job = fresh
	}
	log.Info("job accepted", zap.String("tenant", tenant), zap.String("priority", req.Priority))
	writeJSON(w, http.StatusAccepted, job.View())
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return models.Job{}, false
	}
	if err != nil {
		s.logger.Error("get job", zap.String(logging.FieldJobID, id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get job failed")
		return models.Job{}, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

type logsResponse struct {
	Logs      []models.LogEntry `json:"logs"`
	JobStatus string            `json:"job_status"`
}

// handleLogs returns entries strictly after the `after` id so clients can tail by polling.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}
	limit := maxLogPage
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	entries, err := s.store.ListLogs(r.Context(), job.ID, after, limit)
	if err != nil {
		s.logger.Error("list logs", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list logs failed")
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{Logs: entries, JobStatus: job.Status})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if models.IsTerminal(job.Status) {
		writeError(w, http.StatusConflict, "job is already "+job.Status)
		return
	}
	moved, err := s.store.TransitionStatus(ctx, job.ID, models.StatusCancelled, "")
	if err != nil {
		s.logger.Error("cancel job", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if !moved {
		writeError(w, http.StatusConflict, "job finished before it could be cancelled")
		return
	}
	if err := s.queue.CancelJob(ctx, job.ID); err != nil {
		// Steps that still run observe the cancelled status and stop.
		s.logger.Warn("remove queued steps", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
	}
	jl := joblog.New(s.store, job.ID, s.logger)
	// A parked readiness step was just removed, so a wait in progress is settled here.
	// FinishReadiness only applies while the wait is open.
	if job.WantsReadiness() {
		settled, err := s.store.FinishReadiness(ctx, job.ID, models.ReadinessCancelled, false)
		if err != nil {
			s.logger.Error("cancel readiness", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
		} else if settled {
			telemetry.ReadinessResults.WithLabelValues(models.ReadinessCancelled).Inc()
			jl.Infof(ctx, models.SourceReadiness, "Readiness checks stopped: job cancelled")
		}
	}
	jl.Infof(ctx, models.SourceSystem, "Cancellation requested; provisioned resources are not destroyed")
	telemetry.JobsFinished.WithLabelValues(models.StatusCancelled).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

// handleDLQ returns the DLQ contents (task keys only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// retryAfterSeconds rounds up to whole seconds, the unit Retry-After is given in.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
