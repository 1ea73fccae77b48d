package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"provisioning-orchestrator/internal/models"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Name     string
	Kind     string
	Tenant   string
	Priority string
	Config   models.JobConfig
}

// CreateJob inserts a job row in status created.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Tenant == "" {
		p.Tenant = "default"
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return models.Job{}, errors.Wrap(err, "marshal config")
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, name, kind, tenant, priority, status, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.Name, p.Kind, p.Tenant, p.Priority, models.StatusCreated, configJSON, now)
	if err != nil {
		return models.Job{}, errors.Wrap(err, "insert job")
	}

	return models.Job{
		ID:        id,
		Name:      p.Name,
		Kind:      p.Kind,
		Tenant:    p.Tenant,
		Priority:  p.Priority,
		Status:    models.StatusCreated,
		Config:    p.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

const jobColumns = `id, name, kind, tenant, priority, status, config, instance_id, public_ip, private_ip, aws_account_id,
	outputs, error_message, kamiwaza_ready, kamiwaza_checked_at, kamiwaza_check_attempts, readiness_status,
	readiness_started_at, ami_creation_status, created_ami_id, created_ami_size_gb, ami_created_at,
	ami_creation_error, ami_wait_started_at, created_at, updated_at, started_at, completed_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	var (
		job                                        models.Job
		configJSON, outputsJSON                    []byte
		instanceID, publicIP, privateIP, accountID pgtype.Text
		errMsg, readiness, amiStatus, amiID        pgtype.Text
		amiErr                                     pgtype.Text
		amiSize                                    pgtype.Int4
	)
	err := row.Scan(&job.ID, &job.Name, &job.Kind, &job.Tenant, &job.Priority, &job.Status, &configJSON,
		&instanceID, &publicIP, &privateIP, &accountID, &outputsJSON, &errMsg,
		&job.KamiwazaReady, &job.KamiwazaCheckedAt, &job.KamiwazaCheckAttempts, &readiness,
		&job.ReadinessStartedAt, &amiStatus, &amiID, &amiSize, &job.AMICreatedAt,
		&amiErr, &job.AMIWaitStartedAt, &job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
		}
		return models.Job{}, errors.Wrap(err, "scan job")
	}

	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return models.Job{}, errors.Wrap(err, "unmarshal config")
	}
	if len(outputsJSON) > 0 {
		if err := json.Unmarshal(outputsJSON, &job.Outputs); err != nil {
			return models.Job{}, errors.Wrap(err, "unmarshal outputs")
		}
	}
	job.InstanceID = instanceID.String
	job.PublicIP = publicIP.String
	job.PrivateIP = privateIP.String
	job.AWSAccountID = accountID.String
	job.ErrorMessage = errMsg.String
	job.ReadinessStatus = readiness.String
	job.AMICreationStatus = amiStatus.String
	job.CreatedAMIID = amiID.String
	job.AMICreationError = amiErr.String
	job.CreatedAMISizeGB = int(amiSize.Int32)
	return job, nil
}

// TransitionStatus moves a job to status `to` only if its current status allows it.
// It reports false, without error, when the transition was refused.
func (s *Store) TransitionStatus(ctx context.Context, id, to, errorMessage string) (bool, error) {
	from := models.TransitionSources(to)
	if len(from) == 0 {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
		    error_message = COALESCE($3, error_message),
		    started_at = CASE WHEN $2 = 'running' THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $2 IN ('succeeded', 'failed', 'cancelled') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`, id, to, emptyToNil(errorMessage), from)
	if err != nil {
		return false, errors.Wrapf(err, "transition job %s to %s", id, to)
	}
	return tag.RowsAffected() == 1, nil
}

// ProvisionResult is what a successful apply records on the job.
type ProvisionResult struct {
	InstanceID string
	PublicIP   string
	PrivateIP  string
	Outputs    map[string]string
}

// SetProvisionResult records executor outputs.
func (s *Store) SetProvisionResult(ctx context.Context, id string, r ProvisionResult) error {
	outputsJSON, err := json.Marshal(r.Outputs)
	if err != nil {
		return errors.Wrap(err, "marshal outputs")
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs
		SET instance_id = $2, public_ip = $3, private_ip = $4, outputs = $5, updated_at = NOW()
		WHERE id = $1
	`, id, emptyToNil(r.InstanceID), emptyToNil(r.PublicIP), emptyToNil(r.PrivateIP), outputsJSON)
	return errors.Wrap(err, "set provision result")
}

// SetAccountID records the cloud account the job ran in.
func (s *Store) SetAccountID(ctx context.Context, id, accountID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET aws_account_id = $2, updated_at = NOW() WHERE id = $1`, id, accountID)
	return errors.Wrap(err, "set account id")
}

// StartReadiness marks the readiness wait as begun. The start time is kept on redelivery.
func (s *Store) StartReadiness(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET readiness_status = $2, readiness_started_at = COALESCE(readiness_started_at, $3), updated_at = NOW()
		WHERE id = $1
	`, id, models.ReadinessWaiting, startedAt)
	return errors.Wrap(err, "start readiness")
}

// RecordReadinessCheck counts one probe.
func (s *Store) RecordReadinessCheck(ctx context.Context, id string, checkedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET kamiwaza_check_attempts = kamiwaza_check_attempts + 1, kamiwaza_checked_at = $2, updated_at = NOW()
		WHERE id = $1
	`, id, checkedAt)
	return errors.Wrap(err, "record readiness check")
}

// FinishReadiness records the terminal readiness state. It only applies while the job is
// still waiting, so the terminal state is written exactly once.
func (s *Store) FinishReadiness(ctx context.Context, id, status string, ready bool) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET readiness_status = $2, kamiwaza_ready = $3, updated_at = NOW()
		WHERE id = $1 AND readiness_status = $4
	`, id, status, ready, models.ReadinessWaiting)
	if err != nil {
		return false, errors.Wrap(err, "finish readiness")
	}
	return tag.RowsAffected() == 1, nil
}

// ImageUpdate carries image-cache fields. Zero values leave the column untouched.
type ImageUpdate struct {
	Status        string
	ImageID       string
	SizeGB        int
	Error         string
	CreatedAt     *time.Time
	WaitStartedAt *time.Time
}

// UpdateImage records image-cache progress on the job.
func (s *Store) UpdateImage(ctx context.Context, id string, u ImageUpdate) error {
	var size *int32
	if u.SizeGB > 0 {
		v := int32(u.SizeGB)
		size = &v
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET ami_creation_status = $2,
		    created_ami_id = COALESCE($3, created_ami_id),
		    created_ami_size_gb = COALESCE($4, created_ami_size_gb),
		    ami_creation_error = COALESCE($5, ami_creation_error),
		    ami_created_at = COALESCE($6, ami_created_at),
		    ami_wait_started_at = COALESCE(ami_wait_started_at, $7),
		    updated_at = NOW()
		WHERE id = $1
	`, id, u.Status, emptyToNil(u.ImageID), size, emptyToNil(u.Error), u.CreatedAt, u.WaitStartedAt)
	return errors.Wrap(err, "update image status")
}

// AppendLog inserts a log row. A per-job transaction lock makes ids become visible in
// allocation order, so readers polling with after_id never skip a row.
func (s *Store) AppendLog(ctx context.Context, e models.LogEntry) (models.LogEntry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return e, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.JobID); err != nil {
		return e, errors.Wrap(err, "lock job log")
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO job_logs (job_id, ts, level, source, message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, e.JobID, e.Timestamp, e.Level, e.Source, e.Message).Scan(&e.ID)
	if err != nil {
		return e, errors.Wrap(err, "insert log")
	}
	if err := tx.Commit(ctx); err != nil {
		return e, errors.Wrap(err, "commit log")
	}
	return e, nil
}

// ListLogs returns log entries with id > afterID in id order.
func (s *Store) ListLogs(ctx context.Context, jobID string, afterID int64, limit int) ([]models.LogEntry, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, ts, level, source, message
		FROM job_logs
		WHERE job_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, jobID, afterID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query logs")
	}
	defer rows.Close()

	out := make([]models.LogEntry, 0)
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Timestamp, &e.Level, &e.Source, &e.Message); err != nil {
			return nil, errors.Wrap(err, "scan log")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate logs")
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
