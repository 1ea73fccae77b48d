package store

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"provisioning-orchestrator/internal/models"
)

// MemoryStore is an in-process job store with the same semantics as Store. It backs
// single-process development runs and the pipeline tests.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]models.Job
	logs   map[string][]models.LogEntry
	nextID int64
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]models.Job),
		logs: make(map[string][]models.LogEntry),
	}
}

func (m *MemoryStore) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	if p.Tenant == "" {
		p.Tenant = "default"
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	now := time.Now().UTC()
	job := models.Job{
		ID:        uuid.New().String(),
		Name:      p.Name,
		Kind:      p.Kind,
		Tenant:    p.Tenant,
		Priority:  p.Priority,
		Status:    models.StatusCreated,
		Config:    p.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()
	return job, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return job, nil
}

func (m *MemoryStore) update(id string, fn func(j *models.Job) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if !fn(&job) {
		return false, nil
	}
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return true, nil
}

func (m *MemoryStore) TransitionStatus(_ context.Context, id, to, errorMessage string) (bool, error) {
	return m.update(id, func(j *models.Job) bool {
		if !models.CanTransition(j.Status, to) {
			return false
		}
		now := time.Now().UTC()
		j.Status = to
		if errorMessage != "" {
			j.ErrorMessage = errorMessage
		}
		if to == models.StatusRunning {
			j.StartedAt = &now
		}
		if models.IsTerminal(to) {
			j.CompletedAt = &now
		}
		return true
	})
}

func (m *MemoryStore) SetProvisionResult(_ context.Context, id string, r ProvisionResult) error {
	_, err := m.update(id, func(j *models.Job) bool {
		j.InstanceID = r.InstanceID
		j.PublicIP = r.PublicIP
		j.PrivateIP = r.PrivateIP
		j.Outputs = r.Outputs
		return true
	})
	return err
}

func (m *MemoryStore) SetAccountID(_ context.Context, id, accountID string) error {
	_, err := m.update(id, func(j *models.Job) bool {
		j.AWSAccountID = accountID
		return true
	})
	return err
}

func (m *MemoryStore) StartReadiness(_ context.Context, id string, startedAt time.Time) error {
	_, err := m.update(id, func(j *models.Job) bool {
		j.ReadinessStatus = models.ReadinessWaiting
		if j.ReadinessStartedAt == nil {
			t := startedAt.UTC()
			j.ReadinessStartedAt = &t
		}
		return true
	})
	return err
}

func (m *MemoryStore) RecordReadinessCheck(_ context.Context, id string, checkedAt time.Time) error {
	_, err := m.update(id, func(j *models.Job) bool {
		t := checkedAt.UTC()
		j.KamiwazaCheckAttempts++
		j.KamiwazaCheckedAt = &t
		return true
	})
	return err
}

func (m *MemoryStore) FinishReadiness(_ context.Context, id, status string, ready bool) (bool, error) {
	return m.update(id, func(j *models.Job) bool {
		if j.ReadinessStatus != models.ReadinessWaiting {
			return false
		}
		j.ReadinessStatus = status
		j.KamiwazaReady = ready
		return true
	})
}

func (m *MemoryStore) UpdateImage(_ context.Context, id string, u ImageUpdate) error {
	_, err := m.update(id, func(j *models.Job) bool {
		j.AMICreationStatus = u.Status
		if u.ImageID != "" {
			j.CreatedAMIID = u.ImageID
		}
		if u.SizeGB > 0 {
			j.CreatedAMISizeGB = u.SizeGB
		}
		if u.Error != "" {
			j.AMICreationError = u.Error
		}
		if u.CreatedAt != nil {
			j.AMICreatedAt = u.CreatedAt
		}
		if j.AMIWaitStartedAt == nil && u.WaitStartedAt != nil {
			j.AMIWaitStartedAt = u.WaitStartedAt
		}
		return true
	})
	return err
}

func (m *MemoryStore) AppendLog(_ context.Context, e models.LogEntry) (models.LogEntry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[e.JobID]; !ok {
		return e, errors.Wrapf(ErrNotFound, "job %s", e.JobID)
	}
	m.nextID++
	e.ID = m.nextID
	m.logs[e.JobID] = append(m.logs[e.JobID], e)
	return e, nil
}

func (m *MemoryStore) ListLogs(_ context.Context, jobID string, afterID int64, limit int) ([]models.LogEntry, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.LogEntry, 0)
	for _, e := range m.logs[jobID] {
		if e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
