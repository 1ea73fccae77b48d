package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioning-orchestrator/internal/models"
)

// newPostgresStore connects to TEST_POSTGRES_DSN and skips when it is unset.
func newPostgresStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.Ping(ctx))
	require.NoError(t, st.RunMigrations(ctx))
	// Migrations are idempotent.
	require.NoError(t, st.RunMigrations(ctx))
	return st
}

func newPostgresJob(t *testing.T, st *Store) models.Job {
	t.Helper()
	job, err := st.CreateJob(context.Background(), CreateJobParams{
		Name:   "demo",
		Kind:   models.KindApplication,
		Tenant: "acme",
		Config: models.JobConfig{
			Region:       "us-east-1",
			InstanceType: "t3.xlarge",
			VolumeSizeGB: 100,
			AppVersion:   "v0.9.2",
			CreateImage:  true,
			Auth:         models.AuthConfig{Method: models.AuthAssumeRole, RoleARN: "arn:aws:iam::123456789012:role/deploy"},
		},
	})
	require.NoError(t, err)
	return job
}

func TestPostgresCreateAndGet(t *testing.T) {
	ctx := context.Background()
	st := newPostgresStore(t)
	job := newPostgresJob(t, st)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, got.Status)
	assert.Equal(t, "acme", got.Tenant)
	assert.Equal(t, "v0.9.2", got.Config.AppVersion)
	assert.True(t, got.Config.CreateImage)
	assert.Nil(t, got.StartedAt)

	_, err = st.GetJob(ctx, "does-not-exist")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPostgresTransitionsAreForwardOnly(t *testing.T) {
	ctx := context.Background()
	st := newPostgresStore(t)
	job := newPostgresJob(t, st)

	for _, step := range []struct {
		to   string
		want bool
	}{
		{models.StatusQueued, true},
		{models.StatusRunning, true},
		{models.StatusQueued, false},
		{models.StatusSucceeded, true},
		{models.StatusCancelled, false},
		{models.StatusFailed, false},
	} {
		ok, err := st.TransitionStatus(ctx, job.ID, step.to, "")
		require.NoError(t, err)
		assert.Equal(t, step.want, ok, "transition to %s", step.to)
	}

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestPostgresProvisionAndReadiness(t *testing.T) {
	ctx := context.Background()
	st := newPostgresStore(t)
	job := newPostgresJob(t, st)

	require.NoError(t, st.SetAccountID(ctx, job.ID, "123456789012"))
	require.NoError(t, st.SetProvisionResult(ctx, job.ID, ProvisionResult{
		InstanceID: "i-0abc",
		PublicIP:   "203.0.113.10",
		Outputs:    map[string]string{"instance_id": "i-0abc"},
	}))

	start := time.Now().Add(-time.Minute).UTC().Truncate(time.Microsecond)
	require.NoError(t, st.StartReadiness(ctx, job.ID, start))
	require.NoError(t, st.StartReadiness(ctx, job.ID, time.Now()))
	require.NoError(t, st.RecordReadinessCheck(ctx, job.ID, time.Now()))
	require.NoError(t, st.RecordReadinessCheck(ctx, job.ID, time.Now()))

	ok, err := st.FinishReadiness(ctx, job.ID, models.ReadinessReady, true)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.FinishReadiness(ctx, job.ID, models.ReadinessTimedOut, false)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "123456789012", got.AWSAccountID)
	assert.Equal(t, "i-0abc", got.InstanceID)
	assert.Empty(t, got.PrivateIP)
	assert.Equal(t, "i-0abc", got.Outputs["instance_id"])
	assert.Equal(t, models.ReadinessReady, got.ReadinessStatus)
	assert.True(t, got.KamiwazaReady)
	assert.Equal(t, 2, got.KamiwazaCheckAttempts)
	require.NotNil(t, got.ReadinessStartedAt)
	assert.WithinDuration(t, start, *got.ReadinessStartedAt, time.Millisecond)
}

func TestPostgresUpdateImageKeepsEarlierFields(t *testing.T) {
	ctx := context.Background()
	st := newPostgresStore(t)
	job := newPostgresJob(t, st)

	waitStart := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, st.UpdateImage(ctx, job.ID, ImageUpdate{
		Status:        models.ImageStatusCreating,
		ImageID:       "ami-0123",
		WaitStartedAt: &waitStart,
	}))
	later := waitStart.Add(time.Hour)
	require.NoError(t, st.UpdateImage(ctx, job.ID, ImageUpdate{
		Status:        models.ImageStatusCompleted,
		SizeGB:        100,
		CreatedAt:     &later,
		WaitStartedAt: &later,
	}))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusCompleted, got.AMICreationStatus)
	assert.Equal(t, "ami-0123", got.CreatedAMIID)
	assert.Equal(t, 100, got.CreatedAMISizeGB)
	require.NotNil(t, got.AMIWaitStartedAt)
	assert.WithinDuration(t, waitStart, *got.AMIWaitStartedAt, time.Millisecond, "wait start is kept")
	require.NotNil(t, got.AMICreatedAt)
	assert.Empty(t, got.AMICreationError)
}

func TestPostgresLogsAfterID(t *testing.T) {
	ctx := context.Background()
	st := newPostgresStore(t)
	job := newPostgresJob(t, st)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := st.AppendLog(ctx, models.LogEntry{JobID: job.ID, Level: models.LevelInfo, Source: models.SourceTerraform, Message: fmt.Sprintf("w%d-%d", w, i)})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	all, err := st.ListLogs(ctx, job.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 40)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].ID, all[i-1].ID)
	}

	page, err := st.ListLogs(ctx, job.ID, all[9].ID, 5)
	require.NoError(t, err)
	require.Len(t, page, 5)
	assert.Equal(t, all[10].ID, page[0].ID)
}
