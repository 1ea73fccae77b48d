package imagecache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"provisioning-orchestrator/internal/errs"
	"provisioning-orchestrator/internal/imagecache/imagecachetest"
	"provisioning-orchestrator/internal/lock"
	"provisioning-orchestrator/internal/models"
)

const identity = "KamiwazaDeploymentManager"

func newTestManager(t *testing.T) (*Manager, *lock.RedisLocker) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lock.NewRedisLocker(client, time.Hour)
	m := NewManager(Options{
		Identity:    identity,
		WaitTimeout: 20 * time.Minute,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}, locker, zap.NewNop())
	return m, locker
}

func request(jobID, version string) Request {
	return Request{JobID: jobID, JobName: "demo", InstanceID: "i-1", Version: version, Region: "us-east-1"}
}

func managedTags(version string) map[string]string {
	return map[string]string{TagVersion: version, TagManagedBy: identity}
}

func TestBeginSkipsWhenImageExists(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	fake := imagecachetest.NewFakeEC2()
	fake.AddImage("ami-00000000000000aaa", types.ImageStateAvailable, time.Now().Add(-time.Hour), managedTags("v0.9.2"))

	out, err := m.Begin(ctx, fake, request("job-1", "v0.9.2"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusSkipped, out.Status)
	assert.Equal(t, "ami-00000000000000aaa", out.Ref.ImageID)
	assert.Zero(t, fake.Creates())
	assert.Zero(t, fake.RebootCalls)
}

func TestBeginIgnoresForeignImages(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	fake := imagecachetest.NewFakeEC2()
	fake.AddImage("ami-00000000000000bbb", types.ImageStateAvailable, time.Now(), map[string]string{TagVersion: "v0.9.2", TagManagedBy: "someone-else"})

	out, err := m.Begin(ctx, fake, request("job-1", "v0.9.2"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusCreating, out.Status)
	assert.Equal(t, 1, fake.Creates())
}

func TestCreateThenPollToCompleted(t *testing.T) {
	ctx := context.Background()
	m, locker := newTestManager(t)
	fake := imagecachetest.NewFakeEC2()
	fake.PendingPolls = 2
	req := request("job-7", "v0.9.3")
	req.Reboot = true

	var transitions []string
	out, err := m.Begin(ctx, fake, req, func(_ context.Context, status, _ string) {
		transitions = append(transitions, status)
	})
	require.NoError(t, err)
	require.Equal(t, models.ImageStatusCreating, out.Status)
	assert.Equal(t, []string{models.ImageStatusPending, models.ImageStatusPending}, transitions)
	assert.Equal(t, 1, fake.RebootCalls)

	imageID := out.Ref.ImageID
	require.NotEmpty(t, imageID)
	assert.Equal(t, "v0.9.3", fake.Tag(imageID, TagVersion))
	assert.Equal(t, "i-1", fake.Tag(imageID, TagSourceInstance))
	assert.Equal(t, "job-7", fake.Tag(imageID, TagSourceJob))
	assert.Equal(t, identity, fake.Tag(imageID, TagManagedBy))
	assert.Equal(t, "true", fake.Tag(imageID, TagAutoCreated))
	assert.NotEmpty(t, fake.Tag(imageID, TagCreatedAt))
	assert.Equal(t, ClientToken(req), aws.ToString(fake.CreateInputs[0].ClientToken))

	holder, err := locker.Holder(ctx, lock.ImageKey("v0.9.3", "us-east-1"))
	require.NoError(t, err)
	assert.Equal(t, "job-7", holder, "lock is held while creating")

	started := time.Now()
	for i := 0; i < 2; i++ {
		out, err = m.Poll(ctx, fake, req, imageID, started)
		require.NoError(t, err)
		assert.Equal(t, models.ImageStatusCreating, out.Status)
	}
	out, err = m.Poll(ctx, fake, req, imageID, started)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusCompleted, out.Status)
	assert.Equal(t, 100, out.Ref.SizeGB)
	assert.Len(t, out.Ref.SnapshotIDs, 1)

	holder, err = locker.Holder(ctx, lock.ImageKey("v0.9.3", "us-east-1"))
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestConcurrentBeginCreatesOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	fake := imagecachetest.NewFakeEC2()
	fake.PendingPolls = 1000

	const jobs = 12
	var wg sync.WaitGroup
	outcomes := make([]Outcome, jobs)
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := m.Begin(ctx, fake, request(fmt.Sprintf("job-%d", i), "v0.9.2"), nil)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fake.Creates())
	assert.Equal(t, 1, fake.CountInState(types.ImageStatePending))
	creating := 0
	for _, out := range outcomes {
		switch out.Status {
		case models.ImageStatusCreating:
			creating++
		case models.ImageStatusSkipped:
			assert.NotEmpty(t, out.Message)
		default:
			t.Fatalf("unexpected outcome %+v", out)
		}
	}
	assert.Equal(t, 1, creating)
}

func TestBeginRedeliveryResumesOwnImage(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	fake := imagecachetest.NewFakeEC2()
	fake.PendingPolls = 10
	req := request("job-1", "v0.9.4")

	first, err := m.Begin(ctx, fake, req, nil)
	require.NoError(t, err)
	second, err := m.Begin(ctx, fake, req, nil)
	require.NoError(t, err)

	assert.Equal(t, models.ImageStatusCreating, second.Status)
	assert.Equal(t, first.Ref.ImageID, second.Ref.ImageID)
	assert.Equal(t, 1, fake.Creates())
}

func TestBeginPermissionErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	m, locker := newTestManager(t)
	fake := imagecachetest.NewFakeEC2()
	fake.CreateErrs = []error{&smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "You are not authorized"}}

	out, err := m.Begin(ctx, fake, request("job-1", "v0.9.2"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrImageCreation))
	assert.Equal(t, models.ImageStatusFailed, out.Status)
	assert.Contains(t, out.Message, "UnauthorizedOperation")
	assert.Equal(t, 1, fake.Creates())

	holder, _ := locker.Holder(ctx, lock.ImageKey("v0.9.2", "us-east-1"))
	assert.Empty(t, holder, "failed begin releases the lock")
}

func TestBeginRetriesThrottling(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	fake := imagecachetest.NewFakeEC2()
	throttled := &smithy.GenericAPIError{Code: "RequestLimitExceeded"}
	fake.CreateErrs = []error{throttled, throttled}

	out, err := m.Begin(ctx, fake, request("job-1", "v0.9.2"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusCreating, out.Status)
	assert.Equal(t, 3, fake.Creates())
	assert.Equal(t, 1, fake.CountInState(types.ImageStatePending))
}

func TestPollWaitBudget(t *testing.T) {
	ctx := context.Background()
	m, locker := newTestManager(t)
	fake := imagecachetest.NewFakeEC2()
	fake.PendingPolls = 1000
	req := request("job-1", "v0.9.2")

	out, err := m.Begin(ctx, fake, req, nil)
	require.NoError(t, err)

	out, err = m.Poll(ctx, fake, req, out.Ref.ImageID, time.Now().Add(-21*time.Minute))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrImageCreation))
	assert.Equal(t, models.ImageStatusFailed, out.Status)
	assert.Contains(t, out.Message, "not available after")

	holder, _ := locker.Holder(ctx, lock.ImageKey("v0.9.2", "us-east-1"))
	assert.Empty(t, holder)
}

func TestPollFailedImage(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	fake := imagecachetest.NewFakeEC2()
	fake.PendingPolls = 1000
	req := request("job-1", "v0.9.2")

	out, err := m.Begin(ctx, fake, req, nil)
	require.NoError(t, err)
	fake.SetState(out.Ref.ImageID, types.ImageStateFailed)

	out, err = m.Poll(ctx, fake, req, out.Ref.ImageID, time.Now())
	require.Error(t, err)
	assert.Equal(t, models.ImageStatusFailed, out.Status)
	assert.Contains(t, out.Message, "failed")
}

func TestCheckExistingPicksNewest(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	fake := imagecachetest.NewFakeEC2()
	now := time.Now().Truncate(time.Second)
	fake.AddImage("ami-0000000000000old1", types.ImageStateAvailable, now.Add(-48*time.Hour), managedTags("v0.9.2"))
	fake.AddImage("ami-0000000000000new1", types.ImageStateAvailable, now, managedTags("v0.9.2"))
	fake.AddImage("ami-0000000000000new2", types.ImageStateAvailable, now, managedTags("v0.9.2"))
	fake.AddImage("ami-0000000000000pend", types.ImageStatePending, now.Add(time.Hour), managedTags("v0.9.2"))

	for i := 0; i < 5; i++ {
		ref, ok, err := m.CheckExisting(ctx, fake, "v0.9.2", "us-east-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "ami-0000000000000new2", ref.ImageID)
	}

	_, ok, err := m.CheckExisting(ctx, fake, "v1.0.0", "us-east-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestImageName(t *testing.T) {
	created := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, "kamiwaza-v0.9.2-20260304-050607-7f0c1a2b", ImageName("v0.9.2", "7f0c1a2b-aaaa", created))
	assert.Equal(t, "kamiwaza-release-0.9-20260304-050607-j1", ImageName("release:0.9", "j1", created))
}
