package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioning-orchestrator/internal/config"
	"provisioning-orchestrator/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	q := NewRedisQueue(config.Config{
		RedisAddr:         mr.Addr(),
		PriorityQueues:    []string{"high", "default"},
		VisibilityTimeout: time.Minute,
		DLQName:           "queue:dlq",
	})
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestParseTask(t *testing.T) {
	task, err := ParseTask("readiness:7f0c")
	require.NoError(t, err)
	assert.Equal(t, Task{Step: models.StepReadiness, JobID: "7f0c"}, task)

	_, err = ParseTask("no-separator")
	assert.Error(t, err)
	_, err = ParseTask(":job")
	assert.Error(t, err)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	low := Task{Step: models.StepProvision, JobID: "a"}
	high := Task{Step: models.StepProvision, JobID: "b"}
	require.NoError(t, q.Enqueue(ctx, low, "default", time.Now()))
	require.NoError(t, q.Enqueue(ctx, high, "high", time.Now()))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	got, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, high, got, "high priority drains first")

	require.NoError(t, q.Ack(ctx, got))

	got, ok, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, low, got)

	_, ok, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRescheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	task := Task{Step: models.StepReadiness, JobID: "j1"}
	require.NoError(t, q.Enqueue(ctx, task, "default", time.Now()))
	got, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	runAt := time.Now().Add(30 * time.Second)
	require.NoError(t, q.Reschedule(ctx, got, runAt))

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "not yet due")

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task, got)

	// The rescheduled task must not also be reclaimable from the in-flight set.
	require.NoError(t, q.Ack(ctx, got))
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestRetryCountsAttempts(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	task := Task{Step: models.StepImageCreate, JobID: "j2"}
	require.NoError(t, q.Enqueue(ctx, task, "", time.Now()))
	_, _, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	attempts, err := q.Retry(ctx, task, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	attempts, err = q.Retry(ctx, task, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	stored, err := q.Attempts(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	require.NoError(t, q.Ack(ctx, task))
	stored, err = q.Attempts(ctx, task)
	require.NoError(t, err)
	assert.Zero(t, stored)
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	task := Task{Step: models.StepProvision, JobID: "j3"}
	require.NoError(t, q.Enqueue(ctx, task, "default", time.Now()))
	_, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "lease still valid")

	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []Task{task}, reclaimed)

	got, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task, got)
}

func TestCancelJobRemovesAllSteps(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, Task{Step: models.StepProvision, JobID: "j4"}, "default", time.Now()))
	require.NoError(t, q.Enqueue(ctx, Task{Step: models.StepReadiness, JobID: "j4"}, "default", time.Now().Add(time.Hour)))
	require.NoError(t, q.Enqueue(ctx, Task{Step: models.StepProvision, JobID: "other"}, "default", time.Now()))

	require.NoError(t, q.CancelJob(ctx, "j4"))

	n, err := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "other", got.JobID)
	_, ok, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.DLQPush(ctx, Task{Step: models.StepImageWait, JobID: "j5"}))
	items, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"image_wait:j5"}, items)
}

func TestUnknownPriorityLandsOnDrainedQueue(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	q := NewRedisQueue(config.Config{
		RedisAddr:         mr.Addr(),
		PriorityQueues:    []string{"urgent", "bulk"},
		VisibilityTimeout: time.Minute,
	})
	t.Cleanup(func() { _ = q.Close() })

	now := Task{Step: models.StepProvision, JobID: "a"}
	later := Task{Step: models.StepReadiness, JobID: "a"}
	require.NoError(t, q.Enqueue(ctx, now, "", time.Now()))
	require.NoError(t, q.Enqueue(ctx, later, "default", time.Now().Add(time.Second)))
	promoted, err := q.PromoteScheduled(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	for _, want := range []Task{now, later} {
		got, ok, err := q.DequeueWithLease(ctx)
		require.NoError(t, err)
		require.True(t, ok, "%s is dequeued", want)
		assert.Equal(t, want, got)
	}
	assert.False(t, mr.Exists("queue:ready:default"))
}
