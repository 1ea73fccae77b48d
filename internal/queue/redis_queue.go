package queue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"provisioning-orchestrator/internal/config"
	"provisioning-orchestrator/internal/models"
)

// Task is one pipeline step for one job. It is the unit stored in Redis.
type Task struct {
	Step  string
	JobID string
}

// Key is the queue member for the task.
func (t Task) Key() string {
	return t.Step + ":" + t.JobID
}

func (t Task) String() string {
	return t.Key()
}

// ParseTask decodes a queue member produced by Key.
func ParseTask(key string) (Task, error) {
	step, jobID, ok := strings.Cut(key, ":")
	if !ok || step == "" || jobID == "" {
		return Task{}, errors.Newf("malformed task key %q", key)
	}
	return Task{Step: step, JobID: jobID}, nil
}

// RedisQueue coordinates ready, in-flight, and scheduled task queues in Redis.
type RedisQueue struct {
	client          *redis.Client
	priorityQueues  []string
	defaultPriority string
	inflightKey     string
	scheduledKey    string
	taskMetaPrefix  string
	visibilityTTL   time.Duration
	dlqKey          string
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:          NewRedisClient(cfg),
		priorityQueues:  cfg.Priorities(),
		defaultPriority: cfg.DefaultPriority(),
		inflightKey:     "queue:inflight",
		scheduledKey:    "queue:scheduled",
		taskMetaPrefix:  "queue:taskmeta:",
		visibilityTTL:   visibility,
		dlqKey:          dlq,
	}
}

// Close releases the underlying connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// VisibilityTimeout is the lease granted on dequeue.
func (q *RedisQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTTL
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("queue:ready:%s", priority)
}

func (q *RedisQueue) metaKey(task string) string {
	return q.taskMetaPrefix + task
}

// resolvePriority maps a priority nothing dequeues onto the default queue.
func (q *RedisQueue) resolvePriority(priority string) string {
	if slices.Contains(q.priorityQueues, priority) {
		return priority
	}
	return q.defaultPriority
}

// Enqueue inserts a task into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task, priority string, runAt time.Time) error {
	priority = q.resolvePriority(priority)
	key := task.Key()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(key), "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: key})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), key)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Reschedule moves an in-flight task back into the scheduled set. Polling steps use it
// to wait between iterations without holding a worker.
func (q *RedisQueue) Reschedule(ctx context.Context, task Task, runAt time.Time) error {
	key := task.Key()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, key)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: key})
	_, err := pipe.Exec(ctx)
	return err
}

// Retry reschedules a failed in-flight task and returns its failure count so far.
func (q *RedisQueue) Retry(ctx context.Context, task Task, runAt time.Time) (int, error) {
	key := task.Key()
	pipe := q.client.TxPipeline()
	attempts := pipe.HIncrBy(ctx, q.metaKey(key), "attempts", 1)
	pipe.ZRem(ctx, q.inflightKey, key)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(attempts.Val()), nil
}

// Attempts returns how many times the task has failed.
func (q *RedisQueue) Attempts(ctx context.Context, task Task) (int, error) {
	n, err := q.client.HGet(ctx, q.metaKey(task.Key()), "attempts").Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// PromoteScheduled moves due scheduled tasks into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	promoted := 0
	for _, id := range ids {
		// ZREM decides the winner when several workers promote concurrently.
		removed, err := q.client.ZRem(ctx, q.scheduledKey, id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

func (q *RedisQueue) priorityOf(ctx context.Context, key string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(key), "priority").Result()
	if err != nil {
		return q.defaultPriority
	}
	return q.resolvePriority(priority)
}

// DequeueWithLease pops a task from ready queues (priority order) and places it into inflight
// with a visibility timeout. ok is false when every ready queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Task, bool, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	key, ok := res.(string)
	if !ok {
		return Task{}, false, errors.Newf("unexpected type from dequeue script: %T", res)
	}
	task, err := ParseTask(key)
	if err != nil {
		_ = q.client.ZRem(ctx, q.inflightKey, key).Err()
		return Task{}, false, err
	}
	return task, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, task Task, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: task.Key(),
	}).Err()
}

// Ack removes a task from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	key := task.Key()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, key)
	pipe.Del(ctx, q.metaKey(key))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]Task, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var reclaimed []Task
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.inflightKey, id).Result()
		if err != nil {
			return reclaimed, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, q.readyKey(q.priorityOf(ctx, id)), id).Err(); err != nil {
			return reclaimed, err
		}
		if task, err := ParseTask(id); err == nil {
			reclaimed = append(reclaimed, task)
		}
	}
	return reclaimed, nil
}

// CancelJob removes every step of a job from ready, scheduled, and in-flight sets.
func (q *RedisQueue) CancelJob(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, step := range models.Steps {
		key := Task{Step: step, JobID: jobID}.Key()
		for _, p := range q.priorityQueues {
			pipe.LRem(ctx, q.readyKey(p), 0, key)
		}
		pipe.ZRem(ctx, q.inflightKey, key)
		pipe.ZRem(ctx, q.scheduledKey, key)
		pipe.Del(ctx, q.metaKey(key))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, task Task) error {
	return q.client.RPush(ctx, q.dlqKey, task.Key()).Err()
}

// DLQPeek reads the latest dead-lettered task keys.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
