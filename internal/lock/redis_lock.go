// Package lock serializes golden-image creation per (version, region) across workers.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// RedisLocker hands out owner-tagged leases backed by Redis keys with a TTL.
// The TTL must outlive the longest image wait so a live build never loses its claim.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker constructs a locker whose leases expire after ttl.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 40 * time.Minute
	}
	return &RedisLocker{client: client, prefix: "lock:image:", ttl: ttl}
}

// ImageKey names the lock for one (version, region) pair.
func ImageKey(version, region string) string {
	return fmt.Sprintf("%s/%s", region, version)
}

// Acquire claims name for owner. Re-acquiring a lease already held by owner refreshes it,
// so a redelivered task keeps its claim. When another owner holds it, acquired is false and
// holder names that owner.
func (l *RedisLocker) Acquire(ctx context.Context, name, owner string) (acquired bool, holder string, err error) {
	res, err := acquireScript.Run(ctx, l.client, []string{l.prefix + name}, owner, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, "", errors.Wrapf(err, "acquire lock %s", name)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, "", errors.Newf("unexpected lock reply %T", res)
	}
	flag, _ := arr[0].(int64)
	holder, _ = arr[1].(string)
	return flag == 1, holder, nil
}

// Release drops the lease if owner still holds it.
func (l *RedisLocker) Release(ctx context.Context, name, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.prefix + name}, owner).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "release lock %s", name)
	}
	return n == 1, nil
}

// Holder returns the current owner of name, or "" when unclaimed.
func (l *RedisLocker) Holder(ctx context.Context, name string) (string, error) {
	v, err := l.client.Get(ctx, l.prefix+name).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "read lock %s", name)
	}
	return v, nil
}

var acquireScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return {1, ARGV[1]}
end
if current == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return {1, current}
end
return {0, current}
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
