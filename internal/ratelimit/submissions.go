// Package ratelimit meters job submissions per tenant with a token bucket kept in Redis,
// so every API replica draws from the same budget.
package ratelimit

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rl:submit:"

// Decision is the outcome of one submission attempt.
type Decision struct {
	Allowed bool
	// Remaining is the whole number of submissions the tenant may still make right now.
	Remaining int
	// RetryAfter is how long a rejected tenant waits for its next token. Zero when allowed.
	RetryAfter time.Duration
}

// SubmissionLimiter holds a burst of capacity submissions per tenant, refilled at a
// steady rate. A tenant idle for idleTTL starts again from a full bucket.
type SubmissionLimiter struct {
	client   *redis.Client
	capacity int
	perSec   float64
	idleTTL  time.Duration
	now      func() time.Time
}

func NewSubmissionLimiter(client *redis.Client, capacity int, refillPerSecond float64, idleTTL time.Duration) *SubmissionLimiter {
	return &SubmissionLimiter{
		client:   client,
		capacity: capacity,
		perSec:   refillPerSecond,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

func tenantKey(tenant string) string {
	if tenant == "" {
		tenant = "default"
	}
	return keyPrefix + tenant
}

// AllowSubmission spends one of the tenant's tokens if it has one.
func (l *SubmissionLimiter) AllowSubmission(ctx context.Context, tenant string) (Decision, error) {
	key := tenantKey(tenant)
	reply, err := submitScript.Run(ctx, l.client, []string{key},
		l.capacity, l.perSec, l.now().UnixMilli(), l.idleTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, errors.Wrapf(err, "rate limit %s", key)
	}
	if len(reply) != 3 {
		return Decision{}, errors.Newf("rate limit %s: reply has %d fields", key, len(reply))
	}
	d := Decision{Allowed: reply[0] == 1, Remaining: int(reply[1])}
	if !d.Allowed {
		switch wait := reply[2]; {
		case wait > 0:
			d.RetryAfter = time.Duration(wait) * time.Millisecond
		default:
			// No refill: the bucket only resets once the tenant goes idle.
			d.RetryAfter = l.idleTTL
		}
	}
	return d, nil
}

// Replies are {allowed, floor(tokens), ms until the next token or -1 without refill}.
var submitScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local per_sec = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local idle_ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

if now > last then
  tokens = math.min(capacity, tokens + (now - last) / 1000 * per_sec)
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif per_sec > 0 then
  wait = math.ceil((1 - tokens) * 1000 / per_sec)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_ms', now)
if idle_ttl > 0 then redis.call('PEXPIRE', KEYS[1], idle_ttl) end
return {allowed, math.floor(tokens), wait}
`)
