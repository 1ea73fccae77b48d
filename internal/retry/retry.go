// Package retry holds the jittered exponential backoff used by every cloud-facing step.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff returns the delay before the given attempt (1-based): base*2^(attempt-1),
// capped at max, with the upper half randomised.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(half))
	return wait/2 + jitter
}

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int
	Base      time.Duration
	Max       time.Duration
	Retryable func(error) bool
}

// Do calls fn until it succeeds, returns a non-retryable error, or the attempts run out.
// The last error is returned unchanged so callers can classify it.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(Backoff(p.Base, p.Max, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
