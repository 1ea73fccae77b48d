package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := Backoff(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := Backoff(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := Backoff(base, max, 10)
	if b10 > max {
		t.Fatalf("backoff exceeded cap: %s", b10)
	}

	assert.Equal(t, time.Duration(1), Backoff(time.Duration(1), time.Duration(1), 1))
}

var errTransient = errors.New("transient")

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Base: time.Millisecond, Max: time.Millisecond}, func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnTerminalError(t *testing.T) {
	terminal := errors.New("denied")
	calls := 0
	err := Do(context.Background(), Policy{
		Attempts:  5,
		Base:      time.Millisecond,
		Max:       time.Millisecond,
		Retryable: func(err error) bool { return errors.Is(err, errTransient) },
	}, func(context.Context, int) error {
		calls++
		return terminal
	})
	assert.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Base: time.Millisecond, Max: time.Millisecond}, func(context.Context, int) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}
