package util

import (
	"context"
	"errors"
	"time"
)

// Policy bounds retries of transient remote failures.
type Policy struct {
	Attempts int
	Backoff  time.Duration
	MaxDelay time.Duration
}

// DefaultPolicy is the documented retry behavior: four attempts,
// 500ms initial backoff doubling up to 8s.
func DefaultPolicy() Policy {
	return Policy{Attempts: 4, Backoff: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

type transienter interface {
	Transient() bool
}

// IsTransient reports whether err is marked retryable anywhere in its chain.
func IsTransient(err error) bool {
	var t transienter
	return errors.As(err, &t) && t.Transient()
}

// Do executes fn, retrying transient failures with exponential backoff.
// Permanent errors and context cancellation surface immediately.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Backoff
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
