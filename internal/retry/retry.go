// Package retry provides bounded retry with backoff for the LLM and
// version-control calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds how often an operation is attempted and how long to wait
// between attempts. Delay grows by Multiplier each attempt up to MaxDelay;
// a zero Multiplier keeps the delay fixed.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicy matches the pipeline defaults: three attempts, two seconds
// apart, no backoff growth.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Delay: 2 * time.Second}
}

func (p Policy) applyDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MaxDelay > 0 && p.Delay > p.MaxDelay {
		p.Delay = p.MaxDelay
	}
	return p
}

// permanentError wraps an error that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds, returns a permanent error, the attempt
// budget is spent, or ctx is canceled. op receives the zero-based attempt
// index so callers can vary parameters per retry.
func (p Policy) Do(ctx context.Context, op func(attempt int) error) error {
	p = p.applyDefaults()
	delay := p.Delay
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := op(attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
		if p.Multiplier > 0 {
			next := time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && next > p.MaxDelay {
				next = p.MaxDelay
			}
			delay = next
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}
