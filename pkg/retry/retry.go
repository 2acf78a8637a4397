// Package retry runs an operation with exponential backoff until it succeeds,
// fails with a non-transient error, or runs out of attempts.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/c360/taskflow/errors"
)

// Policy configures the backoff
type Policy struct {
	MaxAttempts  int           // 0 or less runs once
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on any single delay
	Multiplier   float64       // growth per attempt, typically 2
	Jitter       bool          // add up to 25% random delay
}

// DefaultPolicy returns a short policy for calls on a request path
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Startup returns a policy for dialling dependencies while the daemon boots
func Startup() Policy {
	return Policy{
		MaxAttempts:  10,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   1.5,
		Jitter:       true,
	}
}

func (p Policy) normalize() (Policy, error) {
	if p.InitialDelay < 0 || p.MaxDelay < 0 || p.Multiplier < 0 {
		return p, errors.Invalidf(errors.ErrInvalidConfig, "retry", "Do", "negative policy field")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2.0
	}
	p.Multiplier = min(p.Multiplier, 1000)
	if p.MaxDelay < p.InitialDelay {
		return p, errors.Invalidf(errors.ErrInvalidConfig, "retry", "Do", "max delay %s below initial delay %s",
			p.MaxDelay, p.InitialDelay)
	}
	return p, nil
}

// Do calls fn until it returns nil. Errors classified as invalid or fatal
// are returned at once; everything else is retried.
func Do(ctx context.Context, p Policy, fn func() error) error {
	p, err := p.normalize()
	if err != nil {
		return err
	}

	var lastErr error
	delay := p.InitialDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if errors.IsInvalid(lastErr) || errors.IsFatal(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}
		if attempt == p.MaxAttempts {
			break
		}

		sleep := delay
		if p.Jitter && delay >= 4 {
			sleep += rand.N(delay / 4)
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}

		next := float64(delay) * p.Multiplier
		if next > float64(p.MaxDelay) {
			delay = p.MaxDelay
		} else {
			delay = time.Duration(next)
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// DoWithResult is Do for operations that produce a value
func DoWithResult[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
