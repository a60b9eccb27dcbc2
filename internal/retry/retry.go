// Package retry runs exchange calls under an explicit, injectable policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

// Class is the retry treatment of an error.
type Class int

const (
	// Fatal errors are returned immediately.
	Fatal Class = iota
	// Retryable errors are retried with exponential backoff.
	Retryable
	// RateLimited errors are retried with the longer rate-limit backoff.
	RateLimited
)

// Classify maps the domain error taxonomy onto retry classes. Unknown errors,
// including per-attempt timeouts, are treated as transient.
func Classify(err error) Class {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrOrderRejected),
		errors.Is(err, domain.ErrNotFound):
		return Fatal
	case errors.Is(err, domain.ErrRateLimited):
		return RateLimited
	default:
		return Retryable
	}
}

// OnlyRateLimits retries nothing but rate-limit rejections. Order placement
// uses it: a transient failure there may hide an executed order.
func OnlyRateLimits(err error) Class {
	if Classify(err) == RateLimited {
		return RateLimited
	}
	return Fatal
}

// Policy bounds the attempts and delays of a call.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RateLimitDelay time.Duration
	// CallTimeout bounds every individual attempt. Zero disables it.
	CallTimeout time.Duration
	// Classify overrides the package Classify.
	Classify func(error) Class
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns a policy with conservative defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		RateLimitDelay: 5 * time.Second,
		CallTimeout:    10 * time.Second,
	}
}

// WithClassifier returns a copy of p using classify.
func (p Policy) WithClassifier(classify func(error) Class) Policy {
	p.Classify = classify
	return p
}

// WithSleep returns a copy of p that sleeps with fn. Tests use it to avoid
// real delays.
func (p Policy) WithSleep(fn func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = fn
	return p
}

// Backoff returns the delay before the retry following attempt (1-based).
func (p Policy) Backoff(attempt int, class Class) time.Duration {
	base := p.BaseDelay
	if class == RateLimited && p.RateLimitDelay > 0 {
		base = p.RateLimitDelay
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, fails fatally, or attempts run out.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = Classify
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		}
		v, err := fn(callCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
		class := classify(err)
		if class == Fatal || attempt == attempts {
			break
		}

		delay := p.Backoff(attempt, class)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s: %w", op, lastErr)
		}
	}
	return zero, fmt.Errorf("%s: %w", op, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
