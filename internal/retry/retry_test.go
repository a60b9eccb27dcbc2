package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

func recordingPolicy(delays *[]time.Duration) Policy {
	p := Policy{
		MaxAttempts:    4,
		BaseDelay:      time.Second,
		MaxDelay:       5 * time.Second,
		RateLimitDelay: 10 * time.Second,
	}
	return p.WithSleep(func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	})
}

func TestCallRetriesTransientThenSucceeds(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	calls := 0
	got, err := Call(context.Background(), p, "ticker", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("binance: %w", domain.ErrTransient)
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Fatalf("got=%d calls=%d, expected 42 after 3 calls", got, calls)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("delays=%v, expected [1s 2s]", delays)
	}
}

func TestCallStopsAfterMaxAttempts(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	calls := 0
	err := p.Do(context.Background(), "balances", func(context.Context) error {
		calls++
		return domain.ErrTransient
	})
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("err=%v, expected ErrTransient", err)
	}
	if calls != 4 {
		t.Fatalf("calls=%d, expected 4", calls)
	}
	if delays[2] != 4*time.Second {
		t.Fatalf("delays=%v, expected exponential growth", delays)
	}
}

func TestCallRateLimitUsesLongerBackoff(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)
	p.MaxDelay = time.Minute

	calls := 0
	_ = p.Do(context.Background(), "klines", func(context.Context) error {
		calls++
		if calls == 1 {
			return domain.ErrRateLimited
		}
		return nil
	})
	if len(delays) != 1 || delays[0] != 10*time.Second {
		t.Fatalf("delays=%v, expected [10s]", delays)
	}
}

func TestCallFatalErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unauthorized", domain.ErrUnauthorized},
		{"validation", domain.ErrValidation},
		{"rejected", domain.ErrOrderRejected},
		{"canceled", context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var delays []time.Duration
			p := recordingPolicy(&delays)
			calls := 0
			err := p.Do(context.Background(), "op", func(context.Context) error {
				calls++
				return fmt.Errorf("wrapped: %w", tt.err)
			})
			if !errors.Is(err, tt.err) {
				t.Fatalf("err=%v, expected %v", err, tt.err)
			}
			if calls != 1 || len(delays) != 0 {
				t.Fatalf("calls=%d delays=%v, expected a single attempt", calls, delays)
			}
		})
	}
}

func TestOnlyRateLimits(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays).WithClassifier(OnlyRateLimits)

	calls := 0
	_ = p.Do(context.Background(), "place order", func(context.Context) error {
		calls++
		return domain.ErrTransient
	})
	if calls != 1 {
		t.Fatalf("calls=%d, expected transient order errors not to be retried", calls)
	}

	calls = 0
	_ = p.Do(context.Background(), "place order", func(context.Context) error {
		calls++
		if calls == 1 {
			return domain.ErrRateLimited
		}
		return nil
	})
	if calls != 2 {
		t.Fatalf("calls=%d, expected a rate-limited order to be retried", calls)
	}
}

func TestCallAppliesPerAttemptTimeout(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)
	p.MaxAttempts = 2
	p.CallTimeout = 10 * time.Millisecond

	calls := 0
	err := p.Do(context.Background(), "slow", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, expected DeadlineExceeded", err)
	}
	if calls != 2 {
		t.Fatalf("calls=%d, expected timeouts to be retried", calls)
	}
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	if got := p.Backoff(5, Retryable); got != 3*time.Second {
		t.Fatalf("Backoff=%v, expected cap 3s", got)
	}
}
