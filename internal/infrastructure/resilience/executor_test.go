package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

func noBackoffConfig(attempts int) Config {
	return Config{
		RetryMaxAttempts:    attempts,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	}
}

func TestExecuteRetriesTemporaryFailure(t *testing.T) {
	var retries []string
	exec := NewExecutor(noBackoffConfig(3), Hooks{OnRetry: func(op string) { retries = append(retries, op) }})

	attempts := 0
	errTemp := errors.New("temporary")
	err := exec.Execute(context.Background(), "advisory.recommend", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemp
		}
		return nil
	}, func(err error) ErrorClassification {
		return ErrorClassification{
			Retryable:     errors.Is(err, errTemp),
			RecordFailure: true,
		}
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(retries) != 2 || retries[0] != "advisory.recommend" {
		t.Fatalf("expected 2 retry hooks, got %v", retries)
	}
}

func TestExecuteDoesNotRetryPermanentFailure(t *testing.T) {
	exec := NewExecutor(noBackoffConfig(3))

	attempts := 0
	errPermanent := errors.New("permanent")
	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		attempts++
		return errPermanent
	}, func(error) ErrorClassification {
		return ErrorClassification{Retryable: false, RecordFailure: false}
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteReturnsLastErrorWhenContextEndsDuringBackoff(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    5,
		RetryInitialBackoff: time.Hour,
		RetryMaxBackoff:     time.Hour,
		RetryMultiplier:     2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	errTemp := errors.New("temporary")

	attempts := 0
	err := exec.Execute(ctx, "op", func(context.Context) error {
		attempts++
		cancel()
		return errTemp
	}, func(error) ErrorClassification {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	})
	if !errors.Is(err, errTemp) || attempts != 1 {
		t.Fatalf("expected last error after one attempt, got %v (attempts=%d)", err, attempts)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	var transitions []gobreaker.State
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     time.Millisecond,
		RetryMaxBackoff:         time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      time.Minute,
		BreakerHalfOpenMaxCalls: 1,
	}, Hooks{OnStateChange: func(_ string, to gobreaker.State) { transitions = append(transitions, to) }})

	errUpstream := errors.New("upstream 503")
	classifier := func(error) ErrorClassification {
		return ErrorClassification{Retryable: false, RecordFailure: true}
	}

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "op", func(context.Context) error {
			return errUpstream
		}, classifier)
		if !errors.Is(err, errUpstream) {
			t.Fatalf("expected upstream error on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, classifier)
	if !IsCircuitOpen(err) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if exec.State("op") != gobreaker.StateOpen {
		t.Fatalf("expected breaker open, got %s", exec.State("op"))
	}
	if len(transitions) != 1 || transitions[0] != gobreaker.StateOpen {
		t.Fatalf("unexpected breaker transitions: %v", transitions)
	}
}

func TestDomainGuardRetriesOnlyTemporaryErrors(t *testing.T) {
	guard := NewDomainGuard(NewExecutor(noBackoffConfig(3)))

	cases := []struct {
		name     string
		err      error
		attempts int
	}{
		{
			name:     "temporary network failure",
			err:      domain.WrapError(domain.ErrTemporary, "gemini", domain.WrapError(domain.ErrNetwork, "gemini", errors.New("reset"))),
			attempts: 3,
		},
		{
			name:     "permanent upstream rejection",
			err:      domain.WrapError(domain.ErrUpstream, "gemini", errors.New("status 400")),
			attempts: 1,
		},
		{
			name:     "missing credential",
			err:      domain.WrapError(domain.ErrConfiguration, "gemini", errors.New("key empty")),
			attempts: 1,
		},
		{
			name:     "canceled",
			err:      context.Canceled,
			attempts: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			attempts := 0
			err := guard.Guard(context.Background(), "advisory."+tc.name, func(context.Context) error {
				attempts++
				return tc.err
			})
			if !errors.Is(err, tc.err) {
				t.Fatalf("Guard() error = %v, want %v", err, tc.err)
			}
			if attempts != tc.attempts {
				t.Fatalf("expected %d attempts, got %d", tc.attempts, attempts)
			}
		})
	}
}

func TestDomainGuardTagsOpenCircuitAsTemporary(t *testing.T) {
	cfg := noBackoffConfig(1)
	cfg.BreakerEnabled = true
	cfg.BreakerMinRequests = 1
	cfg.BreakerFailureRatio = 1
	guard := NewDomainGuard(NewExecutor(cfg))

	upstream := domain.WrapError(domain.ErrUpstream, "gemini", errors.New("status 500"))
	_ = guard.Guard(context.Background(), "advisory.recommend", func(context.Context) error { return upstream })

	err := guard.Guard(context.Background(), "advisory.recommend", func(context.Context) error { return nil })
	if !domain.IsKind(err, domain.ErrTemporary) || !domain.IsKind(err, domain.ErrUpstream) || !IsCircuitOpen(err) {
		t.Fatalf("expected temporary upstream circuit error, got %v", err)
	}
}
