package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "nil", err: nil, want: ClassUnknown},
		{name: "timeout sentinel", err: fmt.Errorf("invoke: %w", ErrBackendTimeout), want: ClassTimeout},
		{name: "unavailable sentinel", err: ErrBackendUnavailable, want: ClassUnavailable},
		{name: "auth 401", err: errors.New("backend replied 401 unauthorized"), want: ClassAuth},
		{name: "auth forbidden", err: errors.New("request forbidden"), want: ClassAuth},
		{name: "rate limit", err: errors.New("429: rate limit exceeded"), want: ClassRateLimit},
		{name: "quota", err: errors.New("quota exhausted for project"), want: ClassRateLimit},
		{name: "deadline", err: errors.New("context deadline exceeded"), want: ClassTimeout},
		{name: "refused", err: errors.New("dial tcp: connection refused"), want: ClassUnavailable},
		{name: "503", err: errors.New("upstream returned 503"), want: ClassUnavailable},
		{name: "overflow", err: errors.New("prompt exceeds maximum context length"), want: ClassContextOverflow},
		{name: "unknown", err: errors.New("something odd"), want: ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	for _, c := range []Class{ClassRateLimit, ClassTimeout, ClassUnavailable, ClassUnknown} {
		if !Retryable(c) {
			t.Fatalf("%s should be retryable", c)
		}
	}
	for _, c := range []Class{ClassAuth, ClassContextOverflow} {
		if Retryable(c) {
			t.Fatalf("%s should not be retryable", c)
		}
	}
}

func TestSentinelWrappers(t *testing.T) {
	if err := Validationf("content too large: %d bytes", 99); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validationf lost sentinel: %v", err)
	}
	if err := NotFoundf("task %s", "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("NotFoundf lost sentinel: %v", err)
	}
	if err := QueueRejectedf("emergency stop"); !errors.Is(err, ErrQueueRejected) {
		t.Fatalf("QueueRejectedf lost sentinel: %v", err)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Delay(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive delay %v", attempt, d)
		}
		// 75% of the cap is the floor, cap+50% is above any possible jitter.
		if d > p.MaxDelay+p.MaxDelay/2 {
			t.Fatalf("attempt %d: delay %v exceeds jittered cap", attempt, d)
		}
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := p.Retry(context.Background(), func() error {
		calls++
		return errors.New("401 unauthorized")
	})
	if err == nil || calls != 1 {
		t.Fatalf("calls = %d, err = %v; want 1 call and the auth error", calls, err)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	wantErr := errors.New("connection refused")
	err := p.Retry(context.Background(), func() error {
		calls++
		return wantErr
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want last attempt error", err)
	}
}

func TestRetrySucceedsMidway(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := p.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("503 unavailable")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("calls = %d, err = %v; want success on third call", calls, err)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Retry(ctx, func() error { return errors.New("timeout talking upstream") })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
