package fault

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffPolicy controls bounded exponential backoff between retry attempts.
type BackoffPolicy struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // first retry delay (default 1s)
	MaxDelay    time.Duration // cap per retry (default 30s)
}

// DefaultBackoff returns the engine's default retry policy.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{MaxAttempts: 3, BaseDelay: 1 * time.Second, MaxDelay: 30 * time.Second}
}

func (p BackoffPolicy) normalized() BackoffPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Delay returns the backoff delay before retry number attempt (1-based),
// doubling from BaseDelay with a cap at MaxDelay and ±25% jitter.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay << uint(attempt-1)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(delay / 2)))
	return delay - delay/4 + jitter
}

// Retry runs f up to MaxAttempts times, sleeping the policy delay between
// attempts. It stops early on success, on a non-retryable error class, or
// when the context ends. The last error is returned when attempts run out.
func (p BackoffPolicy) Retry(ctx context.Context, f func() error) error {
	p = p.normalized()
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !Retryable(Classify(err)) {
			return err
		}
		if attempt == p.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return err
}
