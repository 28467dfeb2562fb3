package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/loom/internal/fault"
)

// timeoutBackend bounds every Invoke with its own deadline so one hung
// provider call cannot eat the whole task budget.
type timeoutBackend struct {
	inner   Backend
	timeout time.Duration
}

// WithTimeout wraps a backend with a per-invocation deadline. A call that
// misses it surfaces as fault.ErrBackendTimeout, which classifies as
// TIMEOUT and stays retryable.
func WithTimeout(inner Backend, timeout time.Duration) Backend {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &timeoutBackend{inner: inner, timeout: timeout}
}

func (b *timeoutBackend) Name() string {
	return b.inner.Name()
}

func (b *timeoutBackend) Invoke(ctx context.Context, req Request) (*Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	completion, err := b.inner.Invoke(callCtx, req)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		// The per-call deadline fired, not the caller's context.
		return nil, fmt.Errorf("%w: %s gave no answer within %s", fault.ErrBackendTimeout, b.inner.Name(), b.timeout)
	}
	return completion, err
}
