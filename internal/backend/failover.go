package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/loom/internal/fault"
)

// breaker tracks failure counts and trip state for one provider.
type breaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverBackend tries the primary backend first, then each fallback in
// order, skipping providers whose circuit breaker is tripped. The breaker
// trips after threshold consecutive failures and resets after the cooldown
// elapses.
type FailoverBackend struct {
	primary   Backend
	fallbacks []Backend
	log       *slog.Logger

	mu        sync.Mutex
	breakers  map[string]*breaker
	threshold int
	cooldown  time.Duration
}

func NewFailoverBackend(primary Backend, fallbacks []Backend, threshold int, cooldown time.Duration, log *slog.Logger) *FailoverBackend {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	breakers := map[string]*breaker{primary.Name(): {}}
	for _, fb := range fallbacks {
		breakers[fb.Name()] = &breaker{}
	}
	return &FailoverBackend{
		primary:   primary,
		fallbacks: fallbacks,
		breakers:  breakers,
		threshold: threshold,
		cooldown:  cooldown,
		log:       log,
	}
}

func (fb *FailoverBackend) Name() string {
	return fb.primary.Name()
}

// Select resolves a provider override against a bound backend. A failover
// chain is searched by member name, pinning the call to that provider and
// skipping the failover order; any other backend matches only its own name.
func Select(be Backend, provider string) (Backend, bool) {
	if fb, ok := be.(*FailoverBackend); ok {
		if fb.primary.Name() == provider {
			return fb.primary, true
		}
		for _, f := range fb.fallbacks {
			if f.Name() == provider {
				return f, true
			}
		}
		return nil, false
	}
	if be.Name() == provider {
		return be, true
	}
	return nil, false
}

func (fb *FailoverBackend) Invoke(ctx context.Context, req Request) (*Completion, error) {
	candidates := append([]Backend{fb.primary}, fb.fallbacks...)
	var lastErr error

	for _, c := range candidates {
		if fb.isTripped(c.Name()) {
			fb.log.Info("skipping tripped provider", "provider", c.Name())
			continue
		}

		completion, err := c.Invoke(ctx, req)
		if err == nil {
			fb.recordSuccess(c.Name())
			return completion, nil
		}
		lastErr = err
		fb.recordFailure(c.Name())
		class := fault.Classify(err)
		fb.log.Warn("provider failed", "provider", c.Name(), "error_class", string(class), "error", err)

		// The context is the same everywhere; overflowing one provider
		// means overflowing them all.
		if class == fault.ClassContextOverflow {
			return nil, fmt.Errorf("context overflow from %s: %w", c.Name(), err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if lastErr == nil {
		return nil, fmt.Errorf("%w: all providers tripped", fault.ErrBackendUnavailable)
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

func (fb *FailoverBackend) isTripped(name string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	b, ok := fb.breakers[name]
	if !ok || !b.tripped {
		return false
	}
	if time.Since(b.lastFailure) >= fb.cooldown {
		b.tripped = false
		b.failures = 0
		fb.log.Info("circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (fb *FailoverBackend) recordFailure(name string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	b, ok := fb.breakers[name]
	if !ok {
		b = &breaker{}
		fb.breakers[name] = b
	}
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= fb.threshold {
		b.tripped = true
		fb.log.Warn("circuit breaker tripped", "provider", name, "failures", b.failures)
	}
}

func (fb *FailoverBackend) recordSuccess(name string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if b, ok := fb.breakers[name]; ok {
		b.failures = 0
		b.tripped = false
	}
}
