package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/loom/internal/fault"
)

// hangingBackend blocks until its context ends.
type hangingBackend struct {
	mu    sync.Mutex
	calls int
}

func (h *hangingBackend) Name() string { return "hanging" }

func (h *hangingBackend) Invoke(ctx context.Context, _ Request) (*Completion, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *hangingBackend) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func TestWithTimeout_BoundsHungCall(t *testing.T) {
	be := WithTimeout(&hangingBackend{}, 30*time.Millisecond)

	start := time.Now()
	_, err := be.Invoke(context.Background(), Request{})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("invoke took %s, want the per-call deadline to fire", elapsed)
	}
	if !errors.Is(err, fault.ErrBackendTimeout) {
		t.Fatalf("err = %v, want ErrBackendTimeout", err)
	}
	if class := fault.Classify(err); class != fault.ClassTimeout {
		t.Fatalf("class = %s, want TIMEOUT", class)
	}
	if !fault.Retryable(fault.Classify(err)) {
		t.Fatal("per-call timeout must stay retryable")
	}
}

func TestWithTimeout_PassesThroughFastCalls(t *testing.T) {
	be := WithTimeout(&stubBackend{name: "quick", text: "hi"}, time.Second)

	got, err := be.Invoke(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got.Text != "hi" {
		t.Fatalf("text = %q", got.Text)
	}
	if be.Name() != "quick" {
		t.Fatalf("Name = %q, want the inner name", be.Name())
	}
}

func TestWithTimeout_CallerCancellationIsNotATimeout(t *testing.T) {
	be := WithTimeout(&hangingBackend{}, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := be.Invoke(ctx, Request{})
	if errors.Is(err, fault.ErrBackendTimeout) {
		t.Fatalf("err = %v, caller cancellation misreported as backend timeout", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
