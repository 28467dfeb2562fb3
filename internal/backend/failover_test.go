package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/loom/internal/memory"
)

type stubBackend struct {
	name string

	mu    sync.Mutex
	calls int
	err   error
	text  string
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Invoke(_ context.Context, _ Request) (*Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Completion{Text: s.text, Provider: s.name}, nil
}

func (s *stubBackend) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestFailover_PrimaryFirst(t *testing.T) {
	primary := &stubBackend{name: "alpha", text: "from alpha"}
	fallback := &stubBackend{name: "beta", text: "from beta"}
	fb := NewFailoverBackend(primary, []Backend{fallback}, 3, time.Minute, nil)

	got, err := fb.Invoke(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got.Provider != "alpha" {
		t.Fatalf("provider = %s, want alpha", got.Provider)
	}
	if fallback.callCount() != 0 {
		t.Fatal("fallback invoked while primary healthy")
	}
}

func TestFailover_FallsBackOnError(t *testing.T) {
	primary := &stubBackend{name: "alpha", err: errors.New("503 service unavailable")}
	fallback := &stubBackend{name: "beta", text: "rescued"}
	fb := NewFailoverBackend(primary, []Backend{fallback}, 3, time.Minute, nil)

	got, err := fb.Invoke(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got.Text != "rescued" {
		t.Fatalf("text = %q", got.Text)
	}
}

func TestFailover_BreakerTripsAndSkips(t *testing.T) {
	primary := &stubBackend{name: "alpha", err: errors.New("rate limit exceeded")}
	fallback := &stubBackend{name: "beta", text: "steady"}
	fb := NewFailoverBackend(primary, []Backend{fallback}, 2, time.Hour, nil)

	for range 3 {
		if _, err := fb.Invoke(context.Background(), Request{}); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
	}
	// Two failures trip the breaker; the third call must skip alpha.
	if primary.callCount() != 2 {
		t.Fatalf("primary calls = %d, want 2 (tripped after threshold)", primary.callCount())
	}
	if fallback.callCount() != 3 {
		t.Fatalf("fallback calls = %d, want 3", fallback.callCount())
	}
}

func TestFailover_ContextOverflowStopsChain(t *testing.T) {
	primary := &stubBackend{name: "alpha", err: errors.New("input exceeds maximum context length")}
	fallback := &stubBackend{name: "beta", text: "never"}
	fb := NewFailoverBackend(primary, []Backend{fallback}, 5, time.Minute, nil)

	if _, err := fb.Invoke(context.Background(), Request{}); err == nil {
		t.Fatal("expected context overflow error")
	}
	if fallback.callCount() != 0 {
		t.Fatal("fallback invoked for context overflow")
	}
}

func TestFailover_AllFail(t *testing.T) {
	primary := &stubBackend{name: "alpha", err: errors.New("connection refused")}
	fallback := &stubBackend{name: "beta", err: errors.New("timeout awaiting headers")}
	fb := NewFailoverBackend(primary, []Backend{fallback}, 5, time.Minute, nil)

	if _, err := fb.Invoke(context.Background(), Request{}); err == nil {
		t.Fatal("expected combined failure")
	}
}

func TestSelect_ResolvesChainMembers(t *testing.T) {
	primary := &stubBackend{name: "alpha", text: "from alpha"}
	fallback := &stubBackend{name: "beta", text: "from beta"}
	fb := NewFailoverBackend(primary, []Backend{fallback}, 3, time.Minute, nil)

	got, ok := Select(fb, "beta")
	if !ok {
		t.Fatal("beta not found in chain")
	}
	c, err := got.Invoke(context.Background(), Request{})
	if err != nil || c.Provider != "beta" {
		t.Fatalf("Invoke = %+v, %v, want beta", c, err)
	}
	if primary.callCount() != 0 {
		t.Fatal("primary invoked after pinning to beta")
	}

	if _, ok := Select(fb, "gamma"); ok {
		t.Fatal("unknown provider resolved")
	}
	if got, ok := Select(primary, "alpha"); !ok || got != Backend(primary) {
		t.Fatalf("plain backend self-match = %v, %v", got, ok)
	}
}

func TestSelect_SeesThroughTimeoutWrapper(t *testing.T) {
	primary := WithTimeout(&stubBackend{name: "alpha", text: "a"}, time.Second)
	fallback := WithTimeout(&stubBackend{name: "beta", text: "b"}, time.Second)
	fb := NewFailoverBackend(primary, []Backend{fallback}, 3, time.Minute, nil)

	got, ok := Select(fb, "beta")
	if !ok {
		t.Fatal("beta not found behind timeout wrapper")
	}
	if got.Name() != "beta" {
		t.Fatalf("Name = %q, want beta", got.Name())
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]memory.Message{
		{Role: "system", Content: "be brief"},
		{Role: "system", Content: "known facts"},
		{Role: "user", Content: "hello"},
		{Role: "system", Content: "mid-stream system"},
	})
	if system != "be brief\n\nknown facts" {
		t.Fatalf("system = %q", system)
	}
	if len(rest) != 2 || rest[0].Role != "user" {
		t.Fatalf("rest = %+v", rest)
	}
}
