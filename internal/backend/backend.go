// Package backend abstracts the model providers behind a single Invoke
// surface. The Genkit adapter binds one provider; FailoverBackend chains
// adapters with per-provider circuit breakers.
package backend

import (
	"context"

	"github.com/basket/loom/internal/memory"
)

// Request is one model invocation: the assembled context in wire order.
// Leading system messages become the system prompt.
type Request struct {
	Messages []memory.Message
}

// Completion is a model reply.
type Completion struct {
	Text     string
	Provider string
}

// Backend produces completions. Implementations classify their own errors
// through the fault package so callers can decide on retries.
type Backend interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Completion, error)
}
