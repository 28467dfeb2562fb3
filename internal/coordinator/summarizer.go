package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/loom/internal/backend"
	"github.com/basket/loom/internal/kernel"
	"github.com/basket/loom/internal/memory"
	"github.com/basket/loom/internal/persistence"
)

const summarizerInstructions = "You compress conversation history. Produce a short digest " +
	"that preserves decisions, named entities, open questions and user preferences. " +
	"Plain prose, no preamble."

// Summarizer folds older session turns into a rolling digest through the
// active backend binding. Satisfies session.Summarizer.
type Summarizer struct {
	kernel *kernel.Manager
}

func NewSummarizer(km *kernel.Manager) *Summarizer {
	return &Summarizer{kernel: km}
}

func (s *Summarizer) Summarize(ctx context.Context, previous string, turns []persistence.Turn) (string, error) {
	msgs := make([]memory.Message, 0, len(turns)+3)
	msgs = append(msgs, memory.Message{Role: "system", Content: summarizerInstructions})
	if previous != "" {
		msgs = append(msgs, memory.Message{Role: "user", Content: "Digest so far:\n" + previous})
	}
	for _, turn := range turns {
		msgs = append(msgs, memory.Message{
			Role:    "user",
			Content: fmt.Sprintf("[%s] %s", turn.Role, turn.Content),
		})
	}
	msgs = append(msgs, memory.Message{Role: "user", Content: "Write the updated digest."})

	binding := s.kernel.Binding()
	comp, err := binding.Backend.Invoke(ctx, backend.Request{Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	digest := strings.TrimSpace(comp.Text)
	if digest == "" {
		return "", fmt.Errorf("summarize: empty digest")
	}
	return digest, nil
}
