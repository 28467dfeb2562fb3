// Package memory assembles the model context for a task: role instructions,
// the session's rolling summary, retrieved long-term facts, and the most
// recent raw turns, fitted to a token budget. When the budget is tight the
// oldest raw turns go first; the summary and the current request always
// survive.
package memory

import (
	"context"
	"log/slog"
	"strings"

	"github.com/basket/loom/internal/persistence"
)

// EstimateTokens approximates token count from byte length. Close enough
// for budget fitting across the supported providers.
func EstimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// Retriever finds long-term facts relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, sessionID, query string, topK int) ([]persistence.MemoryEntry, error)
}

// StoreRetriever backs Retriever with the persistence keyword index.
type StoreRetriever struct {
	Store *persistence.Store
}

func (r *StoreRetriever) Retrieve(ctx context.Context, sessionID, query string, topK int) ([]persistence.MemoryEntry, error) {
	return r.Store.SearchMemories(ctx, sessionID, query, topK)
}

// Message is one entry of the assembled context, in model wire order.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage records what went into a context assembly, persisted on the task
// for later inspection.
type Usage struct {
	InstructionTokens int      `json:"instruction_tokens"`
	SummaryIncluded   bool     `json:"summary_included"`
	MemoryKeys        []string `json:"memory_keys,omitempty"`
	TurnsIncluded     int      `json:"turns_included"`
	TurnsDropped      int      `json:"turns_dropped"`
	TotalTokens       int      `json:"total_tokens"`
	RetrievalSkipped  bool     `json:"retrieval_skipped"`
}

// Config tunes assembly.
type Config struct {
	BudgetTokens      int
	RecentTurns       int
	RetrievalTopK     int
	RetrievalMinTurns int
}

type Builder struct {
	store     *persistence.Store
	retriever Retriever
	cfg       Config
	log       *slog.Logger
}

func NewBuilder(store *persistence.Store, retriever Retriever, cfg Config, log *slog.Logger) *Builder {
	if cfg.BudgetTokens <= 0 {
		cfg.BudgetTokens = 8000
	}
	if cfg.RecentTurns <= 0 {
		cfg.RecentTurns = 12
	}
	if cfg.RetrievalTopK <= 0 {
		cfg.RetrievalTopK = 4
	}
	if cfg.RetrievalMinTurns <= 0 {
		cfg.RetrievalMinTurns = 6
	}
	if log == nil {
		log = slog.Default()
	}
	return &Builder{store: store, retriever: retriever, cfg: cfg, log: log}
}

// backReferencePhrases gate memory retrieval: short self-contained requests
// skip the lookup entirely.
var backReferencePhrases = []string{
	"remember",
	"you said",
	"you told",
	"we discussed",
	"we talked",
	"earlier",
	"last time",
	"previously",
	"as before",
	"again",
	"that one",
	"my usual",
}

func referencesPast(request string) bool {
	lower := strings.ToLower(request)
	for _, phrase := range backReferencePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Build assembles the context for one request. instructions come from the
// routed role; request is the current user content and is never dropped.
func (b *Builder) Build(ctx context.Context, sessionID, instructions, request string) ([]Message, Usage, error) {
	var usage Usage
	usage.InstructionTokens = EstimateTokens(instructions)

	budget := b.cfg.BudgetTokens
	spent := usage.InstructionTokens + EstimateTokens(request)

	var summaryMsg *Message
	if sum, err := b.store.GetSummary(ctx, sessionID); err == nil && sum != nil {
		summaryMsg = &Message{Role: "system", Content: "Conversation so far: " + sum.Content}
		spent += EstimateTokens(summaryMsg.Content)
		usage.SummaryIncluded = true
	}

	turns, err := b.store.RecentTurns(ctx, sessionID, b.cfg.RecentTurns)
	if err != nil {
		return nil, usage, err
	}

	retrieve := referencesPast(request) || len(turns) >= b.cfg.RetrievalMinTurns
	var memoryMsg *Message
	if retrieve && b.retriever != nil {
		entries, err := b.retriever.Retrieve(ctx, sessionID, request, b.cfg.RetrievalTopK)
		if err != nil {
			// Retrieval is best effort; the task proceeds without it.
			b.log.Warn("memory retrieval failed", "session_id", sessionID, "error", err)
		} else if len(entries) > 0 {
			var sb strings.Builder
			sb.WriteString("Known facts:\n")
			for _, e := range entries {
				sb.WriteString("- ")
				sb.WriteString(e.Key)
				sb.WriteString(": ")
				sb.WriteString(e.Value)
				sb.WriteString("\n")
				usage.MemoryKeys = append(usage.MemoryKeys, e.Key)
			}
			memoryMsg = &Message{Role: "system", Content: sb.String()}
			spent += EstimateTokens(memoryMsg.Content)
		}
	} else {
		usage.RetrievalSkipped = true
	}

	// Fit raw turns newest-to-oldest into what remains, then restore
	// chronological order. The oldest turns fall off first.
	remaining := budget - spent
	var kept []persistence.Turn
	for i := len(turns) - 1; i >= 0; i-- {
		cost := EstimateTokens(turns[i].Content)
		if cost > remaining {
			break
		}
		remaining -= cost
		kept = append(kept, turns[i])
	}
	usage.TurnsIncluded = len(kept)
	usage.TurnsDropped = len(turns) - len(kept)

	messages := make([]Message, 0, len(kept)+4)
	if instructions != "" {
		messages = append(messages, Message{Role: "system", Content: instructions})
	}
	if summaryMsg != nil {
		messages = append(messages, *summaryMsg)
	}
	if memoryMsg != nil {
		messages = append(messages, *memoryMsg)
	}
	for i := len(kept) - 1; i >= 0; i-- {
		messages = append(messages, Message{Role: kept[i].Role, Content: kept[i].Content})
	}
	messages = append(messages, Message{Role: "user", Content: request})

	usage.TotalTokens = 0
	for _, m := range messages {
		usage.TotalTokens += EstimateTokens(m.Content)
	}
	return messages, usage, nil
}
