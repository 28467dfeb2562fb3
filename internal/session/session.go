// Package session serializes conversation writes per session and keeps the
// rolling summary fresh. All turn mutation for one session funnels through a
// single striped lock, so concurrent tasks on the same session cannot
// interleave their history writes.
package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/basket/loom/internal/fault"
	"github.com/basket/loom/internal/persistence"
)

const lockStripes = 32

// Summarizer folds older turns into a compact digest. The backend-backed
// implementation lives in the coordinator wiring; tests use stubs.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, turns []persistence.Turn) (string, error)
}

// Config carries the summarization trigger thresholds.
type Config struct {
	SummaryTriggerTurns int
	SummaryTriggerBytes int
}

type Manager struct {
	store      *persistence.Store
	summarizer Summarizer
	cfg        Config
	log        *slog.Logger

	locks [lockStripes]sync.Mutex
}

func NewManager(store *persistence.Store, summarizer Summarizer, cfg Config, log *slog.Logger) *Manager {
	if cfg.SummaryTriggerTurns <= 0 {
		cfg.SummaryTriggerTurns = 20
	}
	if cfg.SummaryTriggerBytes <= 0 {
		cfg.SummaryTriggerBytes = 16 * 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, summarizer: summarizer, cfg: cfg, log: log}
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &m.locks[h.Sum32()%lockStripes]
}

// RecordUserTurn appends the user's request to the session history.
func (m *Manager) RecordUserTurn(ctx context.Context, sessionID, content string, tokens int) (int64, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return m.store.AppendTurn(ctx, sessionID, "user", content, tokens)
}

// RecordAssistantTurn appends the assistant's reply and then checks whether
// the live history has outgrown the summarization thresholds.
func (m *Manager) RecordAssistantTurn(ctx context.Context, sessionID, content string, tokens int) (int64, error) {
	mu := m.lockFor(sessionID)
	mu.Lock()
	id, err := m.store.AppendTurn(ctx, sessionID, "assistant", content, tokens)
	mu.Unlock()
	if err != nil {
		return 0, err
	}
	m.maybeSummarize(ctx, sessionID)
	return id, nil
}

// StreamAssistantTurn updates an assistant turn in place while its content
// streams in.
func (m *Manager) StreamAssistantTurn(ctx context.Context, sessionID string, turnID int64, content string, tokens int) error {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return m.store.UpdateTurnContent(ctx, turnID, content, tokens)
}

// Recent returns the newest limit turns, oldest first.
func (m *Manager) Recent(ctx context.Context, sessionID string, limit int) ([]persistence.Turn, error) {
	return m.store.RecentTurns(ctx, sessionID, limit)
}

// Summary returns the rolling summary, or nil when none exists yet.
func (m *Manager) Summary(ctx context.Context, sessionID string) (*persistence.Summary, error) {
	sum, err := m.store.GetSummary(ctx, sessionID)
	if errors.Is(err, fault.ErrNotFound) {
		return nil, nil
	}
	return sum, err
}

// Reset clears a session's turns and summary, leaving memories intact.
func (m *Manager) Reset(ctx context.Context, sessionID string) error {
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return m.store.ResetSession(ctx, sessionID)
}

// maybeSummarize folds surplus turns into the rolling summary when either
// trigger fires. Summarizer failures degrade gracefully: the raw turns stay
// live and the next write retries.
func (m *Manager) maybeSummarize(ctx context.Context, sessionID string) {
	if m.summarizer == nil {
		return
	}
	stats, err := m.store.SessionStatsSince(ctx, sessionID)
	if err != nil {
		m.log.Warn("session stats failed", "session_id", sessionID, "error", err)
		return
	}
	if stats.TurnCount < m.cfg.SummaryTriggerTurns && stats.ContentBytes < m.cfg.SummaryTriggerBytes {
		return
	}

	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if err := m.summarizeLocked(ctx, sessionID); err != nil {
		m.log.Warn("summarization failed, keeping raw turns", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) summarizeLocked(ctx context.Context, sessionID string) error {
	var previous string
	var covered int64
	if sum, err := m.store.GetSummary(ctx, sessionID); err == nil {
		previous = sum.Content
		covered = sum.CoveredTurnID
	} else if !errors.Is(err, fault.ErrNotFound) {
		return err
	}

	turns, err := m.store.TurnsAfter(ctx, sessionID, covered)
	if err != nil {
		return err
	}
	// Leave the newest exchange raw so the immediate back-and-forth
	// survives summarization verbatim.
	if len(turns) <= 2 {
		return nil
	}
	fold := turns[:len(turns)-2]

	digest, err := m.summarizer.Summarize(ctx, previous, fold)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	newCovered := fold[len(fold)-1].ID
	if err := m.store.SaveSummary(ctx, sessionID, digest, newCovered); err != nil {
		return err
	}
	if _, err := m.store.ArchiveTurnsBefore(ctx, sessionID, newCovered); err != nil {
		return err
	}
	m.log.Info("session summarized",
		"session_id", sessionID,
		"folded_turns", len(fold),
		"covered_turn_id", newCovered)
	return nil
}
