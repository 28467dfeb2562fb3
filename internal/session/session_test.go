package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/basket/loom/internal/persistence"
)

type stubSummarizer struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (s *stubSummarizer) Summarize(_ context.Context, previous string, turns []persistence.Turn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return "", errors.New("backend unavailable")
	}
	parts := make([]string, 0, len(turns)+1)
	if previous != "" {
		parts = append(parts, previous)
	}
	for _, t := range turns {
		parts = append(parts, t.Content)
	}
	return strings.Join(parts, " | "), nil
}

func (s *stubSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestManager(t *testing.T, summarizer Summarizer, cfg Config) (*Manager, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "loom.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, summarizer, cfg, nil), store
}

func TestManager_SummarizesAfterTurnThreshold(t *testing.T) {
	sum := &stubSummarizer{}
	mgr, store := newTestManager(t, sum, Config{SummaryTriggerTurns: 4, SummaryTriggerBytes: 1 << 20})
	ctx := context.Background()

	for i := range 3 {
		if _, err := mgr.RecordUserTurn(ctx, "s1", fmt.Sprintf("question %d", i), 3); err != nil {
			t.Fatalf("RecordUserTurn: %v", err)
		}
		if _, err := mgr.RecordAssistantTurn(ctx, "s1", fmt.Sprintf("answer %d", i), 3); err != nil {
			t.Fatalf("RecordAssistantTurn: %v", err)
		}
	}

	if sum.callCount() == 0 {
		t.Fatal("summarizer never invoked past threshold")
	}
	rolling, err := store.GetSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if rolling.Content == "" || rolling.CoveredTurnID == 0 {
		t.Fatalf("summary = %+v", rolling)
	}

	// The newest exchange must stay raw.
	turns, err := mgr.Recent(ctx, "s1", 50)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(turns) < 2 {
		t.Fatalf("live turns = %d, want at least the newest exchange", len(turns))
	}
	last := turns[len(turns)-1]
	if last.Content != "answer 2" {
		t.Fatalf("newest live turn = %q, want answer 2", last.Content)
	}
}

func TestManager_SummarizerFailureKeepsRawTurns(t *testing.T) {
	sum := &stubSummarizer{fail: true}
	mgr, _ := newTestManager(t, sum, Config{SummaryTriggerTurns: 2, SummaryTriggerBytes: 1 << 20})
	ctx := context.Background()

	for i := range 3 {
		if _, err := mgr.RecordUserTurn(ctx, "s1", fmt.Sprintf("q%d", i), 1); err != nil {
			t.Fatalf("RecordUserTurn: %v", err)
		}
		if _, err := mgr.RecordAssistantTurn(ctx, "s1", fmt.Sprintf("a%d", i), 1); err != nil {
			t.Fatalf("RecordAssistantTurn: %v", err)
		}
	}

	if sum.callCount() == 0 {
		t.Fatal("summarizer never attempted")
	}
	turns, err := mgr.Recent(ctx, "s1", 50)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(turns) != 6 {
		t.Fatalf("live turns after failed summarization = %d, want all 6", len(turns))
	}
	if rolling, _ := mgr.Summary(ctx, "s1"); rolling != nil {
		t.Fatalf("summary = %+v, want none after failure", rolling)
	}
}

func TestManager_NoSummarizerNoTrigger(t *testing.T) {
	mgr, _ := newTestManager(t, nil, Config{SummaryTriggerTurns: 1, SummaryTriggerBytes: 1})
	ctx := context.Background()
	if _, err := mgr.RecordAssistantTurn(ctx, "s1", "fine without one", 4); err != nil {
		t.Fatalf("RecordAssistantTurn: %v", err)
	}
}

func TestManager_ConcurrentWritesSameSession(t *testing.T) {
	mgr, _ := newTestManager(t, nil, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.RecordUserTurn(ctx, "shared", fmt.Sprintf("turn %d", i), 1); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write: %v", err)
	}

	turns, err := mgr.Recent(ctx, "shared", 50)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(turns) != 20 {
		t.Fatalf("turns = %d, want 20", len(turns))
	}
}
