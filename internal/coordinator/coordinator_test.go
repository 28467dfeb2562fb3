package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/loom/internal/backend"
	"github.com/basket/loom/internal/config"
	"github.com/basket/loom/internal/fault"
	"github.com/basket/loom/internal/kernel"
	"github.com/basket/loom/internal/memory"
	"github.com/basket/loom/internal/persistence"
	"github.com/basket/loom/internal/policy"
	"github.com/basket/loom/internal/router"
	"github.com/basket/loom/internal/session"
)

// scriptedBackend serves drafts to the drafter and canned verdicts to the
// reviewer, telling them apart by the reviewer's request framing.
type scriptedBackend struct {
	name        string
	mu          sync.Mutex
	drafts      []string
	verdicts    []string
	draftErr    error
	draftCalls  int
	reviewCalls int
}

func (s *scriptedBackend) Name() string {
	if s.name != "" {
		return s.name
	}
	return "scripted"
}

func (s *scriptedBackend) Invoke(_ context.Context, req backend.Request) (*backend.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := req.Messages[len(req.Messages)-1]
	if strings.HasPrefix(last.Content, "Request:\n") {
		s.reviewCalls++
		v := s.verdicts[0]
		if len(s.verdicts) > 1 {
			s.verdicts = s.verdicts[1:]
		}
		return &backend.Completion{Text: v, Provider: "scripted"}, nil
	}
	if s.draftErr != nil {
		return nil, s.draftErr
	}
	s.draftCalls++
	d := s.drafts[0]
	if len(s.drafts) > 1 {
		s.drafts = s.drafts[1:]
	}
	return &backend.Completion{Text: d, Provider: "scripted"}, nil
}

func (s *scriptedBackend) counts() (drafts, reviews int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draftCalls, s.reviewCalls
}

type harness struct {
	store *persistence.Store
	coord *Coordinator
}

func newHarness(t *testing.T, be backend.Backend, checker policy.Checker, cfg Config) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "loom.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var kcfg config.Config
	kcfg.Backend.Provider = "scripted"
	kcfg.Backend.Model = "test"
	km, err := kernel.NewManager(context.Background(), kcfg,
		func(context.Context, config.Config) (backend.Backend, error) { return be, nil }, nil, nil)
	if err != nil {
		t.Fatalf("kernel.NewManager: %v", err)
	}

	rt, err := router.New([]config.RoleConfig{
		{Name: "general", Instructions: "Be helpful."},
	}, nil)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	reviewer, err := NewReviewer("")
	if err != nil {
		t.Fatalf("NewReviewer: %v", err)
	}

	sessions := session.NewManager(store, nil, session.Config{}, nil)
	builder := memory.NewBuilder(store, nil, memory.Config{}, nil)
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = 5 * time.Second
	}
	coord := New(store, sessions, builder, rt, km, reviewer, checker, nil, cfg, nil)
	return &harness{store: store, coord: coord}
}

func (h *harness) runTask(t *testing.T, ctx context.Context, content string) *persistence.Task {
	return h.runTaskParams(t, ctx, persistence.CreateTaskParams{SessionID: "s1", Content: content})
}

func (h *harness) runTaskParams(t *testing.T, ctx context.Context, params persistence.CreateTaskParams) *persistence.Task {
	t.Helper()
	if _, err := h.store.CreateTask(context.Background(), params); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	task, err := h.store.ClaimNextQueuedTask(context.Background())
	if err != nil || task == nil {
		t.Fatalf("ClaimNextQueuedTask: %v, %v", task, err)
	}
	h.coord.Execute(ctx, task)
	got, err := h.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return got
}

func TestCoordinator_ApprovedFirstPass(t *testing.T) {
	be := &scriptedBackend{
		drafts:   []string{"Madrid is the capital of Spain."},
		verdicts: []string{`{"verdict": "approve"}`},
	}
	h := newHarness(t, be, policy.NewRegexChecker(), Config{MaxRepairAttempts: 2})

	task := h.runTask(t, context.Background(), "capital of Spain?")
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (%s)", task.Status, task.Error)
	}
	if task.Verdict != persistence.VerdictApproved {
		t.Fatalf("verdict = %s, want APPROVED", task.Verdict)
	}
	if task.Result != "Madrid is the capital of Spain." {
		t.Fatalf("result = %q", task.Result)
	}
	if task.Intent != "general" {
		t.Fatalf("intent = %q, want general", task.Intent)
	}

	drafts, reviews := be.counts()
	if drafts != 1 || reviews != 1 {
		t.Fatalf("drafts=%d reviews=%d, want 1/1", drafts, reviews)
	}

	turns, err := h.store.RecentTurns(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 2 || turns[1].Role != "assistant" {
		t.Fatalf("turns = %+v, want user+assistant", turns)
	}
}

func TestCoordinator_RepairBudgetExhausted(t *testing.T) {
	be := &scriptedBackend{
		drafts:   []string{"draft one", "draft two", "draft three"},
		verdicts: []string{`{"verdict": "reject", "feedback": "not good enough"}`},
	}
	h := newHarness(t, be, nil, Config{MaxRepairAttempts: 2})

	task := h.runTask(t, context.Background(), "do the thing")
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (%s)", task.Status, task.Error)
	}
	if task.Verdict != persistence.VerdictUnreviewed {
		t.Fatalf("verdict = %s, want UNREVIEWED", task.Verdict)
	}
	if task.Result != "draft three" {
		t.Fatalf("result = %q, want the final draft", task.Result)
	}

	// Exactly two repair rounds: three drafts, three reviews.
	drafts, reviews := be.counts()
	if drafts != 3 || reviews != 3 {
		t.Fatalf("drafts=%d reviews=%d, want 3/3", drafts, reviews)
	}

	logs, err := h.store.TaskLogs(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("TaskLogs: %v", err)
	}
	revisions := 0
	for _, l := range logs {
		if l.EventType == "task.revision" {
			revisions++
		}
	}
	if revisions != 2 {
		t.Fatalf("revision log entries = %d, want 2", revisions)
	}
}

func TestCoordinator_PolicyViolationFoldsBack(t *testing.T) {
	be := &scriptedBackend{
		drafts: []string{
			`sure, api_key = "sk1234567890abcdef1234"`,
			"use an environment variable for the key instead",
		},
		verdicts: []string{`{"verdict": "approve"}`},
	}
	h := newHarness(t, be, policy.NewRegexChecker(), Config{MaxRepairAttempts: 2})

	task := h.runTask(t, context.Background(), "how do I call the API")
	if task.Status != persistence.TaskStatusCompleted || task.Verdict != persistence.VerdictApproved {
		t.Fatalf("task = %s/%s (%s)", task.Status, task.Verdict, task.Error)
	}

	// The first draft never reached the reviewer.
	drafts, reviews := be.counts()
	if drafts != 2 || reviews != 1 {
		t.Fatalf("drafts=%d reviews=%d, want 2/1", drafts, reviews)
	}

	logs, _ := h.store.TaskLogs(context.Background(), task.ID)
	sawViolation := false
	for _, l := range logs {
		if l.EventType == "task.policy_violation" {
			sawViolation = true
		}
	}
	if !sawViolation {
		t.Fatal("no policy violation logged")
	}
}

func TestCoordinator_BlockingViolationExhaustedFails(t *testing.T) {
	be := &scriptedBackend{
		drafts:   []string{`password: supersecret99`},
		verdicts: []string{`{"verdict": "approve"}`},
	}
	h := newHarness(t, be, policy.NewRegexChecker(), Config{MaxRepairAttempts: 1})

	task := h.runTask(t, context.Background(), "leak it")
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", task.Status)
	}
	if !strings.Contains(task.Error, "safety policy") {
		t.Fatalf("error = %q", task.Error)
	}
}

func TestCoordinator_CancellationMidTask(t *testing.T) {
	be := &scriptedBackend{
		drafts:   []string{"never delivered"},
		verdicts: []string{`{"verdict": "approve"}`},
	}
	h := newHarness(t, be, nil, Config{MaxRepairAttempts: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := h.runTask(t, ctx, "too late")
	if task.Status != persistence.TaskStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", task.Status)
	}
}

// stalledBackend never answers; it waits out whatever context it gets.
type stalledBackend struct {
	mu    sync.Mutex
	calls int
}

func (s *stalledBackend) Name() string { return "stalled" }

func (s *stalledBackend) Invoke(ctx context.Context, _ backend.Request) (*backend.Completion, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stalledBackend) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestCoordinator_InvokeTimeoutRetriesEachCall(t *testing.T) {
	be := &stalledBackend{}
	h := newHarness(t, backend.WithTimeout(be, 30*time.Millisecond), nil, Config{
		MaxRepairAttempts: 2,
		Backoff:           fault.BackoffPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond},
		TaskTimeout:       5 * time.Second,
	})

	start := time.Now()
	task := h.runTask(t, context.Background(), "never answered")
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED (%s)", task.Status, task.Error)
	}
	if task.ErrorClass != "TIMEOUT" {
		t.Fatalf("error class = %q, want TIMEOUT", task.ErrorClass)
	}
	// One invocation per retry attempt: the deadline is per call, not per task.
	if got := be.callCount(); got != 3 {
		t.Fatalf("backend calls = %d, want 3", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("task took %s, want per-call deadlines well inside the task budget", elapsed)
	}
}

func TestCoordinator_ForcedProviderPinsBackend(t *testing.T) {
	primary := &scriptedBackend{
		name:     "alpha",
		drafts:   []string{"alpha draft"},
		verdicts: []string{`{"verdict": "approve"}`},
	}
	pinned := &scriptedBackend{
		name:     "beta",
		drafts:   []string{"beta draft"},
		verdicts: []string{`{"verdict": "approve"}`},
	}
	chain := backend.NewFailoverBackend(primary, []backend.Backend{pinned}, 5, time.Minute, nil)
	h := newHarness(t, chain, nil, Config{MaxRepairAttempts: 2})

	task := h.runTaskParams(t, context.Background(), persistence.CreateTaskParams{
		SessionID:      "s1",
		Content:        "route me",
		ForcedProvider: "beta",
	})
	if task.Status != persistence.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (%s)", task.Status, task.Error)
	}
	if task.Result != "beta draft" {
		t.Fatalf("result = %q, want the pinned provider's draft", task.Result)
	}
	if drafts, reviews := primary.counts(); drafts != 0 || reviews != 0 {
		t.Fatalf("primary calls = %d/%d, want none", drafts, reviews)
	}

	unknown := h.runTaskParams(t, context.Background(), persistence.CreateTaskParams{
		SessionID:      "s1",
		Content:        "bad override",
		ForcedProvider: "gamma",
	})
	if unknown.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED for an unbound provider", unknown.Status)
	}
}

func TestCoordinator_BackendFailureFailsTask(t *testing.T) {
	be := &scriptedBackend{
		drafts:   []string{"unused"},
		verdicts: []string{`{"verdict": "approve"}`},
		draftErr: errors.New("401 unauthorized: invalid api key"),
	}
	h := newHarness(t, be, nil, Config{MaxRepairAttempts: 2})

	task := h.runTask(t, context.Background(), "hello")
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", task.Status)
	}
	if task.ErrorClass != "AUTH" {
		t.Fatalf("error class = %q, want AUTH", task.ErrorClass)
	}
}
