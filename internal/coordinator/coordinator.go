// Package coordinator drives one claimed task through drafting, review, and
// bounded revision. Each task runs against the kernel binding it grabbed at
// claim time; the repair budget caps how many reviewer round-trips a task
// may consume before its best draft ships with an unreviewed verdict.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/loom/internal/backend"
	"github.com/basket/loom/internal/bus"
	"github.com/basket/loom/internal/fault"
	"github.com/basket/loom/internal/kernel"
	"github.com/basket/loom/internal/memory"
	"github.com/basket/loom/internal/persistence"
	"github.com/basket/loom/internal/policy"
	"github.com/basket/loom/internal/router"
	"github.com/basket/loom/internal/session"
	"github.com/basket/loom/internal/shared"
)

// Config tunes one coordinator.
type Config struct {
	MaxRepairAttempts int
	Backoff           fault.BackoffPolicy
	TaskTimeout       time.Duration
}

func (c *Config) normalize() {
	if c.MaxRepairAttempts < 0 {
		c.MaxRepairAttempts = 0
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff = fault.DefaultBackoff()
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
}

type Coordinator struct {
	store    *persistence.Store
	sessions *session.Manager
	builder  *memory.Builder
	router   *router.Router
	kernel   *kernel.Manager
	reviewer *Reviewer
	checker  policy.Checker
	bus      *bus.Bus
	cfg      Config
	log      *slog.Logger
}

func New(
	store *persistence.Store,
	sessions *session.Manager,
	builder *memory.Builder,
	rt *router.Router,
	km *kernel.Manager,
	reviewer *Reviewer,
	checker policy.Checker,
	eventBus *bus.Bus,
	cfg Config,
	log *slog.Logger,
) *Coordinator {
	cfg.normalize()
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:    store,
		sessions: sessions,
		builder:  builder,
		router:   rt,
		kernel:   km,
		reviewer: reviewer,
		checker:  checker,
		bus:      eventBus,
		cfg:      cfg,
		log:      log,
	}
}

// Execute runs a claimed task to a terminal state. The task is already
// RUNNING when it arrives; every outcome, including coordinator errors,
// lands in exactly one terminal status.
func (c *Coordinator) Execute(ctx context.Context, task *persistence.Task) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TaskTimeout)
	defer cancel()
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithSessionID(ctx, task.SessionID)
	log := c.log.With("task_id", task.ID, "session_id", task.SessionID)

	if err := c.run(ctx, task, log); err != nil {
		c.finishWithError(context.WithoutCancel(ctx), task, err, log)
	}
}

func (c *Coordinator) run(ctx context.Context, task *persistence.Task, log *slog.Logger) error {
	binding := c.kernel.Binding()
	be := binding.Backend
	if task.ForcedProvider != "" {
		forced, ok := backend.Select(be, task.ForcedProvider)
		if !ok {
			return fault.Validationf("forced provider %q is not bound", task.ForcedProvider)
		}
		be = forced
		log.Info("provider override", "provider", task.ForcedProvider)
	}

	role, err := c.router.Route(task.Content, task.ForcedIntent)
	if err != nil {
		return err
	}
	if err := c.store.SetTaskIntent(ctx, task.ID, role.Name); err != nil {
		return err
	}
	log.Info("task routed", "role", role.Name, "forced", task.ForcedIntent != "")

	messages, usage, err := c.builder.Build(ctx, task.SessionID, role.Instructions, task.Content)
	if err != nil {
		return fmt.Errorf("assemble context: %w", err)
	}
	if raw, err := json.Marshal(usage); err == nil {
		_ = c.store.SetTaskContextUsed(ctx, task.ID, string(raw))
	}

	if _, err := c.sessions.RecordUserTurn(ctx, task.SessionID, task.Content, memory.EstimateTokens(task.Content)); err != nil {
		return fmt.Errorf("record user turn: %w", err)
	}

	var draft string
	var lastFeedback string
	repairs := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		draft, err = c.draft(ctx, be, messages, draft, lastFeedback)
		if err != nil {
			return err
		}

		moved, err := c.store.TransitionTask(ctx, task.ID,
			[]persistence.TaskStatus{persistence.TaskStatusRunning},
			persistence.TaskStatusAwaitingReview, "task.review_requested", "")
		if err != nil {
			return err
		}
		if !moved {
			// Cancelled out from under us between states.
			return context.Canceled
		}

		outcome := c.review(ctx, be, task, draft, repairs)
		c.logReview(ctx, task.ID, repairs, outcome)

		if outcome.Approved {
			return c.deliver(ctx, task, draft, persistence.VerdictApproved, log)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if repairs >= c.cfg.MaxRepairAttempts {
			if outcome.Blocking {
				return fmt.Errorf("%w: draft still violates safety policy after %d repairs",
					fault.ErrValidation, repairs)
			}
			log.Warn("repair budget exhausted, delivering unreviewed draft", "repairs", repairs)
			return c.deliver(ctx, task, draft, persistence.VerdictUnreviewed, log)
		}
		repairs++
		lastFeedback = outcome.Feedback

		moved, err = c.store.TransitionTask(ctx, task.ID,
			[]persistence.TaskStatus{persistence.TaskStatusAwaitingReview},
			persistence.TaskStatusRunning, "task.revision",
			fmt.Sprintf(`{"repair":%d}`, repairs))
		if err != nil {
			return err
		}
		if !moved {
			return context.Canceled
		}
		log.Info("revising draft", "repair", repairs)
	}
}

// draft asks the backend for the next draft. Revision rounds carry the
// previous draft and the reviewer's feedback as extra conversation.
func (c *Coordinator) draft(ctx context.Context, be backend.Backend, base []memory.Message, previousDraft, feedback string) (string, error) {
	messages := base
	if feedback != "" {
		messages = make([]memory.Message, 0, len(base)+2)
		messages = append(messages, base...)
		messages = append(messages,
			memory.Message{Role: "assistant", Content: previousDraft},
			memory.Message{Role: "user", Content: revisionPrompt(feedback)},
		)
	}

	var completion *backend.Completion
	err := c.cfg.Backoff.Retry(ctx, func() error {
		var err error
		completion, err = be.Invoke(ctx, backend.Request{Messages: messages})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("draft: %w", err)
	}
	return completion.Text, nil
}

func revisionPrompt(feedback string) string {
	var sb strings.Builder
	sb.WriteString("Your previous draft was reviewed and needs revision.\n\n")
	sb.WriteString("Reviewer feedback:\n")
	sb.WriteString(feedback)
	sb.WriteString("\n\nProduce a corrected draft that resolves the feedback. Reply with the revised answer only.")
	return sb.String()
}

// reviewOutcome merges the reviewer verdict and the policy gate.
type reviewOutcome struct {
	Approved bool
	Feedback string
	Verdict  string
	Blocking bool
}

// review runs the safety gate and, when it passes, the model reviewer.
// Policy violations short-circuit: there is no point burning a reviewer
// call on a draft that cannot ship.
func (c *Coordinator) review(ctx context.Context, be backend.Backend, task *persistence.Task, draft string, repairs int) reviewOutcome {
	if c.checker != nil {
		if violations := c.checker.CheckSafety(draft); len(violations) > 0 {
			blocking := false
			for _, v := range violations {
				if v.Severity == policy.SeverityBlock {
					blocking = true
				}
			}
			_ = c.store.AppendTaskLog(ctx, task.ID, "task.policy_violation", violations)
			return reviewOutcome{
				Approved: false,
				Feedback: policy.Feedback(violations),
				Verdict:  "policy_reject",
				Blocking: blocking,
			}
		}
	}

	if c.reviewer == nil {
		return reviewOutcome{Approved: true, Verdict: "approve"}
	}
	verdict, err := c.reviewer.Review(ctx, be, task.Content, draft)
	if err != nil {
		// Reviewer unavailable: do not block the draft, mark it unreviewed
		// by rejecting without feedback so the repair budget decides.
		c.log.Warn("reviewer unavailable", "task_id", task.ID, "error", err)
		return reviewOutcome{
			Approved: false,
			Feedback: "",
			Verdict:  "review_unavailable",
		}
	}
	if verdict.Approve() {
		return reviewOutcome{Approved: true, Verdict: verdict.Verdict}
	}
	return reviewOutcome{Approved: false, Feedback: verdict.Feedback, Verdict: verdict.Verdict}
}

func (c *Coordinator) logReview(ctx context.Context, taskID string, iteration int, outcome reviewOutcome) {
	_ = c.store.AppendTaskLog(ctx, taskID, "task.review", map[string]any{
		"iteration": iteration,
		"verdict":   outcome.Verdict,
		"feedback":  outcome.Feedback,
	})
	if c.bus != nil {
		c.bus.Publish(bus.TopicTaskReview, bus.TaskReviewEvent{
			TaskID:    taskID,
			Iteration: iteration,
			Verdict:   outcome.Verdict,
			Feedback:  outcome.Feedback,
		})
	}
}

func (c *Coordinator) deliver(ctx context.Context, task *persistence.Task, draft, verdict string, log *slog.Logger) error {
	moved, err := c.store.CompleteTask(ctx, task.ID, draft, verdict)
	if err != nil {
		return err
	}
	if !moved {
		return context.Canceled
	}
	if _, err := c.sessions.RecordAssistantTurn(ctx, task.SessionID, draft, memory.EstimateTokens(draft)); err != nil {
		log.Warn("failed to record assistant turn", "error", err)
	}
	log.Info("task completed", "verdict", verdict)
	return nil
}

// finishWithError maps a run error onto the right terminal status.
func (c *Coordinator) finishWithError(ctx context.Context, task *persistence.Task, runErr error, log *slog.Logger) {
	if errors.Is(runErr, context.Canceled) {
		if moved, err := c.store.CancelTask(ctx, task.ID, "cancelled during execution"); err != nil {
			log.Error("failed to mark task cancelled", "error", err)
		} else if moved {
			log.Info("task cancelled")
		}
		return
	}

	class := fault.Classify(runErr)
	if errors.Is(runErr, context.DeadlineExceeded) {
		class = fault.ClassTimeout
	}
	moved, err := c.store.FailTask(ctx, task.ID, runErr.Error(), string(class))
	if err != nil {
		log.Error("failed to mark task failed", "error", err)
		return
	}
	if moved {
		log.Error("task failed", "error_class", string(class), "error", runErr)
	}
}
