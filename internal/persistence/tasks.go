package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/loom/internal/bus"
	"github.com/basket/loom/internal/fault"
	"github.com/google/uuid"
)

const taskWriteRetries = 3

// CreateTaskParams carries everything a submission pins on a task row.
type CreateTaskParams struct {
	SessionID      string
	Content        string
	Lane           string
	ForcedIntent   string
	ForcedProvider string
	Attachments    []string
}

// CreateTask inserts a QUEUED task and its creation log entry in one
// transaction. The session row is created on first use.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	if p.SessionID == "" {
		return nil, fault.Validationf("session id is required")
	}
	if p.Content == "" {
		return nil, fault.Validationf("task content is empty")
	}
	lane := p.Lane
	if lane == "" {
		lane = LaneInteractive
	}
	if lane != LaneInteractive && lane != LaneBackground {
		return nil, fault.Validationf("unknown lane %q", lane)
	}

	attachments := ""
	if len(p.Attachments) > 0 {
		raw, err := json.Marshal(p.Attachments)
		if err != nil {
			return nil, fmt.Errorf("marshal attachments: %w", err)
		}
		attachments = string(raw)
	}

	taskID := uuid.NewString()
	err := retryOnBusy(ctx, taskWriteRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := ensureSessionTx(ctx, tx, p.SessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, session_id, content, lane, status, forced_intent, forced_provider, attachments)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, taskID, p.SessionID, p.Content, lane, TaskStatusQueued, p.ForcedIntent, p.ForcedProvider, attachments); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		payload, _ := json.Marshal(map[string]any{"lane": lane, "forced_intent": p.ForcedIntent})
		if err := s.appendTaskLogTx(ctx, tx, taskID, p.SessionID, "", TaskStatusQueued, "task.created", string(payload)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publishTransition(taskID, p.SessionID, "", TaskStatusQueued, "submitted")
	return s.GetTask(ctx, taskID)
}

// GetTask returns a task by id, or fault.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, content, lane, status, forced_intent, forced_provider,
		       attachments, intent, COALESCE(result, ''), verdict, COALESCE(error, ''),
		       error_class, context_used, created_at, updated_at, finished_at
		FROM tasks
		WHERE id = ?;
	`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFoundf("task %s", taskID)
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var finished sql.NullTime
	err := row.Scan(
		&t.ID, &t.SessionID, &t.Content, &t.Lane, &t.Status, &t.ForcedIntent,
		&t.ForcedProvider, &t.Attachments, &t.Intent, &t.Result, &t.Verdict,
		&t.Error, &t.ErrorClass, &t.ContextUsed, &t.CreatedAt, &t.UpdatedAt, &finished,
	)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		t.FinishedAt = &finished.Time
	}
	return &t, nil
}

// ClaimNextQueuedTask atomically promotes the oldest eligible QUEUED task to
// RUNNING and returns it. Interactive-lane tasks are always claimed before
// background ones; within a lane the order is FIFO by insertion. Returns
// (nil, nil) when the queue is empty.
func (s *Store) ClaimNextQueuedTask(ctx context.Context) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, taskWriteRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, session_id, content, lane, status, forced_intent, forced_provider,
			       attachments, intent, COALESCE(result, ''), verdict, COALESCE(error, ''),
			       error_class, context_used, created_at, updated_at, finished_at
			FROM tasks
			WHERE status = ?
			ORDER BY CASE lane WHEN 'interactive' THEN 0 ELSE 1 END, created_at ASC, id ASC
			LIMIT 1;
		`, TaskStatusQueued)
		task, err := scanTask(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				claimed = nil
				return nil
			}
			return fmt.Errorf("select next queued task: %w", err)
		}

		_, ok, err := s.transitionTaskTx(ctx, tx, task.ID, []TaskStatus{TaskStatusQueued}, TaskStatusRunning, "task.claimed", "")
		if err != nil {
			return err
		}
		if !ok {
			claimed = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim: %w", err)
		}
		task.Status = TaskStatusRunning
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.publishTransition(claimed.ID, claimed.SessionID, TaskStatusQueued, TaskStatusRunning, "claimed")
	}
	return claimed, nil
}

// SetTaskIntent records the router's role decision.
func (s *Store) SetTaskIntent(ctx context.Context, taskID, intent string) error {
	return s.updateTaskField(ctx, taskID, "intent", intent)
}

// SetTaskContextUsed records the context assembly audit blob.
func (s *Store) SetTaskContextUsed(ctx context.Context, taskID, contextUsed string) error {
	return s.updateTaskField(ctx, taskID, "context_used", contextUsed)
}

func (s *Store) updateTaskField(ctx context.Context, taskID, column, value string) error {
	return retryOnBusy(ctx, taskWriteRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET `+column+` = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, value, taskID)
		if err != nil {
			return fmt.Errorf("update task %s: %w", column, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fault.NotFoundf("task %s", taskID)
		}
		return nil
	})
}

// TransitionTask is the general guarded status move used by the coordinator
// for non-terminal hops (RUNNING <-> AWAITING_REVIEW). It appends a task log
// row in the same transaction and publishes on commit.
func (s *Store) TransitionTask(ctx context.Context, taskID string, from []TaskStatus, to TaskStatus, eventType, payload string) (bool, error) {
	var prev TaskStatus
	var moved bool
	var sessionID string
	err := retryOnBusy(ctx, taskWriteRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT session_id FROM tasks WHERE id = ?;`, taskID).Scan(&sessionID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				moved = false
				return nil
			}
			return fmt.Errorf("select task session: %w", err)
		}
		prev, moved, err = s.transitionTaskTx(ctx, tx, taskID, from, to, eventType, payload)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if moved {
		s.publishTransition(taskID, sessionID, prev, to, eventType)
	}
	return moved, nil
}

// CompleteTask finishes a task with its result text and verdict.
func (s *Store) CompleteTask(ctx context.Context, taskID, result, verdict string) (bool, error) {
	return s.finishTask(ctx, taskID,
		[]TaskStatus{TaskStatusRunning, TaskStatusAwaitingReview},
		TaskStatusCompleted, "task.completed",
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				UPDATE tasks SET result = ?, verdict = ? WHERE id = ?;
			`, result, verdict, taskID)
			return err
		})
}

// FailTask finishes a task with an error message and classification.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg, errClass string) (bool, error) {
	return s.finishTask(ctx, taskID,
		[]TaskStatus{TaskStatusRunning, TaskStatusAwaitingReview},
		TaskStatusFailed, "task.failed",
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				UPDATE tasks SET error = ?, error_class = ? WHERE id = ?;
			`, errMsg, errClass, taskID)
			return err
		})
}

// CancelTask moves a task to CANCELLED from any non-terminal state.
// Returns false when the task is already terminal or missing.
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) (bool, error) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	return s.finishTask(ctx, taskID,
		[]TaskStatus{TaskStatusQueued, TaskStatusRunning, TaskStatusAwaitingReview},
		TaskStatusCancelled, "task.cancelled",
		func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				UPDATE tasks SET error = ?, cancel_requested = 1 WHERE id = ?;
			`, string(payload), taskID)
			return err
		})
}

func (s *Store) finishTask(ctx context.Context, taskID string, from []TaskStatus, to TaskStatus, eventType string, extra func(tx *sql.Tx) error) (bool, error) {
	var prev TaskStatus
	var moved bool
	var sessionID string
	err := retryOnBusy(ctx, taskWriteRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT session_id FROM tasks WHERE id = ?;`, taskID).Scan(&sessionID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				moved = false
				return nil
			}
			return fmt.Errorf("select task session: %w", err)
		}
		prev, moved, err = s.transitionTaskTx(ctx, tx, taskID, from, to, eventType, "")
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		if extra != nil {
			if err := extra(tx); err != nil {
				return fmt.Errorf("finish task update: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if moved {
		s.publishTransition(taskID, sessionID, prev, to, eventType)
		if s.bus != nil {
			if topic := terminalTopic(to); topic != "" {
				s.bus.Publish(topic, map[string]string{"task_id": taskID, "session_id": sessionID})
			}
		}
	}
	return moved, nil
}

// CancelAllQueued cancels every QUEUED task and returns the cancelled ids.
// Safe to call repeatedly; an empty queue yields an empty slice.
func (s *Store) CancelAllQueued(ctx context.Context, reason string) ([]string, error) {
	ids, err := s.taskIDsByStatus(ctx, TaskStatusQueued)
	if err != nil {
		return nil, err
	}
	cancelled := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := s.CancelTask(ctx, id, reason)
		if err != nil {
			return cancelled, err
		}
		if ok {
			cancelled = append(cancelled, id)
		}
	}
	return cancelled, nil
}

func (s *Store) taskIDsByStatus(ctx context.Context, status TaskStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("select task ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveTaskIDs returns ids of tasks in RUNNING or AWAITING_REVIEW.
func (s *Store) ActiveTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status IN (?, ?) ORDER BY created_at ASC, id ASC;
	`, TaskStatusRunning, TaskStatusAwaitingReview)
	if err != nil {
		return nil, fmt.Errorf("select active task ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StatusCounts reports how many tasks sit in each status.
func (s *Store) StatusCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("count task statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// RecoverInFlightTasks requeues tasks left RUNNING or AWAITING_REVIEW by a
// previous process, so the dispatcher picks them up again. Returns requeued
// ids.
func (s *Store) RecoverInFlightTasks(ctx context.Context) ([]string, error) {
	ids, err := s.ActiveTaskIDs(ctx)
	if err != nil {
		return nil, err
	}
	var requeued []string
	for _, id := range ids {
		ok, err := s.TransitionTask(ctx, id,
			[]TaskStatus{TaskStatusRunning, TaskStatusAwaitingReview},
			TaskStatusQueued, "task.recovered", `{"reason":"process restart"}`)
		if err != nil {
			return requeued, err
		}
		if ok {
			requeued = append(requeued, id)
		}
	}
	return requeued, nil
}

// AppendTaskLog records a non-transition event against a task (retry
// attempts, review verdicts, policy violations).
func (s *Store) AppendTaskLog(ctx context.Context, taskID, eventType string, payload any) error {
	raw := "{}"
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal task log payload: %w", err)
		}
		raw = string(b)
	}
	return retryOnBusy(ctx, taskWriteRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin task log tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var sessionID string
		var status TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT session_id, status FROM tasks WHERE id = ?;`, taskID).Scan(&sessionID, &status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fault.NotFoundf("task %s", taskID)
			}
			return fmt.Errorf("select task for log: %w", err)
		}
		if err := s.appendTaskLogTx(ctx, tx, taskID, sessionID, status, status, eventType, raw); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// TaskLogs returns a task's log entries in append order.
func (s *Store) TaskLogs(ctx context.Context, taskID string) ([]TaskLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, session_id, COALESCE(trace_id, ''), event_type,
		       COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_logs
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("select task logs: %w", err)
	}
	defer rows.Close()

	var logs []TaskLog
	for rows.Next() {
		var l TaskLog
		if err := rows.Scan(&l.EventID, &l.TaskID, &l.SessionID, &l.TraceID, &l.EventType, &l.StateFrom, &l.StateTo, &l.Payload, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// SessionTasks lists a session's tasks newest first, capped at limit.
func (s *Store) SessionTasks(ctx context.Context, sessionID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, content, lane, status, forced_intent, forced_provider,
		       attachments, intent, COALESCE(result, ''), verdict, COALESCE(error, ''),
		       error_class, context_used, created_at, updated_at, finished_at
		FROM tasks
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("select session tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// OldestQueuedAge reports how long the head-of-line task has waited,
// or zero when the queue is empty.
func (s *Store) OldestQueuedAge(ctx context.Context) (time.Duration, error) {
	var created sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM tasks WHERE status = ?;
	`, TaskStatusQueued).Scan(&created)
	if err != nil {
		return 0, fmt.Errorf("select oldest queued: %w", err)
	}
	if !created.Valid {
		return 0, nil
	}
	return time.Since(created.Time), nil
}

func terminalTopic(status TaskStatus) string {
	switch status {
	case TaskStatusCompleted:
		return bus.TopicTaskCompleted
	case TaskStatusFailed:
		return bus.TopicTaskFailed
	case TaskStatusCancelled:
		return bus.TopicTaskCancelled
	}
	return ""
}
