package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/loom/internal/fault"
)

func ensureSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var bootID string
	if err := tx.QueryRowContext(ctx, `SELECT boot_id FROM boot WHERE id = 1;`).Scan(&bootID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			bootID = "unrecorded"
		} else {
			return fmt.Errorf("read boot id: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, boot_id) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET last_activity = CURRENT_TIMESTAMP;
	`, sessionID, bootID); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// EnsureSession creates the session row if missing and bumps last_activity.
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fault.Validationf("session id is required")
	}
	return retryOnBusy(ctx, taskWriteRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin ensure session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := ensureSessionTx(ctx, tx, sessionID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// AppendTurn persists one message in a session and returns its id.
// created_at is fixed at insert; streaming updates go through
// UpdateTurnContent and only touch updated_at.
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content string, tokens int) (int64, error) {
	if sessionID == "" {
		return 0, fault.Validationf("session id is required")
	}
	switch role {
	case "system", "user", "assistant", "tool":
	default:
		return 0, fault.Validationf("unknown turn role %q", role)
	}

	var turnID int64
	err := retryOnBusy(ctx, taskWriteRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append turn tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := ensureSessionTx(ctx, tx, sessionID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO turns (session_id, role, content, tokens) VALUES (?, ?, ?, ?);
		`, sessionID, role, content, tokens)
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		turnID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("turn insert id: %w", err)
		}
		return tx.Commit()
	})
	return turnID, err
}

// UpdateTurnContent replaces a turn's content in place, used while an
// assistant reply streams in. created_at stays untouched.
func (s *Store) UpdateTurnContent(ctx context.Context, turnID int64, content string, tokens int) error {
	return retryOnBusy(ctx, taskWriteRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE turns SET content = ?, tokens = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, content, tokens, turnID)
		if err != nil {
			return fmt.Errorf("update turn content: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fault.NotFoundf("turn %d", turnID)
		}
		return nil
	})
}

// RecentTurns returns the newest limit unarchived turns of a session in
// chronological order.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tokens, created_at, updated_at
		FROM turns
		WHERE session_id = ? AND archived_at IS NULL
		ORDER BY id DESC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.Tokens, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the query; hand back oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// TurnsAfter returns all unarchived turns newer than afterID, oldest first.
// Used to find what the rolling summary does not yet cover.
func (s *Store) TurnsAfter(ctx context.Context, sessionID string, afterID int64) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tokens, created_at, updated_at
		FROM turns
		WHERE session_id = ? AND id > ? AND archived_at IS NULL
		ORDER BY id ASC;
	`, sessionID, afterID)
	if err != nil {
		return nil, fmt.Errorf("select turns after: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.Tokens, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// SessionStats summarizes the live turn volume beyond the rolling summary.
type SessionStats struct {
	TurnCount      int
	ContentBytes   int
	NewestTurnID   int64
	SummaryCovered int64
}

// SessionStatsSince reports turn count and byte volume past the summary's
// coverage point, feeding the summarization trigger.
func (s *Store) SessionStatsSince(ctx context.Context, sessionID string) (SessionStats, error) {
	var stats SessionStats
	summary, err := s.GetSummary(ctx, sessionID)
	if err != nil && !errors.Is(err, fault.ErrNotFound) {
		return stats, err
	}
	if summary != nil {
		stats.SummaryCovered = summary.CoveredTurnID
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0), COALESCE(MAX(id), 0)
		FROM turns
		WHERE session_id = ? AND id > ? AND archived_at IS NULL;
	`, sessionID, stats.SummaryCovered).Scan(&stats.TurnCount, &stats.ContentBytes, &stats.NewestTurnID)
	if err != nil {
		return stats, fmt.Errorf("select session stats: %w", err)
	}
	return stats, nil
}

// GetSummary returns the session's rolling summary or fault.ErrNotFound.
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, content, covered_turn_id, created_at
		FROM summaries WHERE session_id = ?;
	`, sessionID).Scan(&sum.SessionID, &sum.Content, &sum.CoveredTurnID, &sum.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.NotFoundf("summary for session %s", sessionID)
		}
		return nil, fmt.Errorf("select summary: %w", err)
	}
	return &sum, nil
}

// SaveSummary upserts the rolling summary and its coverage high-water mark.
func (s *Store) SaveSummary(ctx context.Context, sessionID, content string, coveredTurnID int64) error {
	return retryOnBusy(ctx, taskWriteRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO summaries (session_id, content, covered_turn_id, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(session_id) DO UPDATE SET
				content = excluded.content,
				covered_turn_id = excluded.covered_turn_id,
				created_at = CURRENT_TIMESTAMP;
		`, sessionID, content, coveredTurnID)
		if err != nil {
			return fmt.Errorf("save summary: %w", err)
		}
		return nil
	})
}

// ResetSession deletes a session's turns and summary. Long-term memories
// and task history survive. Returns fault.ErrNotFound for unknown sessions.
func (s *Store) ResetSession(ctx context.Context, sessionID string) error {
	return retryOnBusy(ctx, taskWriteRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reset session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?;`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if exists == 0 {
			return fault.NotFoundf("session %s", sessionID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?;`, sessionID); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE session_id = ?;`, sessionID); err != nil {
			return fmt.Errorf("delete summary: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET last_activity = CURRENT_TIMESTAMP WHERE id = ?;
		`, sessionID); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return tx.Commit()
	})
}

// PruneIdleSessions removes sessions with no activity since the cutoff and
// no non-terminal tasks: their turns, summaries, session-scoped memories,
// finished tasks with their logs, and the session row itself. Returns
// pruned ids.
func (s *Store) PruneIdleSessions(ctx context.Context, idleCutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE last_activity < ?
		  AND NOT EXISTS (
			SELECT 1 FROM tasks
			WHERE tasks.session_id = sessions.id
			  AND tasks.status IN (?, ?, ?)
		  );
	`, idleCutoff.UTC().Format(timeLayout), TaskStatusQueued, TaskStatusRunning, TaskStatusAwaitingReview)
	if err != nil {
		return nil, fmt.Errorf("select idle sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		err := retryOnBusy(ctx, taskWriteRetries, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin prune tx: %w", err)
			}
			defer func() { _ = tx.Rollback() }()
			// Referencing rows first: task_logs point at tasks and sessions.
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_logs WHERE session_id = ?;`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE session_id = ?;`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?;`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE session_id = ?;`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE session_id = ?;`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id); err != nil {
				return err
			}
			return tx.Commit()
		})
		if err != nil {
			return nil, fmt.Errorf("prune session %s: %w", id, err)
		}
	}
	return ids, nil
}

// ArchiveTurnsBefore marks old summary-covered turns archived so they drop
// out of context assembly without losing the audit trail.
func (s *Store) ArchiveTurnsBefore(ctx context.Context, sessionID string, turnID int64) (int64, error) {
	var archived int64
	err := retryOnBusy(ctx, taskWriteRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE turns SET archived_at = CURRENT_TIMESTAMP
			WHERE session_id = ? AND id <= ? AND archived_at IS NULL;
		`, sessionID, turnID)
		if err != nil {
			return fmt.Errorf("archive turns: %w", err)
		}
		archived, err = res.RowsAffected()
		return err
	})
	return archived, err
}
