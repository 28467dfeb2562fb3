package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// BootInfo describes the outcome of startup reconciliation.
type BootInfo struct {
	BootID         string
	PreviousBootID string
	SessionsWiped  int
}

// ReconcileBoot records the new boot id and, when it differs from the stored
// one, wipes all session conversation state (turns and summaries) so every
// session starts fresh after a restart. Long-term memories and task history
// are kept.
func (s *Store) ReconcileBoot(ctx context.Context, bootID string) (BootInfo, error) {
	info := BootInfo{BootID: bootID}
	err := retryOnBusy(ctx, taskWriteRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin boot tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var previous string
		err = tx.QueryRowContext(ctx, `SELECT boot_id FROM boot WHERE id = 1;`).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read previous boot: %w", err)
		}
		info.PreviousBootID = previous

		if previous != bootID {
			res, err := tx.ExecContext(ctx, `DELETE FROM turns;`)
			if err != nil {
				return fmt.Errorf("wipe turns: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM summaries;`); err != nil {
				return fmt.Errorf("wipe summaries: %w", err)
			}
			if _, err := res.RowsAffected(); err != nil {
				return err
			}
			var sessions int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions;`).Scan(&sessions); err != nil {
				return fmt.Errorf("count sessions: %w", err)
			}
			info.SessionsWiped = sessions
			if _, err := tx.ExecContext(ctx, `
				UPDATE sessions SET boot_id = ?, last_activity = CURRENT_TIMESTAMP;
			`, bootID); err != nil {
				return fmt.Errorf("rebind sessions to boot: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO boot (id, boot_id, booted_at) VALUES (1, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET boot_id = excluded.boot_id, booted_at = CURRENT_TIMESTAMP;
		`, bootID); err != nil {
			return fmt.Errorf("record boot: %w", err)
		}
		return tx.Commit()
	})
	return info, err
}

// CurrentBootID returns the recorded boot id, or empty when never booted.
func (s *Store) CurrentBootID(ctx context.Context) (string, error) {
	var bootID string
	err := s.db.QueryRowContext(ctx, `SELECT boot_id FROM boot WHERE id = 1;`).Scan(&bootID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read boot id: %w", err)
	}
	return bootID, nil
}
