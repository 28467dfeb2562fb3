// Package persistence is the engine's durable state layer: tasks with a
// guarded status state machine and append-only per-task logs, session turn
// history with rolling summaries, the boot ledger, and long-term memories.
// SQLite in WAL mode, single connection, busy-retry with jitter.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/basket/loom/internal/bus"
	"github.com/basket/loom/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "loom-v1-2026-08-engine-core"

	timeLayout = "2006-01-02 15:04:05"
)

// TaskStatus is the queue-visible task lifecycle state.
type TaskStatus string

const (
	TaskStatusQueued         TaskStatus = "QUEUED"
	TaskStatusRunning        TaskStatus = "RUNNING"
	TaskStatusAwaitingReview TaskStatus = "AWAITING_REVIEW"
	TaskStatusCompleted      TaskStatus = "COMPLETED"
	TaskStatusFailed         TaskStatus = "FAILED"
	TaskStatusCancelled      TaskStatus = "CANCELLED"
)

// Verdict qualifies a COMPLETED task's result.
const (
	VerdictApproved   = "APPROVED"
	VerdictUnreviewed = "UNREVIEWED" // repair budget exhausted, best draft delivered
)

// Lane names the two dispatch lanes. Interactive is serviced first.
const (
	LaneInteractive = "interactive"
	LaneBackground  = "background"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued: {
		TaskStatusRunning:   {},
		TaskStatusCancelled: {},
	},
	TaskStatusRunning: {
		TaskStatusAwaitingReview: {},
		TaskStatusCompleted:      {},
		TaskStatusFailed:         {},
		TaskStatusCancelled:      {},
		TaskStatusQueued:         {}, // Crash recovery requeue.
	},
	TaskStatusAwaitingReview: {
		TaskStatusRunning:   {}, // Revision round.
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
		TaskStatusQueued:    {}, // Crash recovery requeue.
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether a status can never be left again.
func IsTerminal(status TaskStatus) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is one unit of submitted work. Immutable once terminal.
type Task struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	Content        string     `json:"content"`
	Lane           string     `json:"lane"`
	Status         TaskStatus `json:"status"`
	ForcedIntent   string     `json:"forced_intent,omitempty"`
	ForcedProvider string     `json:"forced_provider,omitempty"`
	Attachments    string     `json:"attachments,omitempty"` // JSON array of image refs
	Intent         string     `json:"intent,omitempty"`      // role chosen by the router
	Result         string     `json:"result,omitempty"`
	Verdict        string     `json:"verdict,omitempty"`
	Error          string     `json:"error,omitempty"`
	ErrorClass     string     `json:"error_class,omitempty"`
	ContextUsed    string     `json:"context_used,omitempty"` // JSON record of injected context
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// TaskLog is one append-only structured log entry for a task.
type TaskLog struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	SessionID string     `json:"session_id"`
	EventType string     `json:"event_type"`
	TraceID   string     `json:"trace_id,omitempty"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

// Turn is one message within a session. created_at is write-once;
// updated_at moves on in-place streaming updates only.
type Turn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary is a session's rolling digest of older turns.
type Summary struct {
	SessionID     string    `json:"session_id"`
	Content       string    `json:"content"`
	CoveredTurnID int64     `json:"covered_turn_id"` // newest turn the summary covers
	CreatedAt     time.Time `json:"created_at"`
}

// MemoryEntry is a long-term fact. Survives boot reconcile.
type MemoryEntry struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id,omitempty"` // empty = global
	Key          string    `json:"key"`
	Value        string    `json:"value"`
	Source       string    `json:"source"`
	AccessCount  int       `json:"access_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".loom", "loom.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Bus() *bus.Bus {
	return s.bus
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS boot (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			boot_id TEXT NOT NULL,
			booted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			boot_id TEXT NOT NULL,
			last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			role TEXT NOT NULL CHECK(role IN ('system', 'user', 'assistant', 'tool')),
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			archived_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS summaries (
			session_id TEXT PRIMARY KEY REFERENCES sessions(id),
			content TEXT NOT NULL,
			covered_turn_id INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			content TEXT NOT NULL,
			lane TEXT NOT NULL DEFAULT 'interactive' CHECK(lane IN ('interactive', 'background')),
			status TEXT NOT NULL CHECK(status IN ('QUEUED', 'RUNNING', 'AWAITING_REVIEW', 'COMPLETED', 'FAILED', 'CANCELLED')),
			forced_intent TEXT NOT NULL DEFAULT '',
			forced_provider TEXT NOT NULL DEFAULT '',
			attachments TEXT NOT NULL DEFAULT '',
			intent TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			verdict TEXT NOT NULL DEFAULT '',
			error TEXT,
			error_class TEXT NOT NULL DEFAULT '',
			context_used TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_logs (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			session_id TEXT NOT NULL REFERENCES sessions(id),
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'user',
			access_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_accessed DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, key)
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, lane, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, event_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func (s *Store) appendTaskLogTx(ctx context.Context, tx *sql.Tx, taskID, sessionID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = sessionID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, session_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, sessionID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_log: %w", err)
	}
	return nil
}

// transitionTaskTx moves a task between statuses inside tx, enforcing the
// allowed-transition map and appending a task_logs row in the same
// transaction. Returns (false, nil) when the task is not in an allowedFrom
// state, which callers treat as a lost race rather than an error.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	payload string,
) (TaskStatus, bool, error) {
	var current TaskStatus
	var sessionID string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, session_id
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&current, &sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return current, false, nil
	}
	if !canTransition(current, to) {
		return current, false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	finished := ""
	if IsTerminal(to) {
		finished = ", finished_at = CURRENT_TIMESTAMP"
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = CURRENT_TIMESTAMP`+finished+`
		WHERE id = ? AND status = ?;
	`, to, taskID, current)
	if err != nil {
		return current, false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, false, nil
	}
	if err := s.appendTaskLogTx(ctx, tx, taskID, sessionID, current, to, eventType, payload); err != nil {
		return current, false, err
	}
	return current, true, nil
}

// publishTransition mirrors a committed status change onto the bus.
func (s *Store) publishTransition(taskID, sessionID string, from, to TaskStatus, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		SessionID: sessionID,
		OldStatus: string(from),
		NewStatus: string(to),
		Reason:    reason,
	})
}
