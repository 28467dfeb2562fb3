// Package cron runs the engine's housekeeping on 5-field cron schedules:
// pruning idle sessions past retention and archiving summary-covered turns.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/loom/internal/config"
	"github.com/basket/loom/internal/fault"
	"github.com/basket/loom/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

type job struct {
	name     string
	schedule cronlib.Schedule
	next     time.Time
	run      func(ctx context.Context) error
}

// Maintenance ticks once a minute and fires due housekeeping jobs.
type Maintenance struct {
	store  *persistence.Store
	logger *slog.Logger
	tick   time.Duration

	mu     sync.Mutex
	jobs   []*job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMaintenance(store *persistence.Store, cfg config.MaintenanceConfig, logger *slog.Logger) (*Maintenance, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Maintenance{store: store, logger: logger, tick: time.Minute}

	if cfg.SessionRetentionCron != "" {
		retentionDays := cfg.SessionRetentionDays
		if retentionDays <= 0 {
			retentionDays = 30
		}
		if err := m.addJob("session_retention", cfg.SessionRetentionCron, func(ctx context.Context) error {
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			pruned, err := store.PruneIdleSessions(ctx, cutoff)
			if err != nil {
				return err
			}
			if len(pruned) > 0 {
				logger.Info("pruned idle sessions", "count", len(pruned), "retention_days", retentionDays)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if cfg.TurnArchiveCron != "" {
		if err := m.addJob("turn_archive", cfg.TurnArchiveCron, func(ctx context.Context) error {
			return m.archiveCoveredTurns(ctx)
		}); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Maintenance) addJob(name, expr string, run func(ctx context.Context) error) error {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return fault.Validationf("maintenance schedule %s: %v", name, err)
	}
	m.jobs = append(m.jobs, &job{
		name:     name,
		schedule: schedule,
		next:     schedule.Next(time.Now()),
		run:      run,
	})
	return nil
}

// archiveCoveredTurns marks turns already folded into a session summary as
// archived, so context assembly stops scanning them.
func (m *Maintenance) archiveCoveredTurns(ctx context.Context) error {
	rows, err := m.store.DB().QueryContext(ctx, `
		SELECT session_id, covered_turn_id FROM summaries WHERE covered_turn_id > 0;
	`)
	if err != nil {
		return fmt.Errorf("select summary coverage: %w", err)
	}
	type coverage struct {
		sessionID string
		turnID    int64
	}
	var all []coverage
	for rows.Next() {
		var c coverage
		if err := rows.Scan(&c.sessionID, &c.turnID); err != nil {
			rows.Close()
			return err
		}
		all = append(all, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var archived int64
	for _, c := range all {
		n, err := m.store.ArchiveTurnsBefore(ctx, c.sessionID, c.turnID)
		if err != nil {
			return err
		}
		archived += n
	}
	if archived > 0 {
		m.logger.Info("archived summary-covered turns", "count", archived)
	}
	return nil
}

// Start begins the maintenance loop in the background.
func (m *Maintenance) Start(ctx context.Context) {
	if len(m.jobs) == 0 {
		m.logger.Info("maintenance disabled, no schedules configured")
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("maintenance started", "jobs", len(m.jobs))
}

// Stop cancels the loop and waits for it to exit.
func (m *Maintenance) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Maintenance) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.fireDue(ctx, now)
		}
	}
}

func (m *Maintenance) fireDue(ctx context.Context, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if now.Before(j.next) {
			continue
		}
		if err := j.run(ctx); err != nil {
			m.logger.Warn("maintenance job failed", "job", j.name, "error", err)
		}
		j.next = j.schedule.Next(now)
	}
}
