// Package scheduler owns the task queue: admission, capacity-bounded
// dispatch across two lanes, pause/resume, purge, and the emergency stop.
// The dispatch loop is the only component that claims tasks, so the
// capacity invariant cannot race.
package scheduler

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/basket/loom/internal/bus"
	"github.com/basket/loom/internal/fault"
	"github.com/basket/loom/internal/persistence"
)

// Executor runs one claimed task to a terminal state.
type Executor interface {
	Execute(ctx context.Context, task *persistence.Task)
}

// Config tunes queue behavior.
type Config struct {
	Capacity        int
	MaxPending      int
	MaxContentBytes int
	DispatchTick    time.Duration

	// Providers lists the bound provider names a forced_provider override
	// may target. Empty skips the check.
	Providers []string
}

func (c *Config) normalize() {
	if c.Capacity <= 0 {
		c.Capacity = 4
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 200
	}
	if c.MaxContentBytes <= 0 {
		c.MaxContentBytes = 64 * 1024
	}
	if c.DispatchTick <= 0 {
		c.DispatchTick = 100 * time.Millisecond
	}
}

// SubmitParams is one queue admission request.
type SubmitParams struct {
	SessionID      string
	Content        string
	Lane           string
	ForcedIntent   string
	ForcedProvider string
	Attachments    []string
}

// Snapshot is a point-in-time view of the queue.
type Snapshot struct {
	Paused        bool                           `json:"paused"`
	EmergencyStop bool                           `json:"emergency_stop"`
	Pending       int                            `json:"pending"`
	Active        int                            `json:"active"`
	Capacity      int                            `json:"capacity"`
	Counts        map[persistence.TaskStatus]int `json:"counts"`
}

// ValidIntent reports whether a forced designation names a known role.
type ValidIntent func(name string) bool

type Scheduler struct {
	store    *persistence.Store
	executor Executor
	bus      *bus.Bus
	validate ValidIntent
	cfg      Config
	log      *slog.Logger

	// wake nudges the dispatch loop on submissions and slot releases so
	// dispatch latency does not ride on the ticker.
	wake chan struct{}

	mu       sync.Mutex
	paused   bool
	stopped  bool // emergency stop latch; survives resume
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
	loopDone chan struct{}
	loopStop context.CancelFunc
	workCtx  context.Context // parent of every taskCtx; outlives the loop
	workStop context.CancelFunc
}

func New(store *persistence.Store, executor Executor, eventBus *bus.Bus, validate ValidIntent, cfg Config, log *slog.Logger) *Scheduler {
	cfg.normalize()
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:    store,
		executor: executor,
		bus:      eventBus,
		validate: validate,
		cfg:      cfg,
		log:      log,
		wake:     make(chan struct{}, 1),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start requeues work stranded by a previous process and begins dispatching.
func (s *Scheduler) Start(ctx context.Context) error {
	requeued, err := s.store.RecoverInFlightTasks(ctx)
	if err != nil {
		return err
	}
	if len(requeued) > 0 {
		s.log.Info("requeued in-flight tasks from previous run", "count", len(requeued))
	}

	// Tasks get their own parent context: stopping the dispatch loop and
	// cancelling in-flight work are distinct steps, so a graceful Stop can
	// let running tasks finish inside its drain window.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	workCtx, workStop := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.loopStop = cancel
	s.loopDone = make(chan struct{})
	s.workCtx = workCtx
	s.workStop = workStop
	s.mu.Unlock()
	go s.dispatchLoop(loopCtx)
	return nil
}

// Stop halts dispatch, then waits for active tasks to finish, up to ctx.
// Tasks still running at the deadline are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	stop := s.loopStop
	done := s.loopDone
	workStop := s.workStop
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		workStop()
		return nil
	case <-ctx.Done():
		s.cancelActive("shutdown")
		workStop()
		return ctx.Err()
	}
}

// Submit validates and enqueues one task. Queueing continues while paused;
// only the emergency stop and backpressure reject admissions.
func (s *Scheduler) Submit(ctx context.Context, p SubmitParams) (*persistence.Task, error) {
	if p.Content == "" {
		return nil, fault.Validationf("task content is empty")
	}
	if len(p.Content) > s.cfg.MaxContentBytes {
		return nil, fault.Validationf("task content exceeds %d bytes", s.cfg.MaxContentBytes)
	}
	if p.ForcedIntent != "" && s.validate != nil && !s.validate(p.ForcedIntent) {
		return nil, fault.Validationf("unknown forced intent %q", p.ForcedIntent)
	}
	if p.ForcedProvider != "" && len(s.cfg.Providers) > 0 && !slices.Contains(s.cfg.Providers, p.ForcedProvider) {
		return nil, fault.Validationf("unknown forced provider %q", p.ForcedProvider)
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, fault.QueueRejectedf("emergency stop engaged")
	}

	counts, err := s.store.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	if counts[persistence.TaskStatusQueued] >= s.cfg.MaxPending {
		return nil, fault.QueueRejectedf("queue is full (%d pending)", counts[persistence.TaskStatusQueued])
	}

	task, err := s.store.CreateTask(ctx, persistence.CreateTaskParams{
		SessionID:      p.SessionID,
		Content:        p.Content,
		Lane:           p.Lane,
		ForcedIntent:   p.ForcedIntent,
		ForcedProvider: p.ForcedProvider,
		Attachments:    p.Attachments,
	})
	if err != nil {
		return nil, err
	}
	s.publishQueueChanged(ctx)
	s.kick()
	return task, nil
}

// kick nudges the dispatch loop without blocking; a pending nudge is enough.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.DispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.dispatchReady(ctx)
		case <-ticker.C:
			s.dispatchReady(ctx)
		}
	}
}

// dispatchReady claims queued tasks until the capacity is full. Only this
// method claims, so active never exceeds Capacity.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.paused || s.stopped || len(s.cancels) >= s.cfg.Capacity {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		task, err := s.store.ClaimNextQueuedTask(ctx)
		if err != nil {
			s.log.Error("claim failed", "error", err)
			return
		}
		if task == nil {
			return
		}

		taskCtx, cancel := context.WithCancel(s.workCtx)
		s.mu.Lock()
		if s.stopped {
			// Stop raced the claim; push the task straight to cancelled.
			s.mu.Unlock()
			cancel()
			if _, err := s.store.CancelTask(ctx, task.ID, "emergency stop"); err != nil {
				s.log.Error("cancel after stop race failed", "task_id", task.ID, "error", err)
			}
			return
		}
		s.cancels[task.ID] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go func(task *persistence.Task) {
			defer s.wg.Done()
			defer func() {
				cancel()
				s.mu.Lock()
				delete(s.cancels, task.ID)
				s.mu.Unlock()
				s.publishQueueChanged(context.WithoutCancel(ctx))
				s.kick() // slot released
			}()
			s.executor.Execute(taskCtx, task)
		}(task)
		s.publishQueueChanged(ctx)
	}
}

// Pause suspends dispatch. Running tasks finish; queued tasks wait.
func (s *Scheduler) Pause(ctx context.Context) {
	s.mu.Lock()
	changed := !s.paused
	s.paused = true
	s.mu.Unlock()
	if changed {
		s.log.Info("queue paused")
		s.publishQueueChanged(ctx)
	}
}

// Resume restarts dispatch. It does not clear an emergency stop.
func (s *Scheduler) Resume(ctx context.Context) {
	s.mu.Lock()
	changed := s.paused
	s.paused = false
	s.mu.Unlock()
	if changed {
		s.log.Info("queue resumed")
		s.publishQueueChanged(ctx)
		s.kick()
	}
}

// Purge cancels every queued task. Running tasks are untouched. Safe to
// call repeatedly.
func (s *Scheduler) Purge(ctx context.Context) ([]string, error) {
	ids, err := s.store.CancelAllQueued(ctx, "queue purged")
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		s.log.Info("queue purged", "cancelled", len(ids))
		s.publishQueueChanged(ctx)
	}
	return ids, nil
}

// EmergencyStop latches the stop flag, purges the queue, and cancels every
// running task. New submissions are rejected until ResetEmergencyStop.
// Idempotent.
func (s *Scheduler) EmergencyStop(ctx context.Context) error {
	s.mu.Lock()
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()
	if already {
		return nil
	}
	s.log.Warn("emergency stop engaged")

	if _, err := s.store.CancelAllQueued(ctx, "emergency stop"); err != nil {
		return err
	}
	s.cancelActive("emergency stop")
	s.publishQueueChanged(ctx)
	return nil
}

// ResetEmergencyStop re-arms the queue after an emergency stop. Distinct
// from Resume: a resume alone never clears the latch.
func (s *Scheduler) ResetEmergencyStop(ctx context.Context) {
	s.mu.Lock()
	changed := s.stopped
	s.stopped = false
	s.mu.Unlock()
	if changed {
		s.log.Info("emergency stop reset")
		s.publishQueueChanged(ctx)
		s.kick()
	}
}

// Cancel stops one task wherever it is: queued tasks move straight to
// CANCELLED, running tasks get their context cancelled and settle through
// the executor.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	cancel, running := s.cancels[taskID]
	s.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if persistence.IsTerminal(task.Status) {
		return nil
	}
	if _, err := s.store.CancelTask(ctx, taskID, "cancelled by request"); err != nil {
		return err
	}
	s.publishQueueChanged(ctx)
	return nil
}

// Status reports the queue state.
func (s *Scheduler) Status(ctx context.Context) (Snapshot, error) {
	counts, err := s.store.StatusCounts(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	snap := Snapshot{
		Paused:        s.paused,
		EmergencyStop: s.stopped,
		Active:        len(s.cancels),
		Capacity:      s.cfg.Capacity,
		Pending:       counts[persistence.TaskStatusQueued],
		Counts:        counts,
	}
	s.mu.Unlock()
	return snap, nil
}

func (s *Scheduler) cancelActive(reason string) {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		s.log.Info("cancelled active tasks", "count", len(cancels), "reason", reason)
	}
}

func (s *Scheduler) publishQueueChanged(ctx context.Context) {
	if s.bus == nil {
		return
	}
	counts, err := s.store.StatusCounts(ctx)
	if err != nil {
		return
	}
	s.mu.Lock()
	ev := bus.QueueChangedEvent{
		Paused:        s.paused,
		EmergencyStop: s.stopped,
		Pending:       counts[persistence.TaskStatusQueued],
		Active:        len(s.cancels),
	}
	s.mu.Unlock()
	s.bus.Publish(bus.TopicQueueChanged, ev)
}
