package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/loom/internal/bus"
	"github.com/basket/loom/internal/persistence"
)

// Waiter blocks callers until a task reaches a terminal state, using bus
// events for low latency with slow polling as the safety net.
type Waiter struct {
	eventBus *bus.Bus // nil means polling only
	store    *persistence.Store
}

func NewWaiter(eventBus *bus.Bus, store *persistence.Store) *Waiter {
	return &Waiter{eventBus: eventBus, store: store}
}

// WaitTerminal blocks until the task is terminal or the timeout expires.
func (w *Waiter) WaitTerminal(ctx context.Context, taskID string, timeout time.Duration) (*persistence.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe before the terminal check so an event landing in between
	// cannot be missed.
	var events <-chan bus.Event
	if w.eventBus != nil {
		sub := w.eventBus.Subscribe("task.")
		defer w.eventBus.Unsubscribe(sub)
		events = sub.Ch()
	}

	task, err := w.checkTerminal(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task != nil {
		return task, nil
	}

	pollInterval := time.Second
	if w.eventBus == nil {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
			task, err := w.checkTerminal(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if task != nil {
				return task, nil
			}
		case <-events:
			task, err := w.checkTerminal(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if task != nil {
				return task, nil
			}
		}
	}
}

func (w *Waiter) checkTerminal(ctx context.Context, taskID string) (*persistence.Task, error) {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if persistence.IsTerminal(task.Status) {
		return task, nil
	}
	return nil, nil
}
