package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/loom/internal/bus"
)

// Pump translates bus traffic into metric instruments so the engine's
// components stay free of telemetry plumbing. Runs until ctx ends.
type Pump struct {
	metrics *Metrics
	bus     *bus.Bus

	// Last observed gauge values, so UpDownCounters receive deltas.
	lastPending int64
	lastActive  int64
	lastDropped int64

	// Claim time per in-flight task for duration measurement.
	started map[string]time.Time
}

func NewPump(m *Metrics, eventBus *bus.Bus) *Pump {
	return &Pump{metrics: m, bus: eventBus, started: make(map[string]time.Time)}
}

func (p *Pump) Run(ctx context.Context) {
	sub := p.bus.Subscribe("")
	defer p.bus.Unsubscribe(sub)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recordDropped(ctx)
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			p.handle(ctx, ev)
		}
	}
}

func (p *Pump) handle(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicTaskStateChanged:
		change, ok := ev.Payload.(bus.TaskStateChangedEvent)
		if !ok {
			return
		}
		if change.NewStatus == "RUNNING" && change.OldStatus == "QUEUED" {
			p.started[change.TaskID] = ev.Timestamp
		}
	case bus.TopicTaskCompleted, bus.TopicTaskFailed, bus.TopicTaskCancelled:
		status := map[string]string{
			bus.TopicTaskCompleted: "completed",
			bus.TopicTaskFailed:    "failed",
			bus.TopicTaskCancelled: "cancelled",
		}[ev.Topic]
		p.metrics.TasksFinished.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", status)))
		if taskID := taskIDOf(ev.Payload); taskID != "" {
			if start, ok := p.started[taskID]; ok {
				delete(p.started, taskID)
				p.metrics.TaskDuration.Record(ctx, ev.Timestamp.Sub(start).Seconds())
			}
		}
	case bus.TopicTaskReview:
		review, ok := ev.Payload.(bus.TaskReviewEvent)
		if ok && review.Verdict != "approve" {
			p.metrics.RepairRounds.Add(ctx, 1)
		}
	case bus.TopicQueueChanged:
		change, ok := ev.Payload.(bus.QueueChangedEvent)
		if !ok {
			return
		}
		pending, active := int64(change.Pending), int64(change.Active)
		if delta := pending - p.lastPending; delta != 0 {
			p.metrics.QueueDepth.Add(ctx, delta)
			p.lastPending = pending
		}
		if delta := active - p.lastActive; delta != 0 {
			p.metrics.ActiveTasks.Add(ctx, delta)
			p.lastActive = active
		}
	}
}

func (p *Pump) recordDropped(ctx context.Context) {
	total := p.bus.Dropped()
	if delta := total - p.lastDropped; delta > 0 {
		p.metrics.DroppedEvents.Add(ctx, delta)
		p.lastDropped = total
	}
}

func taskIDOf(payload any) string {
	switch v := payload.(type) {
	case bus.TaskStateChangedEvent:
		return v.TaskID
	case map[string]string:
		return v["task_id"]
	case map[string]any:
		if id, ok := v["task_id"].(string); ok {
			return id
		}
	}
	return ""
}
