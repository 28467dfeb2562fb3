package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the engine's metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	TaskDuration    metric.Float64Histogram
	QueueDepth      metric.Int64UpDownCounter
	ActiveTasks     metric.Int64UpDownCounter
	RepairRounds    metric.Int64Counter
	TasksFinished   metric.Int64Counter
	SubmitRejects   metric.Int64Counter
	DroppedEvents   metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("loom.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("loom.task.duration",
		metric.WithDescription("Task duration from claim to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("loom.queue.depth",
		metric.WithDescription("Number of queued tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("loom.tasks.active",
		metric.WithDescription("Number of tasks currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.RepairRounds, err = meter.Int64Counter("loom.review.repairs",
		metric.WithDescription("Total draft revision rounds"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("loom.tasks.finished",
		metric.WithDescription("Tasks reaching a terminal state, by status"),
	)
	if err != nil {
		return nil, err
	}

	m.SubmitRejects, err = meter.Int64Counter("loom.submit.rejects",
		metric.WithDescription("Submissions refused by validation or backpressure"),
	)
	if err != nil {
		return nil, err
	}

	m.DroppedEvents, err = meter.Int64Counter("loom.events.dropped",
		metric.WithDescription("Broadcast events dropped on slow subscribers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
