package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferSize = 100

	// pruneThreshold is the number of consecutive dropped events after which
	// a subscriber is considered dead and evicted. Publishing never blocks
	// on a slow consumer either way; pruning just stops wasting work on it.
	pruneThreshold = 256
)

// Event is a message published on the bus. Immutable once emitted.
// Ordering is guaranteed per subscriber in publish order, which for a single
// task's lifecycle means causal order; no global ordering across tasks.
type Event struct {
	Topic     string
	Payload   interface{}
	Timestamp time.Time
}

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskCancelled    = "task.cancelled"
	TopicTaskRetrying     = "task.retrying"
	TopicTaskReview       = "task.review"
	TopicQueueChanged     = "queue.changed"
	TopicKernelRebound    = "kernel.rebound"
	TopicSessionReset     = "session.reset"
)

// TaskStateChangedEvent is published on every task status transition.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	SessionID string // Session ID
	OldStatus string // Previous status (e.g. QUEUED)
	NewStatus string // New status (e.g. RUNNING)
	Reason    string // Short machine-readable reason, may be empty
}

// TaskReviewEvent is published after each review round inside the repair loop.
type TaskReviewEvent struct {
	TaskID    string
	Iteration int
	Verdict   string
	Feedback  string
}

// QueueChangedEvent is published when queue control state flips.
type QueueChangedEvent struct {
	Paused        bool
	EmergencyStop bool
	Pending       int
	Active        int
}

// Subscription represents an active subscription.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Int32 // consecutive drops, reset on successful delivery
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub message bus with topic prefix matching.
// Publish is non-blocking for every subscriber; a consumer that stays full
// long enough is pruned rather than allowed to stall the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64 // total events dropped across all subscribers
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. The returned channel is buffered; slow
// consumers miss events and are eventually evicted.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. Delivery is
// non-blocking: if a subscriber's buffer is full the event is dropped for
// that subscriber, and a subscriber that keeps dropping is evicted.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	var evict []*Subscription

	b.mu.RLock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
			sub.dropped.Store(0)
		default:
			b.dropped.Add(1)
			if sub.dropped.Add(1) >= pruneThreshold {
				evict = append(evict, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range evict {
		b.Unsubscribe(sub)
	}
}

// Dropped returns the total number of events discarded because a
// subscriber's buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
