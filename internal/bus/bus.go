// Package bus provides the in-process event bus the daemons publish
// task and QA lifecycle events on. Delivery is non-blocking: a full
// subscriber channel drops the event with a warning rather than
// stalling a daemon loop.
package bus

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Topic names an event stream.
type Topic string

const (
	TopicReviewCompleted  Topic = "task.review_completed"
	TopicApproved         Topic = "task.approved"
	TopicRejected         Topic = "task.rejected"
	TopicEscalated        Topic = "task.escalated"
	TopicQAEscalation     Topic = "qa.escalation"
	TopicMonitorHeartbeat Topic = "qa.monitor.heartbeat"
)

// Event is one published message.
type Event struct {
	ID            string                 `json:"id"`
	Topic         Topic                  `json:"topic"`
	Timestamp     time.Time              `json:"timestamp"`
	TaskID        string                 `json:"task_id"`
	SourceAgent   string                 `json:"source_agent"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(topic Topic, taskID, sourceAgent string, payload map[string]interface{}) Event {
	return Event{
		ID:          uuid.New().String(),
		Topic:       topic,
		Timestamp:   time.Now(),
		TaskID:      taskID,
		SourceAgent: sourceAgent,
		Payload:     payload,
	}
}

// EventBus is the capability the daemons depend on.
type EventBus interface {
	Publish(evt Event)
	Subscribe(topic Topic) <-chan Event
}

// Bus is the in-process EventBus implementation.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]chan Event
	tapCh       chan Event
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[Topic][]chan Event),
		tapCh:       make(chan Event, tapBufSize),
	}
}

// Publish fans out evt to all subscribers of its topic and to the tap
// channel. Non-blocking: full channels drop the event with a warning.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := b.subscribers[evt.Topic]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			fmt.Fprintf(os.Stderr, "Warning: subscriber channel full for topic=%s task=%s, event dropped\n", evt.Topic, evt.TaskID)
		}
	}

	select {
	case b.tapCh <- evt:
	default:
		fmt.Fprintf(os.Stderr, "Warning: tap channel full, event dropped topic=%s\n", evt.Topic)
	}
}

// Subscribe returns a receive-only channel delivering events for one
// topic. Each call creates an independent subscriber channel.
func (b *Bus) Subscribe(topic Topic) <-chan Event {
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()
	return ch
}

// Tap returns the read-only channel receiving every published event.
// One consumer; repeated calls return the same channel.
func (b *Bus) Tap() <-chan Event {
	return b.tapCh
}
