package engine

import (
	"sync"
	"time"

	"github.com/lumyxel/dataforge/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// EventType names a pool event.
type EventType string

// Event types published by workers and the pool.
const (
	EventWorkerState        EventType = "worker.state"
	EventWorkerMessage      EventType = "worker.message"
	EventSubmissionStarted  EventType = "submission.started"
	EventSubmissionFinished EventType = "submission.finished"
)

// Event is one observable change in the pool.
type Event struct {
	Type         EventType         `json:"type"`
	WorkerID     string            `json:"worker_id,omitempty"`
	SubmissionID string            `json:"submission_id,omitempty"`
	State        model.WorkerState `json:"state,omitempty"`
	Message      string            `json:"message,omitempty"`
	Time         time.Time         `json:"time"`
}

// EventBroker fans pool events out to subscribers. It is safe for concurrent
// use, and a nil *EventBroker discards everything published to it.
type EventBroker struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		subs: make(map[int]chan Event),
	}
}

// Subscribe returns a channel that receives every event published after the
// call, and an unsubscribe function. After Close the returned channel is
// already closed.
func (b *EventBroker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Publish sends ev to all subscribers. A zero Time is stamped with the
// current time.
func (b *EventBroker) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop the event for slow subscribers rather than block a worker.
		}
	}
}

// Close ends every subscription. Later Subscribe calls return a closed
// channel and later events are discarded.
func (b *EventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
