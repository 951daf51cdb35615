package eventbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType discriminates status events published by the orchestrator.
type EventType string

const (
	EventTypeTaskCreated       EventType = "task_created"
	EventTypeTaskStatusChanged EventType = "task_status_changed"
	EventTypeIterationStarted  EventType = "iteration_started"
	EventTypeStepStarted       EventType = "step_started"
	EventTypeStepCompleted     EventType = "step_completed"
	EventTypeStepFailed        EventType = "step_failed"
)

// Event is an ephemeral projection of orchestrator state. Payload carries
// the iteration status JSON for the task the event belongs to.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	TaskID    int             `json:"taskId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish fans the event out to all subscribers. Publication never blocks:
// a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

func (b *Bus) PublishNew(eventType EventType, taskID int, payload json.RawMessage) {
	event := &Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		TaskID:    taskID,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	b.Publish(event)
}
