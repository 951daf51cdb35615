package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kazz187/iterdrive/internal/eventbus"
	"github.com/kazz187/iterdrive/internal/task"
)

// Dispatcher watches the event bus and pushes a notification whenever a
// task reaches a terminal status.
type Dispatcher struct {
	eventBus *eventbus.Bus
	sender   *Sender
}

func NewDispatcher(eventBus *eventbus.Bus, sender *Sender) *Dispatcher {
	return &Dispatcher{
		eventBus: eventBus,
		sender:   sender,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	subID, ch := d.eventBus.Subscribe(256)
	defer d.eventBus.Unsubscribe(subID)

	slog.Info("push notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("push notification dispatcher stopped")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Type == eventbus.EventTypeTaskStatusChanged {
				d.handleStatusChanged(ctx, event)
			}
		}
	}
}

func (d *Dispatcher) handleStatusChanged(ctx context.Context, event *eventbus.Event) {
	var t task.Task
	if err := json.Unmarshal(event.Payload, &t); err != nil {
		slog.Error("push dispatcher: undecodable task payload", "task_id", event.TaskID, "error", err)
		return
	}
	if !t.Status.Terminal() {
		return
	}

	payload := payloadFor(&t)
	if payload == nil {
		return
	}
	d.sender.SendToAll(ctx, payload)
}

func payloadFor(t *task.Task) *NotificationPayload {
	var title string
	switch t.Status {
	case task.StatusCompleted:
		title = "Task Completed"
	case task.StatusFailed:
		title = "Task Failed"
	case task.StatusMerged:
		title = "Task Merged"
	case task.StatusPushed:
		title = "Task Pushed"
	default:
		return nil
	}
	return &NotificationPayload{
		Title: title,
		Body:  t.Title,
		URL:   fmt.Sprintf("/tasks/%d", t.ID),
		Tag:   fmt.Sprintf("task-%d", t.ID),
	}
}
