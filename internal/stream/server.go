package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/iterdrive/internal/eventbus"
	"github.com/kazz187/iterdrive/internal/task"
	"github.com/kazz187/iterdrive/pkg/cerr"
)

// heartbeatInterval keeps proxies from timing out idle streams.
const heartbeatInterval = 30 * time.Second

// subscriberBuffer bounds each connection's event queue. A client that
// cannot keep up misses events rather than stalling the publisher.
const subscriberBuffer = 32

// Server streams task status events over Server-Sent Events. One
// connection observes one task.
//
// Frame format:
//
//	event: <type>
//	data: <json>
//
// Heartbeats are comment frames (": heartbeat") and carry no event.
type Server struct {
	bus       *eventbus.Bus
	heartbeat time.Duration
}

func NewServer(bus *eventbus.Bus) *Server {
	return &Server{bus: bus, heartbeat: heartbeatInterval}
}

// TaskEvents handles GET /api/tasks/{id}/events. The stream stays open
// until the task reaches a terminal status or the client disconnects.
func (s *Server) TaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		// The stream route sits outside the JSON response middleware, so
		// precondition failures are written directly.
		http.Error(w, `{"code":"validation","message":"task id must be an integer"}`, cerr.Validation.HTTPCode())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"code":"stream","message":"streaming unsupported by connection"}`, cerr.Stream.HTTPCode())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID, events := s.bus.Subscribe(subscriberBuffer)
	defer s.bus.Unsubscribe(subID)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.TaskID != taskID {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if isTerminal(ev) {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w io.Writer, ev *eventbus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// isTerminal reports whether the event announces a terminal task status,
// after which the stream has nothing further to say.
func isTerminal(ev *eventbus.Event) bool {
	if ev.Type != eventbus.EventTypeTaskStatusChanged {
		return false
	}
	var payload struct {
		Status task.Status `json:"status"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return false
	}
	return payload.Status.Terminal()
}
