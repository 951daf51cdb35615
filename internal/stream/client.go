package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kazz187/iterdrive/internal/eventbus"
	"github.com/kazz187/iterdrive/internal/iteration"
	"github.com/kazz187/iterdrive/pkg/cerr"
)

// ConnState is the client connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// backoff yields the reconnect delay sequence 1s, 2s, 4s, 8s, 16s, then
// 30s forever. reset returns it to the start.
type backoff struct {
	attempt int
}

const backoffCap = 30 * time.Second

func (b *backoff) next() time.Duration {
	d := time.Duration(1<<b.attempt) * time.Second
	if d >= backoffCap {
		return backoffCap
	}
	b.attempt++
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}

// Client consumes a task's SSE status stream and keeps reconnecting with
// exponential backoff until disconnected by the caller. Malformed frames
// are surfaced through OnError without closing the stream.
type Client struct {
	// URL is the full stream endpoint, e.g.
	// http://localhost:3200/api/tasks/1/events.
	URL string
	// APIKey, when set, is sent as the X-API-Key header.
	APIKey string
	// OnEvent receives each decoded event.
	OnEvent func(*eventbus.Event)
	// OnError receives stream-level problems (decode failures, dropped
	// connections). The client keeps running.
	OnError func(error)

	HTTPClient *http.Client

	mu      sync.Mutex
	state   ConnState
	cancel  context.CancelFunc
	backoff backoff
	// latest caches the most recent iteration status observed per task.
	latest map[int]*iteration.IterationStatus
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == "" {
		return StateDisconnected
	}
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Latest returns the most recent iteration status observed for a task,
// surviving reconnects.
func (c *Client) Latest(taskID int) (*iteration.IterationStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.latest[taskID]
	return st, ok
}

// Connect starts consuming the stream until ctx is cancelled or
// Disconnect is called. It returns once the consumer goroutine is
// running.
func (c *Client) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.backoff.reset()
	c.mu.Unlock()

	go c.run(ctx)
}

// Disconnect stops the stream. No reconnect attempts follow a manual
// disconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.setState(StateDisconnected)
}

// Reconnect drops the current connection and starts over with a fresh
// backoff sequence.
func (c *Client) Reconnect(ctx context.Context) {
	c.Disconnect()
	c.Connect(ctx)
}

func (c *Client) run(ctx context.Context) {
	defer c.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.emitError(err)
		}

		delay := c.nextDelay()
		slog.Debug("stream disconnected, reconnecting", "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) nextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.next()
}

func (c *Client) resetBackoff() {
	c.mu.Lock()
	c.backoff.reset()
	c.mu.Unlock()
}

func (c *Client) consumeOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return cerr.NewError(cerr.Stream, "invalid stream url", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	httpc := c.HTTPClient
	if httpc == nil {
		httpc = http.DefaultClient
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return cerr.NewError(cerr.Stream, "stream connection failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cerr.NewError(cerr.Stream, fmt.Sprintf("stream endpoint answered %d", resp.StatusCode), nil)
	}

	c.setState(StateConnected)
	c.resetBackoff()
	return c.consume(resp.Body)
}

// consume parses SSE frames until the reader ends. Comment lines
// (heartbeats) are skipped; frames with undecodable data are reported
// via OnError and the stream continues.
func (c *Client) consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				c.dispatch(eventType, data)
			}
			eventType, data = "", ""
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return cerr.NewError(cerr.Stream, "stream read failed", err)
	}
	return nil
}

func (c *Client) dispatch(eventType, data string) {
	var ev eventbus.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		c.emitError(cerr.NewError(cerr.Parse, fmt.Sprintf("undecodable %s event", eventType), err))
		return
	}

	c.observe(&ev)
	if c.OnEvent != nil {
		c.OnEvent(&ev)
	}
}

// observe caches iteration status payloads so callers can read the last
// known state of a task without waiting for the next event.
func (c *Client) observe(ev *eventbus.Event) {
	switch ev.Type {
	case eventbus.EventTypeIterationStarted,
		eventbus.EventTypeStepStarted,
		eventbus.EventTypeStepCompleted,
		eventbus.EventTypeStepFailed:
	default:
		return
	}
	var st iteration.IterationStatus
	if err := json.Unmarshal(ev.Payload, &st); err != nil {
		return
	}
	c.mu.Lock()
	if c.latest == nil {
		c.latest = make(map[int]*iteration.IterationStatus)
	}
	c.latest[ev.TaskID] = &st
	c.mu.Unlock()
}

func (c *Client) emitError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}
