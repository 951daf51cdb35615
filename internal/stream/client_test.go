package stream

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/iterdrive/internal/eventbus"
	"github.com/kazz187/iterdrive/pkg/cerr"
)

func TestBackoffSequence(t *testing.T) {
	var b backoff
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.next(), "attempt %d", i)
	}

	b.reset()
	assert.Equal(t, 1*time.Second, b.next())
}

func TestConsumeParsesFrames(t *testing.T) {
	var events []*eventbus.Event
	c := &Client{
		OnEvent: func(ev *eventbus.Event) { events = append(events, ev) },
	}

	frames := strings.Join([]string{
		"event: task_created",
		`data: {"id":"01ABC","type":"task_created","taskId":7}`,
		"",
		": heartbeat",
		"",
		"event: step_started",
		`data: {"id":"01DEF","type":"step_started","taskId":7,"payload":{"taskId":7,"status":"running","currentStep":"plan","progress":0}}`,
		"",
	}, "\n") + "\n"

	require.NoError(t, c.consume(strings.NewReader(frames)))
	require.Len(t, events, 2)
	assert.Equal(t, eventbus.EventTypeTaskCreated, events[0].Type)
	assert.Equal(t, 7, events[0].TaskID)
	assert.Equal(t, eventbus.EventTypeStepStarted, events[1].Type)

	// The status payload lands in the observation cache.
	st, ok := c.Latest(7)
	require.True(t, ok)
	assert.Equal(t, "plan", st.CurrentStep)
	assert.Equal(t, "running", st.Status)
}

func TestConsumeMalformedDataKeepsStreamOpen(t *testing.T) {
	var events []*eventbus.Event
	var errs []error
	c := &Client{
		OnEvent: func(ev *eventbus.Event) { events = append(events, ev) },
		OnError: func(err error) { errs = append(errs, err) },
	}

	frames := strings.Join([]string{
		"event: task_created",
		"data: {not json",
		"",
		"event: task_created",
		`data: {"id":"01ABC","type":"task_created","taskId":1}`,
		"",
	}, "\n") + "\n"

	require.NoError(t, c.consume(strings.NewReader(frames)))

	// The bad frame is reported, the good frame after it still arrives.
	require.Len(t, errs, 1)
	assert.True(t, cerr.IsCode(errs[0], cerr.Parse))
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].TaskID)
}

func TestConsumeHeartbeatOnlyStream(t *testing.T) {
	called := false
	c := &Client{OnEvent: func(*eventbus.Event) { called = true }}

	frames := ": heartbeat\n\n: heartbeat\n\n"
	require.NoError(t, c.consume(strings.NewReader(frames)))
	assert.False(t, called)
}

func TestObserveIgnoresTaskPayloads(t *testing.T) {
	c := &Client{}
	c.observe(&eventbus.Event{
		Type:    eventbus.EventTypeTaskStatusChanged,
		TaskID:  3,
		Payload: []byte(`{"id":3,"status":"COMPLETED"}`),
	})
	_, ok := c.Latest(3)
	assert.False(t, ok, "task payloads must not enter the status cache")
}
