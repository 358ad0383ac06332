package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcrew/devcrew/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var received []*Event

	_, err := b.Subscribe("user.messages", func(ctx context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("user_message.received", "test", map[string]interface{}{"content": "hi"})
	require.NoError(t, b.Publish(context.Background(), "user.messages", event))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	assert.Equal(t, event.ID, received[0].ID)
	assert.Equal(t, "user_message.received", received[0].Type)
	mu.Unlock()
}

func TestMemoryBusWildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var subjectsSeen int

	_, err := b.Subscribe("agent.tasks.*", func(ctx context.Context, e *Event) error {
		mu.Lock()
		subjectsSeen++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "agent.tasks.t-1", NewEvent("task.started", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "agent.tasks.t-2", NewEvent("task.completed", "test", nil)))
	// Not matched by a single-token wildcard
	require.NoError(t, b.Publish(context.Background(), "agent.tasks", NewEvent("task.progress", "test", nil)))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return subjectsSeen == 2
	})
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	total := 0

	handler := func(ctx context.Context, e *Event) error {
		mu.Lock()
		total++
		mu.Unlock()
		return nil
	}

	_, err := b.QueueSubscribe("agent.routing", "routers", handler)
	require.NoError(t, err)
	_, err = b.QueueSubscribe("agent.routing", "routers", handler)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), "agent.routing", NewEvent("routing.delegated", "test", nil)))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return total == 10
	})

	// Give stray duplicates a chance to surface
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 10, total, "each message must be delivered to exactly one group member")
	mu.Unlock()
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	delivered := make(chan struct{}, 10)
	sub, err := b.Subscribe("story.events", func(ctx context.Context, e *Event) error {
		delivered <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "story.events", NewEvent("story.status_changed", "test", nil)))

	select {
	case <-delivered:
		t.Fatal("unsubscribed handler received event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	b.Close()

	err := b.Publish(context.Background(), "user.messages", NewEvent("x", "test", nil))
	assert.Error(t, err)
	assert.False(t, b.IsConnected())
}

func TestEventTypedRoundTrip(t *testing.T) {
	type payload struct {
		EventID string `json:"event_id"`
		Content string `json:"content"`
	}

	ev, err := NewEventFrom("user_message.received", "test", payload{EventID: "e-77", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "e-77", ev.ID, "payload event_id becomes the bus event id")

	var out payload
	require.NoError(t, ev.DecodeData(&out))
	assert.Equal(t, "hello", out.Content)
}
