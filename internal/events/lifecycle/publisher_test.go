package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/events"
	"github.com/devcrew/devcrew/internal/events/bus"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func TestLifecycleSequenceForOneTask(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var seen []v1.LifecycleEventType

	_, err := b.Subscribe(events.BuildTaskSubject("task-1"), func(ctx context.Context, e *bus.Event) error {
		var payload v1.TaskLifecycleEvent
		if err := e.DecodeData(&payload); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, payload.EventType)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	p := NewPublisher(b, "test", testLogger(t))
	meta := Meta{TaskID: "task-1", AgentID: "agent-1", AgentName: "dev-1", ProjectID: "p-1"}

	ctx := context.Background()
	require.NoError(t, p.Started(ctx, meta))
	require.NoError(t, p.Progress(ctx, meta, 50, "halfway"))
	require.NoError(t, p.Completed(ctx, meta, map[string]interface{}{"files": 2}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)

	// The lifecycle stream is a prefix of started, progress*, terminal.
	assert.Equal(t, v1.LifecycleStarted, seen[0])
	terminal := seen[len(seen)-1]
	assert.True(t, terminal.Terminal())
	for _, et := range seen[1 : len(seen)-1] {
		assert.Equal(t, v1.LifecycleProgress, et)
	}
}

func TestLifecycleEventCarriesMeta(t *testing.T) {
	b := bus.NewMemoryEventBus(testLogger(t))
	defer b.Close()

	got := make(chan v1.TaskLifecycleEvent, 1)
	_, err := b.Subscribe(events.BuildTaskWildcardSubject(), func(ctx context.Context, e *bus.Event) error {
		var payload v1.TaskLifecycleEvent
		if err := e.DecodeData(&payload); err != nil {
			return err
		}
		got <- payload
		return nil
	})
	require.NoError(t, err)

	p := NewPublisher(b, "test", testLogger(t))
	require.NoError(t, p.Failed(context.Background(), Meta{
		TaskID:      "task-9",
		AgentID:     "agent-3",
		AgentName:   "tester-1",
		ExecutionID: "exec-4",
		ProjectID:   "p-2",
	}, "validation crashed"))

	select {
	case payload := <-got:
		assert.Equal(t, v1.LifecycleFailed, payload.EventType)
		assert.Equal(t, "task-9", payload.TaskID)
		assert.Equal(t, "agent-3", payload.AgentID)
		assert.Equal(t, "exec-4", payload.ExecutionID)
		assert.Equal(t, "validation crashed", payload.Error)
		assert.NotEmpty(t, payload.EventID)
		assert.False(t, payload.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no lifecycle event received")
	}
}
