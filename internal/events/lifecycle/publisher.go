// Package lifecycle publishes task lifecycle events on the agent.tasks
// topic. Subjects carry the task id so per-task ordering is preserved
// by the bus partitioning.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/events"
	"github.com/devcrew/devcrew/internal/events/bus"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// Publisher emits the five lifecycle kinds for a task.
type Publisher struct {
	bus    bus.EventBus
	source string
	logger *logger.Logger
}

// NewPublisher creates a lifecycle publisher.
func NewPublisher(b bus.EventBus, source string, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    b,
		source: source,
		logger: log.WithFields(zap.String("component", "lifecycle")),
	}
}

// Meta identifies the task and agent a lifecycle event belongs to.
type Meta struct {
	TaskID      string
	AgentID     string
	AgentName   string
	ExecutionID string
	ProjectID   string
}

// Started publishes the started event for a task.
func (p *Publisher) Started(ctx context.Context, meta Meta) error {
	return p.publish(ctx, events.TaskStarted, v1.TaskLifecycleEvent{
		EventType: v1.LifecycleStarted,
	}, meta)
}

// Progress publishes a progress event with a percentage and message.
func (p *Publisher) Progress(ctx context.Context, meta Meta, percent int, message string) error {
	return p.publish(ctx, events.TaskProgress, v1.TaskLifecycleEvent{
		EventType: v1.LifecycleProgress,
		Progress:  percent,
		Message:   message,
	}, meta)
}

// Completed publishes the completed event with the task's result data.
func (p *Publisher) Completed(ctx context.Context, meta Meta, data map[string]interface{}) error {
	return p.publish(ctx, events.TaskCompleted, v1.TaskLifecycleEvent{
		EventType: v1.LifecycleCompleted,
		Data:      data,
	}, meta)
}

// Failed publishes the failed event carrying the error message.
func (p *Publisher) Failed(ctx context.Context, meta Meta, cause string) error {
	return p.publish(ctx, events.TaskFailed, v1.TaskLifecycleEvent{
		EventType: v1.LifecycleFailed,
		Error:     cause,
	}, meta)
}

// Cancelled publishes the cancelled event with the cancellation reason.
func (p *Publisher) Cancelled(ctx context.Context, meta Meta, reason string) error {
	return p.publish(ctx, events.TaskCancelled, v1.TaskLifecycleEvent{
		EventType: v1.LifecycleCancelled,
		Message:   reason,
	}, meta)
}

func (p *Publisher) publish(ctx context.Context, eventType string, payload v1.TaskLifecycleEvent, meta Meta) error {
	payload.EventID = uuid.New().String()
	payload.TaskID = meta.TaskID
	payload.AgentID = meta.AgentID
	payload.AgentName = meta.AgentName
	payload.ExecutionID = meta.ExecutionID
	payload.ProjectID = meta.ProjectID
	payload.Timestamp = time.Now().UTC()

	event, err := bus.NewEventFrom(eventType, p.source, payload)
	if err != nil {
		return fmt.Errorf("failed to build lifecycle event: %w", err)
	}

	subject := events.BuildTaskSubject(meta.TaskID)
	if err := p.bus.Publish(ctx, subject, event); err != nil {
		return fmt.Errorf("failed to publish %s for task %s: %w", payload.EventType, meta.TaskID, err)
	}

	p.logger.Debug("published lifecycle event",
		zap.String("task_id", meta.TaskID),
		zap.String("event_type", string(payload.EventType)))
	return nil
}
