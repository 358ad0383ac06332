package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/events"
	"github.com/devcrew/devcrew/internal/events/bus"
	ws "github.com/devcrew/devcrew/pkg/websocket"
)

// Broadcaster bridges the event bus to project rooms. Task lifecycle,
// story, artifact, and graph events carry a project_id; each is pushed
// to the owning project's room.
type Broadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// actionsByEventType maps bus event types to the client-facing
// notification actions.
var actionsByEventType = map[string]string{
	events.TaskStarted:           ws.ActionTaskStarted,
	events.TaskProgress:          ws.ActionTaskProgress,
	events.TaskCompleted:         ws.ActionTaskCompleted,
	events.TaskFailed:            ws.ActionTaskFailed,
	events.TaskCancelled:         ws.ActionTaskCancelled,
	events.StoryStatusChanged:    ws.ActionStoryStatusChanged,
	events.ArtifactCreated:       ws.ActionArtifactCreated,
	events.ArtifactVersioned:     ws.ActionArtifactVersioned,
	events.ArtifactStatusChanged: ws.ActionArtifactStatusChanged,
	events.GraphInterrupted:      ws.ActionGraphInterrupted,
	events.GraphResumed:          ws.ActionGraphResumed,
}

// RegisterNotifications subscribes the hub to the project-facing
// subjects. Subscriptions are released when ctx is cancelled.
func RegisterNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Broadcaster {
	b := &Broadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildTaskWildcardSubject())
	b.subscribe(eventBus, events.TopicStoryEvents)
	b.subscribe(eventBus, events.TopicArtifactEvents)

	go func() {
		<-ctx.Done()
		b.Close()
	}()
	return b
}

// Close releases all bus subscriptions.
func (b *Broadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *Broadcaster) subscribe(eventBus bus.EventBus, subject string) {
	sub, err := eventBus.Subscribe(subject, b.handle)
	if err != nil {
		b.logger.Error("failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func (b *Broadcaster) handle(ctx context.Context, event *bus.Event) error {
	action, ok := actionsByEventType[event.Type]
	if !ok {
		return nil
	}
	projectID, _ := event.Data["project_id"].(string)
	if projectID == "" {
		b.logger.Debug("event without project_id, not broadcast",
			zap.String("type", event.Type))
		return nil
	}

	msg, err := ws.NewNotification(action, event.Data)
	if err != nil {
		b.logger.Error("failed to build notification",
			zap.String("action", action), zap.Error(err))
		return nil
	}
	b.hub.Broadcast(projectID, msg)
	return nil
}
