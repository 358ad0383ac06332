package v1

import "time"

// UserMessageEvent is the wire payload on the user.messages topic.
type UserMessageEvent struct {
	EventID     string       `json:"event_id"`
	ProjectID   string       `json:"project_id"`
	UserID      string       `json:"user_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// RoutingContext carries the conversation detail a delegated role needs.
type RoutingContext struct {
	MessageID       string   `json:"message_id"`
	UserMessage     string   `json:"user_message"`
	SelectedOptions []string `json:"selected_options,omitempty"`
}

// RoutingEvent is the wire payload on the agent.routing topic.
type RoutingEvent struct {
	EventID   string         `json:"event_id"`
	FromAgent string         `json:"from_agent"`
	ToAgent   AgentRole      `json:"to_agent"`
	ProjectID string         `json:"project_id"`
	UserID    string         `json:"user_id"`
	Reason    string         `json:"reason,omitempty"`
	Context   RoutingContext `json:"context"`
	Timestamp time.Time      `json:"timestamp"`
}

// TaskLifecycleEvent is the wire payload family on the agent.tasks topic.
type TaskLifecycleEvent struct {
	EventID     string                 `json:"event_id"`
	EventType   LifecycleEventType     `json:"event_type"`
	TaskID      string                 `json:"task_id"`
	AgentID     string                 `json:"agent_id"`
	AgentName   string                 `json:"agent_name"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	ProjectID   string                 `json:"project_id,omitempty"`
	Progress    int                    `json:"progress,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// StoryStatusEvent is the wire payload on the story.events topic.
type StoryStatusEvent struct {
	EventID    string      `json:"event_id"`
	StoryID    string      `json:"story_id"`
	ProjectID  string      `json:"project_id"`
	FromStatus StoryStatus `json:"from_status"`
	ToStatus   StoryStatus `json:"to_status"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ArtifactEvent is the wire payload on the artifacts.events topic.
type ArtifactEvent struct {
	EventID    string    `json:"event_id"`
	ArtifactID string    `json:"artifact_id"`
	ProjectID  string    `json:"project_id"`
	Status     string    `json:"status"`
	Version    int       `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}
