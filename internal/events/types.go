// Package events defines the topics and event types of the
// orchestration core's event system.
package events

// Core topics.
const (
	TopicUserMessages   = "user.messages"
	TopicAgentRouting   = "agent.routing"
	TopicAgentTasks     = "agent.tasks"
	TopicStoryEvents    = "story.events"
	TopicArtifactEvents = "artifacts.events"
)

// DLQPrefix prefixes dead-letter subjects; a poison message on topic T
// is republished to DLQPrefix + "." + T.
const DLQPrefix = "dlq"

// Event types for user messages.
const (
	UserMessageReceived = "user_message.received"
)

// Event types for routing.
const (
	RoutingDelegated = "routing.delegated"
)

// Event types for task lifecycle. These mirror the five lifecycle
// kinds published per task.
const (
	TaskStarted   = "task.started"
	TaskProgress  = "task.progress"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskCancelled = "task.cancelled"
)

// Event types for stories.
const (
	StoryStatusChanged = "story.status_changed"
)

// Event types for artifacts.
const (
	ArtifactCreated       = "artifact.created"
	ArtifactVersioned     = "artifact.versioned"
	ArtifactStatusChanged = "artifact.status_changed"
)

// Event types for graph runs.
const (
	GraphInterrupted = "graph.interrupted"
	GraphResumed     = "graph.resumed"
)

// BuildTaskSubject creates a task lifecycle subject partitioned by
// task id, preserving per-task ordering.
func BuildTaskSubject(taskID string) string {
	return TopicAgentTasks + "." + taskID
}

// BuildTaskWildcardSubject creates a wildcard subscription for all
// task lifecycle events.
func BuildTaskWildcardSubject() string {
	return TopicAgentTasks + ".*"
}

// BuildRoutingSubject creates a routing subject for a specific role.
func BuildRoutingSubject(role string) string {
	return TopicAgentRouting + "." + role
}

// BuildRoutingWildcardSubject creates a wildcard subscription for all
// routing events.
func BuildRoutingWildcardSubject() string {
	return TopicAgentRouting + ".*"
}

// BuildDLQSubject creates the dead-letter subject for a topic.
func BuildDLQSubject(topic string) string {
	return DLQPrefix + "." + topic
}
