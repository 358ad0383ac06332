package v1

import "time"

// AgentTaskType enumerates the kinds of work handed to an agent.
type AgentTaskType string

const (
	TaskTypeMessage          AgentTaskType = "message"
	TaskTypeStoryProcess     AgentTaskType = "story_process"
	TaskTypeResumeWithAnswer AgentTaskType = "resume_with_answer"
	TaskTypeReviewRequest    AgentTaskType = "review_request"
	TaskTypeTestRun          AgentTaskType = "test_run"
)

// TaskPriority orders tasks within a pool's admission queue.
type TaskPriority int

const (
	TaskPriorityLow    TaskPriority = 0
	TaskPriorityNormal TaskPriority = 5
	TaskPriorityHigh   TaskPriority = 10
)

// TaskContext is a single unit of work handed to an agent.
// Immutable after creation.
type TaskContext struct {
	TaskID         string                 `json:"task_id"`
	Type           AgentTaskType          `json:"type"`
	Priority       TaskPriority           `json:"priority"`
	ProjectID      string                 `json:"project_id"`
	UserID         string                 `json:"user_id"`
	RoutingReason  string                 `json:"routing_reason,omitempty"`
	Content        string                 `json:"content"`
	Attachments    []Attachment           `json:"attachments,omitempty"`
	SelectedOption string                 `json:"selected_option,omitempty"`
	Answer         string                 `json:"answer,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Attachment is an opaque reference carried alongside a user message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// TaskResult is the outcome of one task invocation.
// Produced exactly once per invocation; may reflect a cancellation.
type TaskResult struct {
	Success      bool                   `json:"success"`
	Output       string                 `json:"output"`
	Data         map[string]interface{} `json:"data,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// LifecycleEventType is one of the five task lifecycle kinds.
type LifecycleEventType string

const (
	LifecycleStarted   LifecycleEventType = "started"
	LifecycleProgress  LifecycleEventType = "progress"
	LifecycleCompleted LifecycleEventType = "completed"
	LifecycleFailed    LifecycleEventType = "failed"
	LifecycleCancelled LifecycleEventType = "cancelled"
)

// Terminal reports whether t ends the lifecycle stream for a task.
func (t LifecycleEventType) Terminal() bool {
	switch t {
	case LifecycleCompleted, LifecycleFailed, LifecycleCancelled:
		return true
	}
	return false
}
