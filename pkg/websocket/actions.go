package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Room membership (client -> server)
	ActionProjectSubscribe   = "project.subscribe"
	ActionProjectUnsubscribe = "project.unsubscribe"

	// Conversation
	ActionChatMessage  = "chat.message"  // client -> server
	ActionChatResponse = "chat.response" // server -> client

	// Task lifecycle notifications (server -> client)
	ActionTaskStarted   = "task.started"
	ActionTaskProgress  = "task.progress"
	ActionTaskCompleted = "task.completed"
	ActionTaskFailed    = "task.failed"
	ActionTaskCancelled = "task.cancelled"

	// Board notifications (server -> client)
	ActionStoryStatusChanged = "story.status_changed"

	// Artifact notifications (server -> client)
	ActionArtifactCreated       = "artifact.created"
	ActionArtifactVersioned     = "artifact.versioned"
	ActionArtifactStatusChanged = "artifact.status_changed"

	// Graph run notifications (server -> client)
	ActionGraphInterrupted = "graph.interrupted"
	ActionGraphResumed     = "graph.resumed"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
