// Package llm defines the boundary to language-model providers. The
// orchestration core only depends on this interface; graph nodes call
// it and tests script it.
package llm

import "context"

// Role of a conversation message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	System   string            `json:"system,omitempty"`
	Messages []Message         `json:"messages"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Response is a completion result.
type Response struct {
	Content    string `json:"content"`
	TokensUsed int    `json:"tokens_used,omitempty"`
}

// Client produces completions. Implementations must honor ctx
// cancellation and return Transient-kind errors for provider timeouts
// so the caller's retry policy applies.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
