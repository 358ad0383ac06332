package v1

import "time"

// Persona is a template of traits and style applied to a
// role-specialized agent at spawn time. (name, role) is unique.
type Persona struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         AgentRole `json:"role"`
	Description  string    `json:"description,omitempty"`
	Traits       []string  `json:"traits,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreditActivity is one per-user, per-project accounting row. Delta
// is negative for spend.
type CreditActivity struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	ProjectID  string    `json:"project_id"`
	StoryID    string    `json:"story_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Model      string    `json:"model,omitempty"`
	TokensUsed int64     `json:"tokens_used"`
	LLMCalls   int       `json:"llm_calls"`
	Delta      int64     `json:"delta"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreditSummary aggregates a user's activities.
type CreditSummary struct {
	UserID      string `json:"user_id"`
	TotalTokens int64  `json:"total_tokens"`
	TotalCalls  int    `json:"total_calls"`
	Balance     int64  `json:"balance"`
	Activities  int    `json:"activities"`
}
