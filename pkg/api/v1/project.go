package v1

import "time"

// WIPLimitType distinguishes blocking from advisory limits.
type WIPLimitType string

const (
	WIPLimitHard WIPLimitType = "hard"
	WIPLimitSoft WIPLimitType = "soft"
)

// WIPLimit configures one kanban column of a project.
type WIPLimit struct {
	Limit int          `json:"limit"`
	Type  WIPLimitType `json:"type"`
}

// Project is the aggregate root all other entities reference.
type Project struct {
	ID            string                  `json:"id"`
	Name          string                  `json:"name"`
	TechStack     []string                `json:"tech_stack,omitempty"`
	WIPConfig     map[StoryStatus]WIPLimit `json:"wip_config,omitempty"`
	ActiveAgentID string                  `json:"active_agent_id,omitempty"`
	HasPresence   bool                    `json:"has_presence"`
	WorkspacePath string                  `json:"workspace_path,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
	DeletedAt     *time.Time              `json:"deleted_at,omitempty"`
}
