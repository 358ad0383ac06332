package v1

import "time"

// Agent is a live pooled worker. Owned exclusively by its pool; the
// pool terminates it on deactivation or repeated health failures.
type Agent struct {
	ID         string      `json:"id"`
	PoolID     string      `json:"pool_id"`
	ProjectID  string      `json:"project_id,omitempty"`
	Role       AgentRole   `json:"role"`
	Name       string      `json:"name"`
	Status     AgentStatus `json:"status"`
	PersonaID  string      `json:"persona_id,omitempty"`
	SpawnedAt  time.Time   `json:"spawned_at"`
	LastSeenAt time.Time   `json:"last_seen_at"`
}

// AgentPool is the persisted configuration and counters of one
// per-role pool. The counter identity total_spawned - total_terminated
// = current_agent_count holds at every commit point.
type AgentPool struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Role                AgentRole `json:"role"`
	MaxAgents           int       `json:"max_agents"`
	HealthCheckInterval int       `json:"health_check_interval"` // in seconds
	CurrentAgentCount   int       `json:"current_agent_count"`
	TotalSpawned        int       `json:"total_spawned"`
	TotalTerminated     int       `json:"total_terminated"`
	IsActive            bool      `json:"is_active"`
	AllowedPersonas     []string  `json:"allowed_personas,omitempty"`
	LLMModel            string    `json:"llm_model,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// PoolStats is a live view of one pool.
type PoolStats struct {
	PoolID     string `json:"pool_id"`
	Name       string `json:"name"`
	Total      int    `json:"total"`
	Busy       int    `json:"busy"`
	Idle       int    `json:"idle"`
	Unhealthy  int    `json:"unhealthy"`
	Executions int64  `json:"executions"`
	Successes  int64  `json:"successes"`
	Failures   int64  `json:"failures"`
}

// PoolMetricsSnapshot is an immutable time-bucketed metrics record.
// Append-only; pruned by age.
type PoolMetricsSnapshot struct {
	ID            string           `json:"id"`
	PoolID        string           `json:"pool_id"`
	WindowStart   time.Time        `json:"window_start"`
	WindowEnd     time.Time        `json:"window_end"`
	TotalTokens   int64            `json:"total_tokens"`
	TokensByModel map[string]int64 `json:"tokens_by_model,omitempty"`
	RequestCount  int64            `json:"request_count"`
	PeakAgents    int              `json:"peak_agents"`
	AvgAgents     float64          `json:"avg_agents"`
	Executions    int64            `json:"executions"`
	Successes     int64            `json:"successes"`
	Failures      int64            `json:"failures"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
	CreatedAt     time.Time        `json:"created_at"`
}
