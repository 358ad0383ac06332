package v1

// AgentRole identifies a role-specialized agent.
type AgentRole string

const (
	RoleTeamLeader      AgentRole = "team_leader"
	RoleBusinessAnalyst AgentRole = "business_analyst"
	RoleDeveloper       AgentRole = "developer"
	RoleTester          AgentRole = "tester"
)

// ValidRole reports whether r is a known agent role.
func ValidRole(r AgentRole) bool {
	switch r {
	case RoleTeamLeader, RoleBusinessAnalyst, RoleDeveloper, RoleTester:
		return true
	}
	return false
}

// DelegatableRoles are the roles the team leader may route work to.
var DelegatableRoles = []AgentRole{RoleBusinessAnalyst, RoleDeveloper, RoleTester}

// AgentStatus represents the status of a pooled agent worker.
type AgentStatus string

const (
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusBusy       AgentStatus = "busy"
	AgentStatusUnhealthy  AgentStatus = "unhealthy"
	AgentStatusTerminated AgentStatus = "terminated"
)

// RouterAction is the team leader's classification outcome.
type RouterAction string

const (
	ActionRespond  RouterAction = "RESPOND"
	ActionDelegate RouterAction = "DELEGATE"
	ActionToolCall RouterAction = "TOOL_CALL"
)
