// Package pool manages per-role sets of worker agents: admission via a
// weighted semaphore, spawn-on-demand up to the configured maximum,
// health supervision, and append-only metrics snapshots.
package pool

import (
	"context"
	"time"

	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// Store persists pools, their agents, and metrics snapshots. Counter
// mutations are atomic with the agent row they describe.
type Store interface {
	CreatePool(ctx context.Context, pool *v1.AgentPool) error
	GetPool(ctx context.Context, id string) (*v1.AgentPool, error)
	GetPoolByName(ctx context.Context, name string) (*v1.AgentPool, error)
	ListPools(ctx context.Context) ([]*v1.AgentPool, error)
	SetPoolActive(ctx context.Context, id string, active bool) error

	// SpawnAgent inserts the agent and bumps the pool's spawn counters
	// in one transaction.
	SpawnAgent(ctx context.Context, agent *v1.Agent) error

	// TerminateAgent flips the agent to terminated and bumps the pool's
	// termination counters in one transaction.
	TerminateAgent(ctx context.Context, agentID string) error

	UpdateAgentStatus(ctx context.Context, agentID string, status v1.AgentStatus) error
	ListAgents(ctx context.Context, poolID string) ([]*v1.Agent, error)

	// CountActiveByPersona reports how many non-terminated agents
	// reference a persona. Persona deletion is blocked while > 0.
	CountActiveByPersona(ctx context.Context, personaID string) (int, error)

	SaveSnapshot(ctx context.Context, snapshot *v1.PoolMetricsSnapshot) error
	ListSnapshots(ctx context.Context, poolID string, since time.Time) ([]*v1.PoolMetricsSnapshot, error)

	// PruneSnapshots drops snapshots older than the cutoff and returns
	// how many were removed.
	PruneSnapshots(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}
