package pool

import (
	"context"
	"sync"
	"time"

	"github.com/devcrew/devcrew/internal/common/errors"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// MemoryStore is the in-memory Store used by tests and the embedded
// single-binary mode.
type MemoryStore struct {
	mu        sync.RWMutex
	pools     map[string]*v1.AgentPool
	agents    map[string]*v1.Agent
	snapshots []*v1.PoolMetricsSnapshot
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:  make(map[string]*v1.AgentPool),
		agents: make(map[string]*v1.Agent),
	}
}

func clonePool(p *v1.AgentPool) *v1.AgentPool {
	out := *p
	out.AllowedPersonas = append([]string(nil), p.AllowedPersonas...)
	return &out
}

func cloneAgent(a *v1.Agent) *v1.Agent {
	out := *a
	return &out
}

func cloneSnapshot(s *v1.PoolMetricsSnapshot) *v1.PoolMetricsSnapshot {
	out := *s
	if s.TokensByModel != nil {
		out.TokensByModel = make(map[string]int64, len(s.TokensByModel))
		for model, tokens := range s.TokensByModel {
			out.TokensByModel[model] = tokens
		}
	}
	return &out
}

func (m *MemoryStore) CreatePool(ctx context.Context, pool *v1.AgentPool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pools[pool.ID]; ok {
		return errors.Conflict("pool " + pool.ID + " already exists")
	}
	for _, existing := range m.pools {
		if existing.Name == pool.Name {
			return errors.Conflict("pool name " + pool.Name + " already taken")
		}
	}
	now := time.Now().UTC()
	pool.CreatedAt = now
	pool.UpdatedAt = now
	m.pools[pool.ID] = clonePool(pool)
	return nil
}

func (m *MemoryStore) GetPool(ctx context.Context, id string) (*v1.AgentPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, ok := m.pools[id]
	if !ok {
		return nil, errors.NotFound("pool", id)
	}
	return clonePool(pool), nil
}

func (m *MemoryStore) GetPoolByName(ctx context.Context, name string) (*v1.AgentPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pool := range m.pools {
		if pool.Name == name {
			return clonePool(pool), nil
		}
	}
	return nil, errors.NotFound("pool", name)
}

func (m *MemoryStore) ListPools(ctx context.Context) ([]*v1.AgentPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*v1.AgentPool, 0, len(m.pools))
	for _, pool := range m.pools {
		out = append(out, clonePool(pool))
	}
	return out, nil
}

func (m *MemoryStore) SetPoolActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[id]
	if !ok {
		return errors.NotFound("pool", id)
	}
	pool.IsActive = active
	pool.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SpawnAgent(ctx context.Context, agent *v1.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[agent.PoolID]
	if !ok {
		return errors.NotFound("pool", agent.PoolID)
	}
	if _, ok := m.agents[agent.ID]; ok {
		return errors.Conflict("agent " + agent.ID + " already exists")
	}

	now := time.Now().UTC()
	agent.SpawnedAt = now
	agent.LastSeenAt = now
	m.agents[agent.ID] = cloneAgent(agent)
	pool.TotalSpawned++
	pool.CurrentAgentCount++
	pool.UpdatedAt = now
	return nil
}

func (m *MemoryStore) TerminateAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return errors.NotFound("agent", agentID)
	}
	if agent.Status == v1.AgentStatusTerminated {
		return nil
	}

	pool, ok := m.pools[agent.PoolID]
	if !ok {
		return errors.NotFound("pool", agent.PoolID)
	}
	now := time.Now().UTC()
	agent.Status = v1.AgentStatusTerminated
	agent.LastSeenAt = now
	pool.TotalTerminated++
	pool.CurrentAgentCount--
	pool.UpdatedAt = now
	return nil
}

func (m *MemoryStore) UpdateAgentStatus(ctx context.Context, agentID string, status v1.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return errors.NotFound("agent", agentID)
	}
	agent.Status = status
	agent.LastSeenAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListAgents(ctx context.Context, poolID string) ([]*v1.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*v1.Agent
	for _, agent := range m.agents {
		if agent.PoolID == poolID {
			out = append(out, cloneAgent(agent))
		}
	}
	return out, nil
}

func (m *MemoryStore) CountActiveByPersona(ctx context.Context, personaID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, agent := range m.agents {
		if agent.PersonaID == personaID && agent.Status != v1.AgentStatusTerminated {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, snapshot *v1.PoolMetricsSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot.CreatedAt = time.Now().UTC()
	m.snapshots = append(m.snapshots, cloneSnapshot(snapshot))
	return nil
}

func (m *MemoryStore) ListSnapshots(ctx context.Context, poolID string, since time.Time) ([]*v1.PoolMetricsSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*v1.PoolMetricsSnapshot
	for _, snapshot := range m.snapshots {
		if snapshot.PoolID == poolID && !snapshot.CreatedAt.Before(since) {
			out = append(out, cloneSnapshot(snapshot))
		}
	}
	return out, nil
}

func (m *MemoryStore) PruneSnapshots(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.snapshots[:0]
	pruned := 0
	for _, snapshot := range m.snapshots {
		if snapshot.CreatedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, snapshot)
	}
	m.snapshots = kept
	return pruned, nil
}

func (m *MemoryStore) Close() error { return nil }
