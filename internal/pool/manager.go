package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/common/logger"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// Manager owns one pool per role and routes acquisitions.
type Manager struct {
	store          Store
	cfg            config.PoolsConfig
	logger         *logger.Logger
	acquireTimeout time.Duration

	mu    sync.RWMutex
	pools map[v1.AgentRole]*Pool
}

// NewManager creates an empty pool manager.
func NewManager(store Store, cfg config.PoolsConfig, log *logger.Logger) *Manager {
	return &Manager{
		store:          store,
		cfg:            cfg,
		logger:         log.WithFields(zap.String("component", "pool-manager")),
		acquireTimeout: cfg.AcquireTimeoutDuration(),
		pools:          make(map[v1.AgentRole]*Pool),
	}
}

// EnsurePool loads or creates the persisted record for a role's pool
// and registers its runtime. Repeat calls return the registered pool.
func (m *Manager) EnsurePool(ctx context.Context, role v1.AgentRole, factory AgentFactory, pinger HealthPinger) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pools[role]; ok {
		return existing, nil
	}

	name := fmt.Sprintf("%s-pool", role)
	record, err := m.store.GetPoolByName(ctx, name)
	if errors.IsNotFound(err) {
		rc := m.cfg.ForRole(string(role))
		record = &v1.AgentPool{
			ID:                  uuid.New().String(),
			Name:                name,
			Role:                role,
			MaxAgents:           rc.MaxAgents,
			HealthCheckInterval: rc.HealthCheckInterval,
		}
		if record.MaxAgents <= 0 {
			record.MaxAgents = 1
		}
		if err := m.store.CreatePool(ctx, record); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	p := NewPool(record, m.store, factory, pinger, m.logger)
	m.pools[role] = p
	return p, nil
}

// Pool returns the registered pool for a role.
func (m *Manager) Pool(role v1.AgentRole) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[role]
	if !ok {
		return nil, errors.NotFound("pool", string(role))
	}
	return p, nil
}

// Pools returns all registered pools.
func (m *Manager) Pools() []*Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}

// Acquire leases a worker for the role, bounded by the configured
// acquisition deadline when the caller's ctx has none.
func (m *Manager) Acquire(ctx context.Context, role v1.AgentRole, projectID string) (*Lease, error) {
	p, err := m.Pool(role)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && m.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.acquireTimeout)
		defer cancel()
	}
	return p.Acquire(ctx, projectID)
}

// PruneSnapshots drops metrics snapshots older than the cutoff.
func (m *Manager) PruneSnapshots(ctx context.Context, olderThan time.Time) (int, error) {
	return m.store.PruneSnapshots(ctx, olderThan)
}

// StartAll starts every registered pool.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, p := range m.Pools() {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("failed to start pool %s: %w", p.Name(), err)
		}
	}
	return nil
}

// StopAll stops every registered pool.
func (m *Manager) StopAll(ctx context.Context) error {
	var firstErr error
	for _, p := range m.Pools() {
		if err := p.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
