package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/devcrew/devcrew/internal/agents"
	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/common/logger"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// healthFailureTolerance is how many consecutive failed pings a worker
// survives before termination.
const healthFailureTolerance = 2

// AgentFactory builds the runnable agent behind a spawned worker
// record.
type AgentFactory func(meta *v1.Agent) (agents.Agent, error)

// HealthPinger checks a worker's liveness. The default pinger always
// succeeds; deployments with external runtimes plug in a real probe.
type HealthPinger func(ctx context.Context, agent agents.Agent) error

// worker pairs the persisted agent record with its runnable agent.
type worker struct {
	meta           *v1.Agent
	agent          agents.Agent
	healthFailures int
	unhealthy      bool
	busy           bool
}

// Lease is a held worker. The holder must Release it exactly once.
type Lease struct {
	pool       *Pool
	w          *worker
	acquiredAt time.Time
}

// Agent returns the runnable agent behind the lease.
func (l *Lease) Agent() agents.Agent { return l.w.agent }

// Meta returns the worker's persisted record.
func (l *Lease) Meta() *v1.Agent { return l.w.meta }

// Pool owns the workers of one role. Admission is a weighted semaphore
// sized at max_agents; workers are spawned on demand and supervised by
// a periodic health loop.
type Pool struct {
	cfg     *v1.AgentPool
	store   Store
	factory AgentFactory
	pinger  HealthPinger
	logger  *logger.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	workers map[string]*worker
	idle    []*worker
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	// Lifetime counters, reported by Stats.
	executions int64
	successes  int64
	failures   int64

	// Window counters, cut into a snapshot and reset.
	windowStart      time.Time
	windowTokens     map[string]int64
	windowRequests   int64
	windowExecutions int64
	windowSuccesses  int64
	windowFailures   int64
	windowDurationMs float64
	peakAgents       int
}

// NewPool wraps a persisted pool record. The record must already exist
// in the store (Manager.EnsurePool handles that).
func NewPool(cfg *v1.AgentPool, store Store, factory AgentFactory, pinger HealthPinger, log *logger.Logger) *Pool {
	if pinger == nil {
		pinger = func(context.Context, agents.Agent) error { return nil }
	}
	return &Pool{
		cfg:          cfg,
		store:        store,
		factory:      factory,
		pinger:       pinger,
		logger:       log.WithFields(zap.String("component", "pool"), zap.String("pool", cfg.Name)),
		sem:          semaphore.NewWeighted(int64(cfg.MaxAgents)),
		workers:      make(map[string]*worker),
		windowStart:  time.Now().UTC(),
		windowTokens: make(map[string]int64),
	}
}

// ID returns the pool's id.
func (p *Pool) ID() string { return p.cfg.ID }

// Name returns the pool's unique name.
func (p *Pool) Name() string { return p.cfg.Name }

// Role returns the role this pool serves.
func (p *Pool) Role() v1.AgentRole { return p.cfg.Role }

// Start activates the pool and begins health supervision. Idempotent.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stop = make(chan struct{})
	p.mu.Unlock()

	if err := p.store.SetPoolActive(ctx, p.cfg.ID, true); err != nil {
		return err
	}
	p.cfg.IsActive = true

	interval := time.Duration(p.cfg.HealthCheckInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	p.wg.Add(1)
	go p.healthLoop(interval)

	p.logger.Info("pool started", zap.Int("max_agents", p.cfg.MaxAgents))
	return nil
}

// Stop terminates all workers and deactivates the pool. Idempotent.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stop)
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	p.wg.Wait()

	for _, w := range workers {
		if err := p.terminate(ctx, w); err != nil {
			p.logger.Warn("failed to terminate worker on stop",
				zap.String("agent_id", w.meta.ID), zap.Error(err))
		}
	}

	if err := p.store.SetPoolActive(ctx, p.cfg.ID, false); err != nil {
		return err
	}
	p.cfg.IsActive = false
	p.logger.Info("pool stopped")
	return nil
}

// Spawn creates a new idle worker. The persona must be on the pool's
// whitelist when one is configured.
func (p *Pool) Spawn(ctx context.Context, projectID, name, personaID string) (*v1.Agent, error) {
	if err := p.checkPersona(personaID); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) >= p.cfg.MaxAgents {
		return nil, errors.Conflict(fmt.Sprintf("pool %s is at max_agents (%d)", p.cfg.Name, p.cfg.MaxAgents))
	}
	w, err := p.spawnLocked(ctx, projectID, name, personaID)
	if err != nil {
		return nil, err
	}
	p.idle = append(p.idle, w)
	return w.meta, nil
}

// spawnLocked inserts the worker record (bumping pool counters in the
// same transaction) and builds its runnable agent. Caller holds p.mu.
func (p *Pool) spawnLocked(ctx context.Context, projectID, name, personaID string) (*worker, error) {
	meta := &v1.Agent{
		ID:        uuid.New().String(),
		PoolID:    p.cfg.ID,
		ProjectID: projectID,
		Role:      p.cfg.Role,
		Name:      name,
		Status:    v1.AgentStatusIdle,
		PersonaID: personaID,
	}
	if meta.Name == "" {
		meta.Name = fmt.Sprintf("%s-%s", p.cfg.Role, meta.ID[:8])
	}

	agent, err := p.factory(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to build agent: %w", err)
	}
	if err := p.store.SpawnAgent(ctx, meta); err != nil {
		return nil, err
	}
	p.cfg.TotalSpawned++
	p.cfg.CurrentAgentCount++

	w := &worker{meta: meta, agent: agent}
	p.workers[meta.ID] = w
	if len(p.workers) > p.peakAgents {
		p.peakAgents = len(p.workers)
	}

	p.logger.Info("spawned agent",
		zap.String("agent_id", meta.ID),
		zap.String("agent_name", meta.Name),
		zap.Int("current", p.cfg.CurrentAgentCount))
	return w, nil
}

// Acquire hands out an idle worker, spawning one when the pool has
// headroom. It blocks until a slot frees or ctx expires; expiry maps
// to a Transient error so the caller's retry policy applies.
func (p *Pool) Acquire(ctx context.Context, projectID string) (*Lease, error) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return nil, errors.Conflict("pool " + p.cfg.Name + " is not active")
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Transient("no "+string(p.cfg.Role)+" agent available before deadline", err)
	}

	p.mu.Lock()
	w, stale := p.popIdleLocked()
	p.mu.Unlock()

	// Unhealthy workers skipped on the idle list are retired before any
	// replacement spawns, so the worker count stays within max_agents.
	for _, s := range stale {
		if err := p.terminate(ctx, s); err != nil {
			p.logger.Warn("failed to retire unhealthy worker",
				zap.String("agent_id", s.meta.ID), zap.Error(err))
		}
	}

	p.mu.Lock()
	if w == nil {
		var err error
		w, err = p.spawnLocked(ctx, projectID, "", "")
		if err != nil {
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, err
		}
	}
	w.busy = true
	w.meta.Status = v1.AgentStatusBusy
	p.mu.Unlock()

	if err := p.store.UpdateAgentStatus(ctx, w.meta.ID, v1.AgentStatusBusy); err != nil {
		p.logger.Warn("failed to persist busy status", zap.String("agent_id", w.meta.ID), zap.Error(err))
	}
	return &Lease{pool: p, w: w, acquiredAt: time.Now()}, nil
}

// popIdleLocked returns the next healthy idle worker, plus any
// unhealthy workers it skipped over; the caller must terminate those.
// Caller holds p.mu.
func (p *Pool) popIdleLocked() (*worker, []*worker) {
	var stale []*worker
	for len(p.idle) > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		if w.unhealthy {
			stale = append(stale, w)
			continue
		}
		return w, stale
	}
	return nil, stale
}

// Release returns a leased worker. A worker that failed health checks
// while busy is terminated instead of pooled; replacement is lazy.
func (p *Pool) Release(ctx context.Context, lease *Lease, taskErr error) error {
	durationMs := float64(time.Since(lease.acquiredAt)) / float64(time.Millisecond)

	p.mu.Lock()
	w := lease.w
	w.busy = false
	p.executions++
	p.windowExecutions++
	p.windowDurationMs += durationMs
	if taskErr != nil {
		p.failures++
		p.windowFailures++
	} else {
		p.successes++
		p.windowSuccesses++
	}
	terminate := w.unhealthy
	if !terminate {
		w.meta.Status = v1.AgentStatusIdle
		p.idle = append(p.idle, w)
	}
	p.mu.Unlock()

	defer p.sem.Release(1)

	if terminate {
		return p.terminate(ctx, w)
	}
	if err := p.store.UpdateAgentStatus(ctx, w.meta.ID, v1.AgentStatusIdle); err != nil {
		p.logger.Warn("failed to persist idle status", zap.String("agent_id", w.meta.ID), zap.Error(err))
	}
	return nil
}

// Terminate removes a worker by id.
func (p *Pool) Terminate(ctx context.Context, agentID string) error {
	p.mu.Lock()
	w, ok := p.workers[agentID]
	p.mu.Unlock()
	if !ok {
		return errors.NotFound("agent", agentID)
	}
	return p.terminate(ctx, w)
}

func (p *Pool) terminate(ctx context.Context, w *worker) error {
	p.mu.Lock()
	if _, ok := p.workers[w.meta.ID]; !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.workers, w.meta.ID)
	for i, idle := range p.idle {
		if idle == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.cfg.TotalTerminated++
	p.cfg.CurrentAgentCount--
	p.mu.Unlock()

	w.meta.Status = v1.AgentStatusTerminated
	if err := p.store.TerminateAgent(ctx, w.meta.ID); err != nil {
		return err
	}
	p.logger.Info("terminated agent", zap.String("agent_id", w.meta.ID))
	return nil
}

// RecordUsage accounts model token usage for the metrics window.
func (p *Pool) RecordUsage(model string, tokens int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.windowTokens[model] += int64(tokens)
	p.windowRequests++
}

// Stats reports the live view of the pool.
func (p *Pool) Stats() v1.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := v1.PoolStats{
		PoolID:     p.cfg.ID,
		Name:       p.cfg.Name,
		Total:      len(p.workers),
		Executions: p.executions,
		Successes:  p.successes,
		Failures:   p.failures,
	}
	for _, w := range p.workers {
		switch {
		case w.unhealthy:
			stats.Unhealthy++
		case w.busy:
			stats.Busy++
		default:
			stats.Idle++
		}
	}
	return stats
}

// Config returns a copy of the pool's persisted record with live
// counters.
func (p *Pool) Config() v1.AgentPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := *p.cfg
	cfg.AllowedPersonas = append([]string(nil), p.cfg.AllowedPersonas...)
	return cfg
}

// Snapshot cuts the current metrics window into an append-only record
// and starts a fresh window.
func (p *Pool) Snapshot(ctx context.Context) (*v1.PoolMetricsSnapshot, error) {
	p.mu.Lock()
	now := time.Now().UTC()
	snapshot := &v1.PoolMetricsSnapshot{
		ID:            uuid.New().String(),
		PoolID:        p.cfg.ID,
		WindowStart:   p.windowStart,
		WindowEnd:     now,
		TokensByModel: p.windowTokens,
		RequestCount:  p.windowRequests,
		PeakAgents:    p.peakAgents,
		AvgAgents:     float64(len(p.workers)),
		Executions:    p.windowExecutions,
		Successes:     p.windowSuccesses,
		Failures:      p.windowFailures,
	}
	for _, tokens := range p.windowTokens {
		snapshot.TotalTokens += tokens
	}
	if p.windowExecutions > 0 {
		snapshot.AvgDurationMs = p.windowDurationMs / float64(p.windowExecutions)
	}

	p.windowStart = now
	p.windowTokens = make(map[string]int64)
	p.windowRequests = 0
	p.windowExecutions = 0
	p.windowSuccesses = 0
	p.windowFailures = 0
	p.windowDurationMs = 0
	p.peakAgents = len(p.workers)
	p.mu.Unlock()

	if err := p.store.SaveSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// HealthCheck pings every worker once. Idle workers that fail beyond
// tolerance are terminated immediately; busy ones are drained on
// release.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.Lock()
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		err := p.pinger(ctx, w.agent)

		p.mu.Lock()
		if err == nil {
			if w.unhealthy && !w.busy {
				w.meta.Status = v1.AgentStatusIdle
			}
			w.healthFailures = 0
			w.unhealthy = false
			p.mu.Unlock()
			continue
		}

		w.healthFailures++
		w.unhealthy = true
		w.meta.Status = v1.AgentStatusUnhealthy
		failures := w.healthFailures
		busy := w.busy
		p.mu.Unlock()

		p.logger.Warn("health check failed",
			zap.String("agent_id", w.meta.ID),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
		if updateErr := p.store.UpdateAgentStatus(ctx, w.meta.ID, v1.AgentStatusUnhealthy); updateErr != nil {
			p.logger.Warn("failed to persist unhealthy status", zap.String("agent_id", w.meta.ID), zap.Error(updateErr))
		}

		if failures >= healthFailureTolerance && !busy {
			if termErr := p.terminate(ctx, w); termErr != nil {
				p.logger.Warn("failed to terminate unhealthy agent",
					zap.String("agent_id", w.meta.ID), zap.Error(termErr))
			}
		}
	}
}

func (p *Pool) healthLoop(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			p.HealthCheck(ctx)
			cancel()
		}
	}
}

func (p *Pool) checkPersona(personaID string) error {
	if personaID == "" || len(p.cfg.AllowedPersonas) == 0 {
		return nil
	}
	for _, allowed := range p.cfg.AllowedPersonas {
		if allowed == personaID {
			return nil
		}
	}
	return errors.Validation(fmt.Sprintf("persona %s is not allowed in pool %s", personaID, p.cfg.Name))
}
