// Package monitor is the background coordinator that watches agent
// pools: on a cadence it collects stats, logs them, cuts metrics
// snapshots, and prunes snapshots past retention. It never owns
// agents; collection failures are logged and the loop keeps going.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/pool"
)

// Monitor periodically samples a pool manager.
type Monitor struct {
	manager  *pool.Manager
	interval time.Duration
	retain   time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a monitor over the manager's pools.
func New(manager *pool.Manager, cfg config.MetricsConfig, log *logger.Logger) *Monitor {
	interval := time.Duration(cfg.SnapshotInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	retain := time.Duration(cfg.Retention) * 24 * time.Hour
	if retain <= 0 {
		retain = 7 * 24 * time.Hour
	}
	return &Monitor{
		manager:  manager,
		interval: interval,
		retain:   retain,
		logger:   log.WithFields(zap.String("component", "monitor")),
	}
}

// Start launches the sampling loop. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.loop()
	m.logger.Info("monitor started", zap.Duration("interval", m.interval))
}

// Stop halts the loop and waits for it. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("monitor stopped")
}

// Running reports whether the loop is live.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.Collect(ctx)
			cancel()
		}
	}
}

// Collect samples every pool once: logs stats, cuts a snapshot, and
// prunes expired snapshots. Exposed so operators and tests can force a
// sample.
func (m *Monitor) Collect(ctx context.Context) {
	pruned := false
	for _, p := range m.manager.Pools() {
		stats := p.Stats()
		m.logger.Info("pool stats",
			zap.String("pool", stats.Name),
			zap.Int("total", stats.Total),
			zap.Int("busy", stats.Busy),
			zap.Int("idle", stats.Idle),
			zap.Int("unhealthy", stats.Unhealthy),
			zap.Int64("executions", stats.Executions),
			zap.Int64("failures", stats.Failures))

		if _, err := p.Snapshot(ctx); err != nil {
			m.logger.Warn("failed to snapshot pool",
				zap.String("pool", stats.Name), zap.Error(err))
		}

		if !pruned {
			pruned = true
			if n, err := m.manager.PruneSnapshots(ctx, time.Now().UTC().Add(-m.retain)); err != nil {
				m.logger.Warn("failed to prune snapshots", zap.Error(err))
			} else if n > 0 {
				m.logger.Info("pruned expired snapshots", zap.Int("count", n))
			}
		}
	}
}
