package pool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/db"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// SQLStore persists pools and agents relationally. Pool counters move
// in the same transaction as the agent row, so the spawn/terminate
// identity holds at every commit point.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an opened pool and initializes the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize pool schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_pools (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL,
		max_agents INTEGER NOT NULL,
		health_check_interval INTEGER NOT NULL DEFAULT 30,
		current_agent_count INTEGER NOT NULL DEFAULT 0,
		total_spawned INTEGER NOT NULL DEFAULT 0,
		total_terminated INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		allowed_personas TEXT NOT NULL DEFAULT '[]',
		llm_model TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		pool_id TEXT NOT NULL REFERENCES agent_pools(id),
		project_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		persona_id TEXT NOT NULL DEFAULT '',
		spawned_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_pool ON agents(pool_id);

	CREATE TABLE IF NOT EXISTS agent_pool_metrics (
		id TEXT PRIMARY KEY,
		pool_id TEXT NOT NULL,
		window_start TIMESTAMP NOT NULL,
		window_end TIMESTAMP NOT NULL,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		tokens_by_model TEXT NOT NULL DEFAULT '{}',
		request_count INTEGER NOT NULL DEFAULT 0,
		peak_agents INTEGER NOT NULL DEFAULT 0,
		avg_agents REAL NOT NULL DEFAULT 0,
		executions INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		avg_duration_ms REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pool_metrics_pool ON agent_pool_metrics(pool_id, created_at);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

type poolRow struct {
	ID                  string    `db:"id"`
	Name                string    `db:"name"`
	Role                string    `db:"role"`
	MaxAgents           int       `db:"max_agents"`
	HealthCheckInterval int       `db:"health_check_interval"`
	CurrentAgentCount   int       `db:"current_agent_count"`
	TotalSpawned        int       `db:"total_spawned"`
	TotalTerminated     int       `db:"total_terminated"`
	IsActive            bool      `db:"is_active"`
	AllowedPersonas     string    `db:"allowed_personas"`
	LLMModel            string    `db:"llm_model"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

func (r *poolRow) toModel() (*v1.AgentPool, error) {
	pool := &v1.AgentPool{
		ID:                  r.ID,
		Name:                r.Name,
		Role:                v1.AgentRole(r.Role),
		MaxAgents:           r.MaxAgents,
		HealthCheckInterval: r.HealthCheckInterval,
		CurrentAgentCount:   r.CurrentAgentCount,
		TotalSpawned:        r.TotalSpawned,
		TotalTerminated:     r.TotalTerminated,
		IsActive:            r.IsActive,
		LLMModel:            r.LLMModel,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.AllowedPersonas), &pool.AllowedPersonas); err != nil {
		return nil, fmt.Errorf("failed to decode allowed personas: %w", err)
	}
	return pool, nil
}

type agentRow struct {
	ID         string    `db:"id"`
	PoolID     string    `db:"pool_id"`
	ProjectID  string    `db:"project_id"`
	Role       string    `db:"role"`
	Name       string    `db:"name"`
	Status     string    `db:"status"`
	PersonaID  string    `db:"persona_id"`
	SpawnedAt  time.Time `db:"spawned_at"`
	LastSeenAt time.Time `db:"last_seen_at"`
}

func (r *agentRow) toModel() *v1.Agent {
	return &v1.Agent{
		ID:         r.ID,
		PoolID:     r.PoolID,
		ProjectID:  r.ProjectID,
		Role:       v1.AgentRole(r.Role),
		Name:       r.Name,
		Status:     v1.AgentStatus(r.Status),
		PersonaID:  r.PersonaID,
		SpawnedAt:  r.SpawnedAt,
		LastSeenAt: r.LastSeenAt,
	}
}

func (s *SQLStore) CreatePool(ctx context.Context, pool *v1.AgentPool) error {
	personas, err := json.Marshal(pool.AllowedPersonas)
	if err != nil {
		return fmt.Errorf("failed to encode allowed personas: %w", err)
	}
	now := time.Now().UTC()
	pool.CreatedAt = now
	pool.UpdatedAt = now

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO agent_pools (id, name, role, max_agents, health_check_interval,
			current_agent_count, total_spawned, total_terminated, is_active,
			allowed_personas, llm_model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		pool.ID, pool.Name, string(pool.Role), pool.MaxAgents, pool.HealthCheckInterval,
		pool.CurrentAgentCount, pool.TotalSpawned, pool.TotalTerminated, pool.IsActive,
		string(personas), pool.LLMModel, now, now)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	return nil
}

func (s *SQLStore) getPoolBy(ctx context.Context, column, value string) (*v1.AgentPool, error) {
	ro := s.pool.Reader()
	var row poolRow
	err := ro.GetContext(ctx, &row, ro.Rebind(
		`SELECT * FROM agent_pools WHERE `+column+` = ?`), value)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("pool", value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pool: %w", err)
	}
	return row.toModel()
}

func (s *SQLStore) GetPool(ctx context.Context, id string) (*v1.AgentPool, error) {
	return s.getPoolBy(ctx, "id", id)
}

func (s *SQLStore) GetPoolByName(ctx context.Context, name string) (*v1.AgentPool, error) {
	return s.getPoolBy(ctx, "name", name)
}

func (s *SQLStore) ListPools(ctx context.Context) ([]*v1.AgentPool, error) {
	ro := s.pool.Reader()
	var rows []poolRow
	if err := ro.SelectContext(ctx, &rows, `SELECT * FROM agent_pools ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	out := make([]*v1.AgentPool, 0, len(rows))
	for i := range rows {
		pool, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, pool)
	}
	return out, nil
}

func (s *SQLStore) SetPoolActive(ctx context.Context, id string, active bool) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(
		`UPDATE agent_pools SET is_active = ?, updated_at = ? WHERE id = ?`),
		active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update pool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("pool", id)
	}
	return nil
}

func (s *SQLStore) SpawnAgent(ctx context.Context, agent *v1.Agent) error {
	now := time.Now().UTC()
	agent.SpawnedAt = now
	agent.LastSeenAt = now

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE agent_pools
			SET total_spawned = total_spawned + 1,
				current_agent_count = current_agent_count + 1,
				updated_at = ?
			WHERE id = ?`), now, agent.PoolID)
		if err != nil {
			return fmt.Errorf("failed to bump spawn counters: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NotFound("pool", agent.PoolID)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO agents (id, pool_id, project_id, role, name, status, persona_id, spawned_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			agent.ID, agent.PoolID, agent.ProjectID, string(agent.Role), agent.Name,
			string(agent.Status), agent.PersonaID, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert agent: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) TerminateAgent(ctx context.Context, agentID string) error {
	now := time.Now().UTC()

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row agentRow
		err := tx.GetContext(ctx, &row, tx.Rebind(
			`SELECT * FROM agents WHERE id = ?`), agentID)
		if err == sql.ErrNoRows {
			return errors.NotFound("agent", agentID)
		}
		if err != nil {
			return fmt.Errorf("failed to load agent: %w", err)
		}
		if v1.AgentStatus(row.Status) == v1.AgentStatusTerminated {
			return nil
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE agents SET status = ?, last_seen_at = ? WHERE id = ?`),
			string(v1.AgentStatusTerminated), now, agentID); err != nil {
			return fmt.Errorf("failed to terminate agent: %w", err)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE agent_pools
			SET total_terminated = total_terminated + 1,
				current_agent_count = current_agent_count - 1,
				updated_at = ?
			WHERE id = ?`), now, row.PoolID); err != nil {
			return fmt.Errorf("failed to bump termination counters: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) UpdateAgentStatus(ctx context.Context, agentID string, status v1.AgentStatus) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(
		`UPDATE agents SET status = ?, last_seen_at = ? WHERE id = ?`),
		string(status), time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("agent", agentID)
	}
	return nil
}

func (s *SQLStore) ListAgents(ctx context.Context, poolID string) ([]*v1.Agent, error) {
	ro := s.pool.Reader()
	var rows []agentRow
	err := ro.SelectContext(ctx, &rows, ro.Rebind(
		`SELECT * FROM agents WHERE pool_id = ? ORDER BY spawned_at`), poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	out := make([]*v1.Agent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *SQLStore) CountActiveByPersona(ctx context.Context, personaID string) (int, error) {
	ro := s.pool.Reader()
	var count int
	err := ro.GetContext(ctx, &count, ro.Rebind(
		`SELECT COUNT(*) FROM agents WHERE persona_id = ? AND status != ?`),
		personaID, string(v1.AgentStatusTerminated))
	if err != nil {
		return 0, fmt.Errorf("failed to count persona references: %w", err)
	}
	return count, nil
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, snapshot *v1.PoolMetricsSnapshot) error {
	tokens, err := json.Marshal(snapshot.TokensByModel)
	if err != nil {
		return fmt.Errorf("failed to encode token map: %w", err)
	}
	snapshot.CreatedAt = time.Now().UTC()

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO agent_pool_metrics (id, pool_id, window_start, window_end,
			total_tokens, tokens_by_model, request_count, peak_agents, avg_agents,
			executions, successes, failures, avg_duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		snapshot.ID, snapshot.PoolID, snapshot.WindowStart, snapshot.WindowEnd,
		snapshot.TotalTokens, string(tokens), snapshot.RequestCount,
		snapshot.PeakAgents, snapshot.AvgAgents, snapshot.Executions,
		snapshot.Successes, snapshot.Failures, snapshot.AvgDurationMs, snapshot.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSnapshots(ctx context.Context, poolID string, since time.Time) ([]*v1.PoolMetricsSnapshot, error) {
	ro := s.pool.Reader()
	type snapshotRow struct {
		ID            string    `db:"id"`
		PoolID        string    `db:"pool_id"`
		WindowStart   time.Time `db:"window_start"`
		WindowEnd     time.Time `db:"window_end"`
		TotalTokens   int64     `db:"total_tokens"`
		TokensByModel string    `db:"tokens_by_model"`
		RequestCount  int64     `db:"request_count"`
		PeakAgents    int       `db:"peak_agents"`
		AvgAgents     float64   `db:"avg_agents"`
		Executions    int64     `db:"executions"`
		Successes     int64     `db:"successes"`
		Failures      int64     `db:"failures"`
		AvgDurationMs float64   `db:"avg_duration_ms"`
		CreatedAt     time.Time `db:"created_at"`
	}

	var rows []snapshotRow
	err := ro.SelectContext(ctx, &rows, ro.Rebind(`
		SELECT * FROM agent_pool_metrics
		WHERE pool_id = ? AND created_at >= ?
		ORDER BY created_at`), poolID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	out := make([]*v1.PoolMetricsSnapshot, 0, len(rows))
	for i := range rows {
		r := rows[i]
		snapshot := &v1.PoolMetricsSnapshot{
			ID:            r.ID,
			PoolID:        r.PoolID,
			WindowStart:   r.WindowStart,
			WindowEnd:     r.WindowEnd,
			TotalTokens:   r.TotalTokens,
			RequestCount:  r.RequestCount,
			PeakAgents:    r.PeakAgents,
			AvgAgents:     r.AvgAgents,
			Executions:    r.Executions,
			Successes:     r.Successes,
			Failures:      r.Failures,
			AvgDurationMs: r.AvgDurationMs,
			CreatedAt:     r.CreatedAt,
		}
		if err := json.Unmarshal([]byte(r.TokensByModel), &snapshot.TokensByModel); err != nil {
			return nil, fmt.Errorf("failed to decode token map: %w", err)
		}
		out = append(out, snapshot)
	}
	return out, nil
}

func (s *SQLStore) PruneSnapshots(ctx context.Context, olderThan time.Time) (int, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(
		`DELETE FROM agent_pool_metrics WHERE created_at < ?`), olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}
