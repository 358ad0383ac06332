package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/db"
)

// SQLStore persists checkpoints in the relational store so suspended
// runs survive restarts.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an opened pool and initializes the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS graph_checkpoints (
		thread_id TEXT PRIMARY KEY,
		graph TEXT NOT NULL,
		node TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT '{}',
		path TEXT NOT NULL DEFAULT '[]',
		pending_interrupt BOOLEAN NOT NULL DEFAULT FALSE,
		reason TEXT NOT NULL DEFAULT '',
		saved_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

type checkpointRow struct {
	ThreadID         string    `db:"thread_id"`
	Graph            string    `db:"graph"`
	Node             string    `db:"node"`
	State            string    `db:"state"`
	Path             string    `db:"path"`
	PendingInterrupt bool      `db:"pending_interrupt"`
	Reason           string    `db:"reason"`
	SavedAt          time.Time `db:"saved_at"`
}

// Save upserts the thread's checkpoint.
func (s *SQLStore) Save(ctx context.Context, cp *Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint state: %w", err)
	}
	path, err := json.Marshal(cp.Path)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint path: %w", err)
	}
	now := time.Now().UTC()

	w := s.pool.Writer()
	// Same upsert shape works on SQLite and PostgreSQL.
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO graph_checkpoints (thread_id, graph, node, state, path, pending_interrupt, reason, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			graph = excluded.graph,
			node = excluded.node,
			state = excluded.state,
			path = excluded.path,
			pending_interrupt = excluded.pending_interrupt,
			reason = excluded.reason,
			saved_at = excluded.saved_at`),
		cp.ThreadID, cp.Graph, cp.Node, string(state), string(path),
		cp.PendingInterrupt, cp.Reason, now)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	cp.SavedAt = now
	return nil
}

// Load returns the thread's checkpoint.
func (s *SQLStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	ro := s.pool.Reader()
	var row checkpointRow
	err := ro.GetContext(ctx, &row, ro.Rebind(
		`SELECT * FROM graph_checkpoints WHERE thread_id = ?`), threadID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("checkpoint", threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}

	cp := &Checkpoint{
		ThreadID:         row.ThreadID,
		Graph:            row.Graph,
		Node:             row.Node,
		PendingInterrupt: row.PendingInterrupt,
		Reason:           row.Reason,
		SavedAt:          row.SavedAt,
	}
	if err := json.Unmarshal([]byte(row.State), &cp.State); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Path), &cp.Path); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint path: %w", err)
	}
	return cp, nil
}

// Delete removes the thread's checkpoint.
func (s *SQLStore) Delete(ctx context.Context, threadID string) error {
	w := s.pool.Writer()
	if _, err := w.ExecContext(ctx, w.Rebind(
		`DELETE FROM graph_checkpoints WHERE thread_id = ?`), threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}
