package persona

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/db"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// SQLStore is the relational Store.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an opened pool and initializes the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize persona schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	w := s.pool.Writer()
	schema := `
	CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		traits TEXT NOT NULL DEFAULT '[]',
		system_prompt TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (name, role)
	);
	`
	_, err := w.Exec(schema)
	return err
}

type personaRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Role         string    `db:"role"`
	Description  string    `db:"description"`
	Traits       string    `db:"traits"`
	SystemPrompt string    `db:"system_prompt"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (row *personaRow) toModel() (*v1.Persona, error) {
	p := &v1.Persona{
		ID:           row.ID,
		Name:         row.Name,
		Role:         v1.AgentRole(row.Role),
		Description:  row.Description,
		SystemPrompt: row.SystemPrompt,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Traits), &p.Traits); err != nil {
		return nil, fmt.Errorf("failed to decode traits: %w", err)
	}
	return p, nil
}

func (s *SQLStore) Create(ctx context.Context, p *v1.Persona) error {
	if _, err := s.GetByNameRole(ctx, p.Name, p.Role); err == nil {
		return errors.Conflict("persona " + p.Name + " already exists for role " + string(p.Role))
	} else if !errors.IsNotFound(err) {
		return err
	}

	traits, err := json.Marshal(p.Traits)
	if err != nil {
		return fmt.Errorf("failed to encode traits: %w", err)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO personas (id, name, role, description, traits, system_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.Name, string(p.Role), p.Description, string(traits), p.SystemPrompt,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert persona: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*v1.Persona, error) {
	ro := s.pool.Reader()
	var row personaRow
	err := ro.GetContext(ctx, &row, ro.Rebind(`SELECT * FROM personas WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("persona", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query persona: %w", err)
	}
	return row.toModel()
}

func (s *SQLStore) GetByNameRole(ctx context.Context, name string, role v1.AgentRole) (*v1.Persona, error) {
	ro := s.pool.Reader()
	var row personaRow
	err := ro.GetContext(ctx, &row, ro.Rebind(
		`SELECT * FROM personas WHERE name = ? AND role = ?`), name, string(role))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("persona", name+"/"+string(role))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query persona: %w", err)
	}
	return row.toModel()
}

func (s *SQLStore) Update(ctx context.Context, p *v1.Persona) error {
	if existing, err := s.GetByNameRole(ctx, p.Name, p.Role); err == nil && existing.ID != p.ID {
		return errors.Conflict("persona " + p.Name + " already exists for role " + string(p.Role))
	} else if err != nil && !errors.IsNotFound(err) {
		return err
	}

	traits, err := json.Marshal(p.Traits)
	if err != nil {
		return fmt.Errorf("failed to encode traits: %w", err)
	}

	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE personas SET name = ?, role = ?, description = ?, traits = ?, system_prompt = ?, updated_at = ?
		WHERE id = ?`),
		p.Name, string(p.Role), p.Description, string(traits), p.SystemPrompt,
		time.Now().UTC(), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("persona", p.ID)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM personas WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("persona", id)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, role v1.AgentRole) ([]*v1.Persona, error) {
	ro := s.pool.Reader()
	query := `SELECT * FROM personas`
	var args []interface{}
	if role != "" {
		query += ` WHERE role = ?`
		args = append(args, string(role))
	}
	query += ` ORDER BY role, name`

	var rows []personaRow
	if err := ro.SelectContext(ctx, &rows, ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list personas: %w", err)
	}
	out := make([]*v1.Persona, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}
