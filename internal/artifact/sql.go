package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/db"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// SQLStore is the relational artifact store.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an opened pool and initializes the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize artifact schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		reviewer TEXT NOT NULL DEFAULT '',
		review_feedback TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		reviewed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_project ON artifacts(project_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_scope ON artifacts(project_id, type, title);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

type artifactRow struct {
	ID             string       `db:"id"`
	ProjectID      string       `db:"project_id"`
	AgentID        string       `db:"agent_id"`
	AgentName      string       `db:"agent_name"`
	Type           string       `db:"type"`
	Title          string       `db:"title"`
	Description    string       `db:"description"`
	Content        string       `db:"content"`
	Version        int          `db:"version"`
	ParentID       string       `db:"parent_id"`
	Status         string       `db:"status"`
	Tags           string       `db:"tags"`
	Reviewer       string       `db:"reviewer"`
	ReviewFeedback string       `db:"review_feedback"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
	ReviewedAt     sql.NullTime `db:"reviewed_at"`
}

func (row *artifactRow) toModel() (*v1.Artifact, error) {
	a := &v1.Artifact{
		ID:             row.ID,
		ProjectID:      row.ProjectID,
		AgentID:        row.AgentID,
		AgentName:      row.AgentName,
		Type:           v1.ArtifactType(row.Type),
		Title:          row.Title,
		Description:    row.Description,
		Version:        row.Version,
		ParentID:       row.ParentID,
		Status:         v1.ArtifactStatus(row.Status),
		Reviewer:       row.Reviewer,
		ReviewFeedback: row.ReviewFeedback,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if row.ReviewedAt.Valid {
		t := row.ReviewedAt.Time
		a.ReviewedAt = &t
	}
	if err := json.Unmarshal([]byte(row.Content), &a.Content); err != nil {
		return nil, fmt.Errorf("failed to decode artifact content: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode artifact tags: %w", err)
	}
	return a, nil
}

func encodeArtifact(a *v1.Artifact) (content, tags string, err error) {
	c, err := json.Marshal(a.Content)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode artifact content: %w", err)
	}
	t, err := json.Marshal(a.Tags)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode artifact tags: %w", err)
	}
	return string(c), string(t), nil
}

// Create inserts a new artifact at the next version of its scope.
func (s *SQLStore) Create(ctx context.Context, artifact *v1.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	if artifact.Status == "" {
		artifact.Status = v1.ArtifactStatusDraft
	}
	if artifact.Content == nil {
		artifact.Content = map[string]interface{}{}
	}
	content, tags, err := encodeArtifact(artifact)
	if err != nil {
		return err
	}

	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion sql.NullInt64
	err = tx.GetContext(ctx, &maxVersion, tx.Rebind(
		`SELECT MAX(version) FROM artifacts WHERE project_id = ? AND type = ? AND title = ?`),
		artifact.ProjectID, string(artifact.Type), artifact.Title)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to resolve artifact version: %w", err)
	}
	artifact.Version = int(maxVersion.Int64) + 1

	now := time.Now().UTC()
	artifact.CreatedAt = now
	artifact.UpdatedAt = now

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO artifacts (id, project_id, agent_id, agent_name, type, title, description,
			content, version, parent_id, status, tags, reviewer, review_feedback, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		artifact.ID, artifact.ProjectID, artifact.AgentID, artifact.AgentName,
		string(artifact.Type), artifact.Title, artifact.Description,
		content, artifact.Version, artifact.ParentID, string(artifact.Status), tags,
		artifact.Reviewer, artifact.ReviewFeedback, artifact.CreatedAt, artifact.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit artifact: %w", err)
	}
	return nil
}

// CreateVersion archives the parent and inserts the child in one
// transaction.
func (s *SQLStore) CreateVersion(ctx context.Context, parentID string, content map[string]interface{}) (*v1.Artifact, error) {
	w := s.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row artifactRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT * FROM artifacts WHERE id = ?`), parentID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("artifact", parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query parent artifact: %w", err)
	}
	parent, err := row.toModel()
	if err != nil {
		return nil, err
	}
	if parent.Status == v1.ArtifactStatusArchived {
		return nil, errors.Conflict("artifact " + parentID + " is archived; version from the chain head")
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE artifacts SET status = ?, updated_at = ? WHERE id = ?`),
		string(v1.ArtifactStatusArchived), now, parentID); err != nil {
		return nil, fmt.Errorf("failed to archive parent artifact: %w", err)
	}

	child := &v1.Artifact{
		ID:          uuid.New().String(),
		ProjectID:   parent.ProjectID,
		AgentID:     parent.AgentID,
		AgentName:   parent.AgentName,
		Type:        parent.Type,
		Title:       parent.Title,
		Description: parent.Description,
		Content:     content,
		Version:     parent.Version + 1,
		ParentID:    parent.ID,
		Status:      v1.ArtifactStatusDraft,
		Tags:        parent.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	childContent, childTags, err := encodeArtifact(child)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO artifacts (id, project_id, agent_id, agent_name, type, title, description,
			content, version, parent_id, status, tags, reviewer, review_feedback, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		child.ID, child.ProjectID, child.AgentID, child.AgentName,
		string(child.Type), child.Title, child.Description,
		childContent, child.Version, child.ParentID, string(child.Status), childTags,
		"", "", child.CreatedAt, child.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert artifact version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit artifact version: %w", err)
	}
	return child, nil
}

// UpdateStatus moves an artifact through its review lifecycle.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status v1.ArtifactStatus, reviewer, feedback string) (*v1.Artifact, error) {
	if !v1.ValidArtifactStatus(status) {
		return nil, errors.Validation("unknown artifact status: " + string(status))
	}

	now := time.Now().UTC()
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE artifacts SET status = ?, reviewer = ?, review_feedback = ?, reviewed_at = ?, updated_at = ?
		WHERE id = ?`),
		string(status), reviewer, feedback, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update artifact status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.NotFound("artifact", id)
	}
	return s.Get(ctx, id)
}

// Get loads an artifact by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*v1.Artifact, error) {
	ro := s.pool.Reader()
	var row artifactRow
	err := ro.GetContext(ctx, &row, ro.Rebind(`SELECT * FROM artifacts WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("artifact", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query artifact: %w", err)
	}
	return row.toModel()
}

// Latest returns the newest non-archived artifact of a type, optionally
// narrowed by title. Returns nil when none exists.
func (s *SQLStore) Latest(ctx context.Context, projectID string, artifactType v1.ArtifactType, title string) (*v1.Artifact, error) {
	query := `SELECT * FROM artifacts WHERE project_id = ? AND type = ? AND status != ?`
	args := []interface{}{projectID, string(artifactType), string(v1.ArtifactStatusArchived)}
	if title != "" {
		query += ` AND title = ?`
		args = append(args, title)
	}
	query += ` ORDER BY created_at DESC, version DESC LIMIT 1`

	ro := s.pool.Reader()
	var row artifactRow
	err := ro.GetContext(ctx, &row, ro.Rebind(query), args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest artifact: %w", err)
	}
	return row.toModel()
}

// ListByProject returns all artifacts of a project, newest first.
func (s *SQLStore) ListByProject(ctx context.Context, projectID string) ([]*v1.Artifact, error) {
	ro := s.pool.Reader()
	var rows []artifactRow
	if err := ro.SelectContext(ctx, &rows, ro.Rebind(
		`SELECT * FROM artifacts WHERE project_id = ? ORDER BY created_at DESC, version DESC`), projectID); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	out := make([]*v1.Artifact, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// DeleteByType removes all artifacts of a type in a project.
func (s *SQLStore) DeleteByType(ctx context.Context, projectID string, artifactType v1.ArtifactType) (int, error) {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(
		`DELETE FROM artifacts WHERE project_id = ? AND type = ?`), projectID, string(artifactType))
	if err != nil {
		return 0, fmt.Errorf("failed to delete artifacts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}
