package story

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

// SQLRepository is the relational Repository. It runs on SQLite for
// single-node deployments and PostgreSQL when a host is configured.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository wraps an opened pool and initializes the schema.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	repo := &SQLRepository{pool: pool}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize story schema: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) initSchema() error {
	w := r.pool.Writer()
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		tech_stack TEXT NOT NULL DEFAULT '[]',
		wip_config TEXT NOT NULL DEFAULT '{}',
		active_agent_id TEXT NOT NULL DEFAULT '',
		has_presence BOOLEAN NOT NULL DEFAULT FALSE,
		workspace_path TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS epics (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		epic_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		acceptance_criteria TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'Medium',
		points INTEGER NOT NULL DEFAULT 0,
		blocked BOOLEAN NOT NULL DEFAULT FALSE,
		blocked_reason TEXT NOT NULL DEFAULT '',
		assignee_id TEXT NOT NULL DEFAULT '',
		sprint_id TEXT NOT NULL DEFAULT '',
		rank INTEGER NOT NULL DEFAULT 0,
		status_changed_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stories_project ON stories(project_id);
	CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(project_id, status);
	CREATE INDEX IF NOT EXISTS idx_stories_epic ON stories(epic_id);
	CREATE INDEX IF NOT EXISTS idx_stories_rank ON stories(project_id, status, rank);

	CREATE TABLE IF NOT EXISTS story_status_history (
		id ` + db.AutoIncrementPK(w.DriverName()) + `,
		story_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		changed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_project ON story_status_history(project_id, changed_at);
	`
	_, err := w.Exec(schema)
	return err
}

type projectRow struct {
	ID            string       `db:"id"`
	Name          string       `db:"name"`
	TechStack     string       `db:"tech_stack"`
	WIPConfig     string       `db:"wip_config"`
	ActiveAgentID string       `db:"active_agent_id"`
	HasPresence   bool         `db:"has_presence"`
	WorkspacePath string       `db:"workspace_path"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
	DeletedAt     sql.NullTime `db:"deleted_at"`
}

func (row *projectRow) toModel() (*v1.Project, error) {
	p := &v1.Project{
		ID:            row.ID,
		Name:          row.Name,
		ActiveAgentID: row.ActiveAgentID,
		HasPresence:   row.HasPresence,
		WorkspacePath: row.WorkspacePath,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if row.DeletedAt.Valid {
		t := row.DeletedAt.Time
		p.DeletedAt = &t
	}
	if err := json.Unmarshal([]byte(row.TechStack), &p.TechStack); err != nil {
		return nil, fmt.Errorf("failed to decode tech_stack: %w", err)
	}
	if err := json.Unmarshal([]byte(row.WIPConfig), &p.WIPConfig); err != nil {
		return nil, fmt.Errorf("failed to decode wip_config: %w", err)
	}
	return p, nil
}

// CreateProject inserts a project.
func (r *SQLRepository) CreateProject(ctx context.Context, project *v1.Project) error {
	techStack, err := json.Marshal(project.TechStack)
	if err != nil {
		return fmt.Errorf("failed to encode tech_stack: %w", err)
	}
	wipConfig, err := json.Marshal(project.WIPConfig)
	if err != nil {
		return fmt.Errorf("failed to encode wip_config: %w", err)
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	w := r.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO projects (id, name, tech_stack, wip_config, active_agent_id, has_presence, workspace_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		project.ID, project.Name, string(techStack), string(wipConfig),
		project.ActiveAgentID, project.HasPresence, project.WorkspacePath,
		project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// GetProject loads a project by id; soft-deleted projects are invisible.
func (r *SQLRepository) GetProject(ctx context.Context, id string) (*v1.Project, error) {
	ro := r.pool.Reader()
	var row projectRow
	err := ro.GetContext(ctx, &row, ro.Rebind(`SELECT * FROM projects WHERE id = ? AND deleted_at IS NULL`), id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	return row.toModel()
}

// UpdateProject updates a project's mutable fields.
func (r *SQLRepository) UpdateProject(ctx context.Context, project *v1.Project) error {
	techStack, err := json.Marshal(project.TechStack)
	if err != nil {
		return fmt.Errorf("failed to encode tech_stack: %w", err)
	}
	wipConfig, err := json.Marshal(project.WIPConfig)
	if err != nil {
		return fmt.Errorf("failed to encode wip_config: %w", err)
	}

	w := r.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE projects SET name = ?, tech_stack = ?, wip_config = ?, active_agent_id = ?,
			has_presence = ?, workspace_path = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`),
		project.Name, string(techStack), string(wipConfig), project.ActiveAgentID,
		project.HasPresence, project.WorkspacePath, time.Now().UTC(), project.ID)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("project", project.ID)
	}
	return nil
}

// ListProjects returns all live projects.
func (r *SQLRepository) ListProjects(ctx context.Context) ([]*v1.Project, error) {
	ro := r.pool.Reader()
	var rows []projectRow
	if err := ro.SelectContext(ctx, &rows, `SELECT * FROM projects WHERE deleted_at IS NULL ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	out := make([]*v1.Project, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type storyRow struct {
	ID                 string    `db:"id"`
	ProjectID          string    `db:"project_id"`
	EpicID             string    `db:"epic_id"`
	Title              string    `db:"title"`
	Description        string    `db:"description"`
	AcceptanceCriteria string    `db:"acceptance_criteria"`
	Status             string    `db:"status"`
	Priority           string    `db:"priority"`
	Points             int       `db:"points"`
	Blocked            bool      `db:"blocked"`
	BlockedReason      string    `db:"blocked_reason"`
	AssigneeID         string    `db:"assignee_id"`
	SprintID           string    `db:"sprint_id"`
	Rank               int       `db:"rank"`
	StatusChangedAt    time.Time `db:"status_changed_at"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func (row *storyRow) toModel() (*v1.Story, error) {
	s := &v1.Story{
		ID:              row.ID,
		ProjectID:       row.ProjectID,
		EpicID:          row.EpicID,
		Title:           row.Title,
		Description:     row.Description,
		Status:          v1.StoryStatus(row.Status),
		Priority:        v1.StoryPriority(row.Priority),
		Points:          row.Points,
		Blocked:         row.Blocked,
		BlockedReason:   row.BlockedReason,
		AssigneeID:      row.AssigneeID,
		SprintID:        row.SprintID,
		Rank:            row.Rank,
		StatusChangedAt: row.StatusChangedAt,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.AcceptanceCriteria), &s.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("failed to decode acceptance_criteria: %w", err)
	}
	return s, nil
}

// CreateStory inserts a story, defaulting status to Backlog.
func (r *SQLRepository) CreateStory(ctx context.Context, story *v1.Story) error {
	if story.Status == "" {
		story.Status = v1.StoryStatusBacklog
	}
	if story.Priority == "" {
		story.Priority = v1.PriorityMedium
	}
	criteria, err := json.Marshal(story.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("failed to encode acceptance_criteria: %w", err)
	}
	now := time.Now().UTC()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	if story.StatusChangedAt.IsZero() {
		story.StatusChangedAt = now
	}
	story.UpdatedAt = now

	w := r.pool.Writer()
	if story.Rank <= 0 {
		// New stories land at the bottom of their column.
		var maxRank sql.NullInt64
		err := w.GetContext(ctx, &maxRank, w.Rebind(
			`SELECT MAX(rank) FROM stories WHERE project_id = ? AND status = ?`),
			story.ProjectID, string(story.Status))
		if err != nil {
			return fmt.Errorf("failed to query column rank: %w", err)
		}
		story.Rank = int(maxRank.Int64) + 1
	}
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO stories (id, project_id, epic_id, title, description, acceptance_criteria,
			status, priority, points, blocked, blocked_reason, assignee_id, sprint_id, rank,
			status_changed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		story.ID, story.ProjectID, story.EpicID, story.Title, story.Description, string(criteria),
		string(story.Status), string(story.Priority), story.Points, story.Blocked, story.BlockedReason,
		story.AssigneeID, story.SprintID, story.Rank,
		story.StatusChangedAt, story.CreatedAt, story.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert story: %w", err)
	}
	return nil
}

// GetStory loads a story by id.
func (r *SQLRepository) GetStory(ctx context.Context, id string) (*v1.Story, error) {
	ro := r.pool.Reader()
	var row storyRow
	err := ro.GetContext(ctx, &row, ro.Rebind(`SELECT * FROM stories WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("story", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query story: %w", err)
	}
	return row.toModel()
}

// UpdateStory updates a story's mutable fields; status is managed by
// UpdateStoryStatus and deliberately excluded.
func (r *SQLRepository) UpdateStory(ctx context.Context, story *v1.Story) error {
	criteria, err := json.Marshal(story.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("failed to encode acceptance_criteria: %w", err)
	}

	w := r.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE stories SET epic_id = ?, title = ?, description = ?, acceptance_criteria = ?,
			priority = ?, points = ?, blocked = ?, blocked_reason = ?, assignee_id = ?, updated_at = ?
		WHERE id = ?`),
		story.EpicID, story.Title, story.Description, string(criteria),
		string(story.Priority), story.Points, story.Blocked, story.BlockedReason,
		story.AssigneeID, time.Now().UTC(), story.ID)
	if err != nil {
		return fmt.Errorf("failed to update story: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("story", story.ID)
	}
	return nil
}

// DeleteStory removes a story.
func (r *SQLRepository) DeleteStory(ctx context.Context, id string) error {
	w := r.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM stories WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete story: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("story", id)
	}
	return nil
}

func (r *SQLRepository) selectStories(ctx context.Context, query string, args ...interface{}) ([]*v1.Story, error) {
	ro := r.pool.Reader()
	var rows []storyRow
	if err := ro.SelectContext(ctx, &rows, ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	out := make([]*v1.Story, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ListStories returns all stories of a project.
func (r *SQLRepository) ListStories(ctx context.Context, projectID string) ([]*v1.Story, error) {
	return r.selectStories(ctx, `SELECT * FROM stories WHERE project_id = ? ORDER BY id`, projectID)
}

// ListStoriesByStatus returns a project's stories in one column.
func (r *SQLRepository) ListStoriesByStatus(ctx context.Context, projectID string, status v1.StoryStatus) ([]*v1.Story, error) {
	return r.selectStories(ctx, `SELECT * FROM stories WHERE project_id = ? AND status = ? ORDER BY id`, projectID, string(status))
}

// ListStoriesByEpic returns all stories referencing an epic.
func (r *SQLRepository) ListStoriesByEpic(ctx context.Context, epicID string) ([]*v1.Story, error) {
	return r.selectStories(ctx, `SELECT * FROM stories WHERE epic_id = ? ORDER BY id`, epicID)
}

// UpdateStoryStatus validates the transition and appends history in
// one transaction.
func (r *SQLRepository) UpdateStoryStatus(ctx context.Context, id string, to v1.StoryStatus) (*StatusChange, error) {
	w := r.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row storyRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT * FROM stories WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("story", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query story: %w", err)
	}

	from := v1.StoryStatus(row.Status)
	if !v1.CanTransition(from, to) {
		return nil, errors.Conflict("invalid status transition from " + row.Status + " to " + string(to))
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE stories SET status = ?, status_changed_at = ?, updated_at = ? WHERE id = ?`),
		string(to), now, now, id); err != nil {
		return nil, fmt.Errorf("failed to update story status: %w", err)
	}

	changeID, err := r.insertHistory(ctx, tx, id, row.ProjectID, from, to, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status change: %w", err)
	}

	return &StatusChange{
		ID:         changeID,
		StoryID:    id,
		ProjectID:  row.ProjectID,
		FromStatus: from,
		ToStatus:   to,
		ChangedAt:  now,
	}, nil
}

func (r *SQLRepository) insertHistory(ctx context.Context, tx *sqlx.Tx, storyID, projectID string, from, to v1.StoryStatus, at time.Time) (int64, error) {
	if db.IsPostgres(r.pool.Writer().DriverName()) {
		var changeID int64
		err := tx.QueryRowContext(ctx, tx.Rebind(`
			INSERT INTO story_status_history (story_id, project_id, from_status, to_status, changed_at)
			VALUES (?, ?, ?, ?, ?) RETURNING id`),
			storyID, projectID, string(from), string(to), at).Scan(&changeID)
		if err != nil {
			return 0, fmt.Errorf("failed to insert status history: %w", err)
		}
		return changeID, nil
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO story_status_history (story_id, project_id, from_status, to_status, changed_at)
		VALUES (?, ?, ?, ?, ?)`),
		storyID, projectID, string(from), string(to), at)
	if err != nil {
		return 0, fmt.Errorf("failed to insert status history: %w", err)
	}
	changeID, _ := res.LastInsertId()
	return changeID, nil
}

// ListBacklog returns stories matching the filter, ordered by column
// rank.
func (r *SQLRepository) ListBacklog(ctx context.Context, filter BacklogFilter) ([]*v1.Story, error) {
	query := `SELECT * FROM stories WHERE 1 = 1`
	var args []interface{}
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.SprintID != "" {
		query += ` AND sprint_id = ?`
		args = append(args, filter.SprintID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.AssigneeID != "" {
		query += ` AND assignee_id = ?`
		args = append(args, filter.AssigneeID)
	}
	query += ` ORDER BY status, rank, id`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	return r.selectStories(ctx, query, args...)
}

// MoveStory repositions a story within the board in one transaction:
// the source column closes the gap, the destination column opens one,
// and a status change lands in the history.
func (r *SQLRepository) MoveStory(ctx context.Context, id string, to v1.StoryStatus, newRank int, sprintID *string) (*v1.Story, error) {
	if newRank < 1 {
		return nil, errors.Validation("rank must be >= 1")
	}

	w := r.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row storyRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT * FROM stories WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("story", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query story: %w", err)
	}

	from := v1.StoryStatus(row.Status)
	if to == "" {
		to = from
	}
	if to != from && !v1.CanTransition(from, to) {
		return nil, errors.Conflict("invalid status transition from " + row.Status + " to " + string(to))
	}

	// Close the gap the story leaves behind.
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE stories SET rank = rank - 1
		WHERE project_id = ? AND status = ? AND rank > ?`),
		row.ProjectID, row.Status, row.Rank); err != nil {
		return nil, fmt.Errorf("failed to compact source column: %w", err)
	}

	// Open a slot at the destination.
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE stories SET rank = rank + 1
		WHERE project_id = ? AND status = ? AND rank >= ? AND id != ?`),
		row.ProjectID, string(to), newRank, id); err != nil {
		return nil, fmt.Errorf("failed to shift destination column: %w", err)
	}

	now := time.Now().UTC()
	sprint := row.SprintID
	if sprintID != nil {
		sprint = *sprintID
	}
	statusChangedAt := row.StatusChangedAt
	if to != from {
		statusChangedAt = now
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE stories SET status = ?, rank = ?, sprint_id = ?, status_changed_at = ?, updated_at = ?
		WHERE id = ?`),
		string(to), newRank, sprint, statusChangedAt, now, id); err != nil {
		return nil, fmt.Errorf("failed to move story: %w", err)
	}

	if to != from {
		if _, err := r.insertHistory(ctx, tx, id, row.ProjectID, from, to, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit move: %w", err)
	}
	return r.GetStory(ctx, id)
}

type epicRow struct {
	ID        string    `db:"id"`
	ProjectID string    `db:"project_id"`
	Title     string    `db:"title"`
	Domain    string    `db:"domain"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (row *epicRow) toModel() *v1.Epic {
	return &v1.Epic{
		ID:        row.ID,
		ProjectID: row.ProjectID,
		Title:     row.Title,
		Domain:    row.Domain,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

// CreateEpic inserts an epic.
func (r *SQLRepository) CreateEpic(ctx context.Context, epic *v1.Epic) error {
	now := time.Now().UTC()
	if epic.CreatedAt.IsZero() {
		epic.CreatedAt = now
	}
	epic.UpdatedAt = now
	w := r.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO epics (id, project_id, title, domain, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		epic.ID, epic.ProjectID, epic.Title, epic.Domain, epic.CreatedAt, epic.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert epic: %w", err)
	}
	return nil
}

// GetEpic loads an epic by id.
func (r *SQLRepository) GetEpic(ctx context.Context, id string) (*v1.Epic, error) {
	ro := r.pool.Reader()
	var row epicRow
	err := ro.GetContext(ctx, &row, ro.Rebind(`SELECT * FROM epics WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("epic", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query epic: %w", err)
	}
	return row.toModel(), nil
}

// ListEpics returns all epics of a project.
func (r *SQLRepository) ListEpics(ctx context.Context, projectID string) ([]*v1.Epic, error) {
	ro := r.pool.Reader()
	var rows []epicRow
	if err := ro.SelectContext(ctx, &rows, ro.Rebind(`SELECT * FROM epics WHERE project_id = ? ORDER BY id`), projectID); err != nil {
		return nil, fmt.Errorf("failed to list epics: %w", err)
	}
	out := make([]*v1.Epic, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// StatusHistory returns a project's transitions since the given time.
func (r *SQLRepository) StatusHistory(ctx context.Context, projectID string, since time.Time) ([]*StatusChange, error) {
	ro := r.pool.Reader()
	var changes []StatusChange
	if err := ro.SelectContext(ctx, &changes, ro.Rebind(`
		SELECT id, story_id, project_id, from_status, to_status, changed_at
		FROM story_status_history
		WHERE project_id = ? AND changed_at >= ?
		ORDER BY changed_at, id`), projectID, since); err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	out := make([]*StatusChange, len(changes))
	for i := range changes {
		out[i] = &changes[i]
	}
	return out, nil
}

// Close closes the underlying pool.
func (r *SQLRepository) Close() error {
	return r.pool.Close()
}
