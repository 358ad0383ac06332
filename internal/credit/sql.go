package credit

import (
	"context"
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
		return nil, fmt.Errorf("failed to initialize credit schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	w := s.pool.Writer()
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS credit_activities (
		id %s,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		story_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		llm_calls INTEGER NOT NULL DEFAULT 0,
		delta INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_credit_user ON credit_activities(user_id, created_at);
	`, db.AutoIncrementPK(w.DriverName()))
	_, err := w.Exec(schema)
	return err
}

type activityRow struct {
	ID         int64     `db:"id"`
	UserID     string    `db:"user_id"`
	ProjectID  string    `db:"project_id"`
	StoryID    string    `db:"story_id"`
	AgentID    string    `db:"agent_id"`
	Model      string    `db:"model"`
	TokensUsed int64     `db:"tokens_used"`
	LLMCalls   int       `db:"llm_calls"`
	Delta      int64     `db:"delta"`
	Reason     string    `db:"reason"`
	CreatedAt  time.Time `db:"created_at"`
}

func (row *activityRow) toModel() *v1.CreditActivity {
	return &v1.CreditActivity{
		ID:         row.ID,
		UserID:     row.UserID,
		ProjectID:  row.ProjectID,
		StoryID:    row.StoryID,
		AgentID:    row.AgentID,
		Model:      row.Model,
		TokensUsed: row.TokensUsed,
		LLMCalls:   row.LLMCalls,
		Delta:      row.Delta,
		Reason:     row.Reason,
		CreatedAt:  row.CreatedAt,
	}
}

func (s *SQLStore) Record(ctx context.Context, activity *v1.CreditActivity) error {
	if activity.UserID == "" {
		return errors.Validation("user id is required")
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}

	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO credit_activities (user_id, project_id, story_id, agent_id, model,
			tokens_used, llm_calls, delta, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		activity.UserID, activity.ProjectID, activity.StoryID, activity.AgentID, activity.Model,
		activity.TokensUsed, activity.LLMCalls, activity.Delta, activity.Reason, activity.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert credit activity: %w", err)
	}
	if !db.IsPostgres(w.DriverName()) {
		activity.ID, _ = res.LastInsertId()
	}
	return nil
}

func (s *SQLStore) ListActivities(ctx context.Context, userID string, limit, offset int) ([]*v1.CreditActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	ro := s.pool.Reader()
	var rows []activityRow
	err := ro.SelectContext(ctx, &rows, ro.Rebind(`
		SELECT * FROM credit_activities
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`), userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit activities: %w", err)
	}
	out := make([]*v1.CreditActivity, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *SQLStore) Summary(ctx context.Context, userID string) (*v1.CreditSummary, error) {
	ro := s.pool.Reader()
	var row struct {
		TotalTokens int64 `db:"total_tokens"`
		TotalCalls  int   `db:"total_calls"`
		Balance     int64 `db:"balance"`
		Activities  int   `db:"activities"`
	}
	err := ro.GetContext(ctx, &row, ro.Rebind(`
		SELECT
			COALESCE(SUM(tokens_used), 0) AS total_tokens,
			COALESCE(SUM(llm_calls), 0) AS total_calls,
			COALESCE(SUM(delta), 0) AS balance,
			COUNT(*) AS activities
		FROM credit_activities WHERE user_id = ?`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate credits: %w", err)
	}
	return &v1.CreditSummary{
		UserID:      userID,
		TotalTokens: row.TotalTokens,
		TotalCalls:  row.TotalCalls,
		Balance:     row.Balance,
		Activities:  row.Activities,
	}, nil
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}
