package projectctx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devcrew/devcrew/internal/db"
)

// MemoryStore keeps bundles in process. Used by tests and the embedded
// mode.
type MemoryStore struct {
	mu          sync.Mutex
	messages    map[string][]Message
	preferences map[string]map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:    make(map[string][]Message),
		preferences: make(map[string]map[string]string),
	}
}

func (m *MemoryStore) LoadContext(ctx context.Context, projectID string, messageWindow int) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bundle := &Context{
		ProjectID:   projectID,
		Preferences: make(map[string]string),
	}
	msgs := m.messages[projectID]
	if len(msgs) > messageWindow {
		msgs = msgs[len(msgs)-messageWindow:]
	}
	bundle.Messages = append([]Message(nil), msgs...)
	for k, v := range m.preferences[projectID] {
		bundle.Preferences[k] = v
	}
	return bundle, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, projectID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[projectID] = append(m.messages[projectID], msg)
	return nil
}

func (m *MemoryStore) SavePreference(ctx context.Context, projectID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preferences[projectID] == nil {
		m.preferences[projectID] = make(map[string]string)
	}
	m.preferences[projectID][key] = value
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// SQLStore persists conversation history and preferences.
type SQLStore struct {
	pool *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an opened pool and initializes the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize context schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	w := s.pool.Writer()
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS project_messages (
		id %s,
		project_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_project_messages ON project_messages(project_id, created_at);

	CREATE TABLE IF NOT EXISTS project_preferences (
		project_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (project_id, key)
	);
	`, db.AutoIncrementPK(w.DriverName()))
	_, err := w.Exec(schema)
	return err
}

func (s *SQLStore) LoadContext(ctx context.Context, projectID string, messageWindow int) (*Context, error) {
	ro := s.pool.Reader()

	type messageRow struct {
		Role      string    `db:"role"`
		Text      string    `db:"text"`
		CreatedAt time.Time `db:"created_at"`
	}
	var rows []messageRow
	err := ro.SelectContext(ctx, &rows, ro.Rebind(`
		SELECT role, text, created_at FROM project_messages
		WHERE project_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`), projectID, messageWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	bundle := &Context{
		ProjectID:   projectID,
		Preferences: make(map[string]string),
	}
	// Rows came newest-first; the bundle keeps chronological order.
	for i := len(rows) - 1; i >= 0; i-- {
		bundle.Messages = append(bundle.Messages, Message{
			Role:      rows[i].Role,
			Text:      rows[i].Text,
			Timestamp: rows[i].CreatedAt,
		})
	}

	type prefRow struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	var prefs []prefRow
	err = ro.SelectContext(ctx, &prefs, ro.Rebind(`
		SELECT key, value FROM project_preferences WHERE project_id = ?`), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	for _, p := range prefs {
		bundle.Preferences[p.Key] = p.Value
	}
	return bundle, nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, projectID string, msg Message) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO project_messages (project_id, role, text, created_at)
		VALUES (?, ?, ?, ?)`),
		projectID, msg.Role, msg.Text, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *SQLStore) SavePreference(ctx context.Context, projectID, key, value string) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO project_preferences (project_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`),
		projectID, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.pool.Close()
}
