package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// WorkspaceMirror writes artifacts to the workspace filesystem so
// humans can inspect them outside the database. Mirror failures are
// the caller's to log; they never gate the database write.
type WorkspaceMirror struct {
	root string
}

// NewWorkspaceMirror creates a mirror rooted at the given directory.
func NewWorkspaceMirror(root string) *WorkspaceMirror {
	return &WorkspaceMirror{root: root}
}

// Path returns where an artifact lands on disk:
// projects/{project_id}/artifacts/{type}_{timestamp}_v{n}.json
func (m *WorkspaceMirror) Path(a *v1.Artifact) string {
	name := fmt.Sprintf("%s_%s_v%d.json", a.Type, a.CreatedAt.UTC().Format("20060102T150405"), a.Version)
	return filepath.Join(m.root, "projects", a.ProjectID, "artifacts", name)
}

// Write serializes the artifact to its workspace path.
func (m *WorkspaceMirror) Write(a *v1.Artifact) error {
	path := m.Path(a)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact file: %w", err)
	}
	return nil
}
