// Package artifact stores versioned, status-gated documents produced
// by agents. Version chains are linear: creating a new version
// archives its parent, so each (project, type, title) chain has
// exactly one non-archived head.
package artifact

import (
	"context"

	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// Store persists artifacts and their version lineage.
type Store interface {
	// Create inserts a new artifact as version max+1 within its
	// (project, type, title) scope, status draft.
	Create(ctx context.Context, artifact *v1.Artifact) error

	// CreateVersion atomically archives the parent and inserts a child
	// carrying the new content with version parent+1.
	CreateVersion(ctx context.Context, parentID string, content map[string]interface{}) (*v1.Artifact, error)

	// UpdateStatus moves an artifact through its review lifecycle and
	// records the reviewer and feedback.
	UpdateStatus(ctx context.Context, id string, status v1.ArtifactStatus, reviewer, feedback string) (*v1.Artifact, error)

	Get(ctx context.Context, id string) (*v1.Artifact, error)

	// Latest returns the most recently created non-archived artifact of
	// a type, optionally narrowed by title. Returns nil when none exists.
	Latest(ctx context.Context, projectID string, artifactType v1.ArtifactType, title string) (*v1.Artifact, error)

	ListByProject(ctx context.Context, projectID string) ([]*v1.Artifact, error)

	// DeleteByType removes all artifacts of a type in a project and
	// returns how many were deleted.
	DeleteByType(ctx context.Context, projectID string, artifactType v1.ArtifactType) (int, error)

	Close() error
}
