package artifact

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devcrew/devcrew/internal/common/errors"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// MemoryStore is an in-memory Store used in tests and when no database
// is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]*v1.Artifact
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string]*v1.Artifact)}
}

func cloneArtifact(a *v1.Artifact) *v1.Artifact {
	clone := *a
	if a.Content != nil {
		clone.Content = make(map[string]interface{}, len(a.Content))
		for k, v := range a.Content {
			clone.Content[k] = v
		}
	}
	clone.Tags = append([]string(nil), a.Tags...)
	if a.ReviewedAt != nil {
		t := *a.ReviewedAt
		clone.ReviewedAt = &t
	}
	return &clone
}

// Create inserts a new artifact at the next version of its scope.
func (s *MemoryStore) Create(ctx context.Context, artifact *v1.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	if artifact.Status == "" {
		artifact.Status = v1.ArtifactStatusDraft
	}
	if artifact.Content == nil {
		artifact.Content = map[string]interface{}{}
	}
	if _, exists := s.artifacts[artifact.ID]; exists {
		return errors.Conflict("artifact already exists: " + artifact.ID)
	}

	maxVersion := 0
	for _, a := range s.artifacts {
		if a.ProjectID == artifact.ProjectID && a.Type == artifact.Type && a.Title == artifact.Title && a.Version > maxVersion {
			maxVersion = a.Version
		}
	}
	artifact.Version = maxVersion + 1

	now := time.Now().UTC()
	artifact.CreatedAt = now
	artifact.UpdatedAt = now

	s.artifacts[artifact.ID] = cloneArtifact(artifact)
	return nil
}

// CreateVersion archives the parent and inserts the child.
func (s *MemoryStore) CreateVersion(ctx context.Context, parentID string, content map[string]interface{}) (*v1.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.artifacts[parentID]
	if !ok {
		return nil, errors.NotFound("artifact", parentID)
	}
	if parent.Status == v1.ArtifactStatusArchived {
		return nil, errors.Conflict("artifact " + parentID + " is archived; version from the chain head")
	}

	now := time.Now().UTC()
	parent.Status = v1.ArtifactStatusArchived
	parent.UpdatedAt = now

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
		Tags:        append([]string(nil), parent.Tags...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.artifacts[child.ID] = child
	return cloneArtifact(child), nil
}

// UpdateStatus moves an artifact through its review lifecycle.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status v1.ArtifactStatus, reviewer, feedback string) (*v1.Artifact, error) {
	if !v1.ValidArtifactStatus(status) {
		return nil, errors.Validation("unknown artifact status: " + string(status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, errors.NotFound("artifact", id)
	}

	now := time.Now().UTC()
	a.Status = status
	a.Reviewer = reviewer
	a.ReviewFeedback = feedback
	a.ReviewedAt = &now
	a.UpdatedAt = now
	return cloneArtifact(a), nil
}

// Get loads an artifact by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*v1.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, errors.NotFound("artifact", id)
	}
	return cloneArtifact(a), nil
}

// Latest returns the newest non-archived artifact of a type, optionally
// narrowed by title. Returns nil when none exists.
func (s *MemoryStore) Latest(ctx context.Context, projectID string, artifactType v1.ArtifactType, title string) (*v1.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *v1.Artifact
	for _, a := range s.artifacts {
		if a.ProjectID != projectID || a.Type != artifactType || a.Status == v1.ArtifactStatusArchived {
			continue
		}
		if title != "" && a.Title != title {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) ||
			(a.CreatedAt.Equal(best.CreatedAt) && a.Version > best.Version) {
			best = a
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneArtifact(best), nil
}

// ListByProject returns all artifacts of a project, newest first.
func (s *MemoryStore) ListByProject(ctx context.Context, projectID string) ([]*v1.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Artifact
	for _, a := range s.artifacts {
		if a.ProjectID == projectID {
			out = append(out, cloneArtifact(a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

// DeleteByType removes all artifacts of a type in a project.
func (s *MemoryStore) DeleteByType(ctx context.Context, projectID string, artifactType v1.ArtifactType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, a := range s.artifacts {
		if a.ProjectID == projectID && a.Type == artifactType {
			delete(s.artifacts, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
