package artifact

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/events"
	"github.com/devcrew/devcrew/internal/events/bus"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// Service fronts the artifact store: it mirrors writes to the
// workspace and announces changes on the artifacts topic. A nil
// mirror or bus disables that side effect.
type Service struct {
	store  Store
	mirror *WorkspaceMirror
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService creates an artifact service.
func NewService(store Store, mirror *WorkspaceMirror, b bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		mirror: mirror,
		bus:    b,
		logger: log.WithFields(zap.String("component", "artifact")),
	}
}

// Store exposes the underlying store for read paths that need no side
// effects.
func (s *Service) Store() Store { return s.store }

func (s *Service) mirrorArtifact(a *v1.Artifact) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Write(a); err != nil {
		// Workspace mirroring is best-effort; the DB write stands.
		s.logger.Warn("failed to mirror artifact to workspace",
			zap.String("artifact_id", a.ID),
			zap.Error(err))
	}
}

func (s *Service) announce(ctx context.Context, eventType string, a *v1.Artifact) {
	if s.bus == nil {
		return
	}
	payload := v1.ArtifactEvent{
		EventID:    uuid.New().String(),
		ArtifactID: a.ID,
		ProjectID:  a.ProjectID,
		Status:     string(a.Status),
		Version:    a.Version,
		Timestamp:  time.Now().UTC(),
	}
	event, err := bus.NewEventFrom(eventType, "artifact-service", payload)
	if err != nil {
		s.logger.Error("failed to build artifact event", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, events.TopicArtifactEvents, event); err != nil {
		s.logger.Warn("failed to publish artifact event",
			zap.String("artifact_id", a.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// Create stores a new artifact, mirrors it, and announces it.
func (s *Service) Create(ctx context.Context, artifact *v1.Artifact) error {
	if err := s.store.Create(ctx, artifact); err != nil {
		return err
	}
	s.mirrorArtifact(artifact)
	s.announce(ctx, events.ArtifactCreated, artifact)
	return nil
}

// CreateVersion archives the parent, inserts the child, mirrors and
// announces it.
func (s *Service) CreateVersion(ctx context.Context, parentID string, content map[string]interface{}) (*v1.Artifact, error) {
	child, err := s.store.CreateVersion(ctx, parentID, content)
	if err != nil {
		return nil, err
	}
	s.mirrorArtifact(child)
	s.announce(ctx, events.ArtifactVersioned, child)
	return child, nil
}

// UpdateStatus moves an artifact through review and announces the
// change.
func (s *Service) UpdateStatus(ctx context.Context, id string, status v1.ArtifactStatus, reviewer, feedback string) (*v1.Artifact, error) {
	updated, err := s.store.UpdateStatus(ctx, id, status, reviewer, feedback)
	if err != nil {
		return nil, err
	}
	s.announce(ctx, events.ArtifactStatusChanged, updated)
	return updated, nil
}

// Get loads an artifact by id.
func (s *Service) Get(ctx context.Context, id string) (*v1.Artifact, error) {
	return s.store.Get(ctx, id)
}

// Latest returns the newest non-archived artifact of a type.
func (s *Service) Latest(ctx context.Context, projectID string, artifactType v1.ArtifactType, title string) (*v1.Artifact, error) {
	return s.store.Latest(ctx, projectID, artifactType, title)
}

// ListByProject returns all artifacts of a project, newest first.
func (s *Service) ListByProject(ctx context.Context, projectID string) ([]*v1.Artifact, error) {
	return s.store.ListByProject(ctx, projectID)
}

// DeleteByType removes all artifacts of a type in a project.
func (s *Service) DeleteByType(ctx context.Context, projectID string, artifactType v1.ArtifactType) (int, error) {
	return s.store.DeleteByType(ctx, projectID, artifactType)
}
