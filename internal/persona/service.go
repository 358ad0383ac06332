package persona

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/common/logger"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// Service validates persona mutations and enforces the deletion guard.
type Service struct {
	store  Store
	refs   RefCounter
	logger *logger.Logger
}

// NewService creates the service. refs may be nil when no pool store
// exists (deletion is then unguarded).
func NewService(store Store, refs RefCounter, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		refs:   refs,
		logger: log.WithFields(zap.String("component", "persona")),
	}
}

// Create validates and stores a persona, assigning an id when absent.
func (s *Service) Create(ctx context.Context, p *v1.Persona) error {
	if p.Name == "" {
		return errors.Validation("persona name is required")
	}
	if !v1.ValidRole(p.Role) {
		return errors.Validation("invalid persona role: " + string(p.Role))
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if err := s.store.Create(ctx, p); err != nil {
		return err
	}
	s.logger.Info("created persona",
		zap.String("persona_id", p.ID),
		zap.String("name", p.Name),
		zap.String("role", string(p.Role)))
	return nil
}

// Get loads a persona by id.
func (s *Service) Get(ctx context.Context, id string) (*v1.Persona, error) {
	return s.store.Get(ctx, id)
}

// Update validates and replaces a persona.
func (s *Service) Update(ctx context.Context, p *v1.Persona) error {
	if p.ID == "" {
		return errors.Validation("persona id is required")
	}
	if p.Name == "" {
		return errors.Validation("persona name is required")
	}
	if !v1.ValidRole(p.Role) {
		return errors.Validation("invalid persona role: " + string(p.Role))
	}
	return s.store.Update(ctx, p)
}

// Delete removes a persona unless live agents still reference it.
func (s *Service) Delete(ctx context.Context, id string) error {
	if s.refs != nil {
		count, err := s.refs.CountActiveByPersona(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 {
			return errors.Conflict("persona is referenced by active agents")
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("deleted persona", zap.String("persona_id", id))
	return nil
}

// List returns personas, optionally filtered by role.
func (s *Service) List(ctx context.Context, role v1.AgentRole) ([]*v1.Persona, error) {
	if role != "" && !v1.ValidRole(role) {
		return nil, errors.Validation("invalid persona role: " + string(role))
	}
	return s.store.List(ctx, role)
}
