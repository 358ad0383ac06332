// Package persona stores the trait templates applied to agents at
// spawn time. (name, role) is unique; a persona referenced by a live
// agent cannot be deleted.
package persona

import (
	"context"

	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// Store persists personas.
type Store interface {
	Create(ctx context.Context, p *v1.Persona) error
	Get(ctx context.Context, id string) (*v1.Persona, error)
	GetByNameRole(ctx context.Context, name string, role v1.AgentRole) (*v1.Persona, error)
	Update(ctx context.Context, p *v1.Persona) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, role v1.AgentRole) ([]*v1.Persona, error)
	Close() error
}

// RefCounter reports how many live agents reference a persona. The
// pool store implements it.
type RefCounter interface {
	CountActiveByPersona(ctx context.Context, personaID string) (int, error)
}
