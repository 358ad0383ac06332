package persona

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devcrew/devcrew/internal/common/errors"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// MemoryStore is the in-memory Store used in tests and embedded mode.
type MemoryStore struct {
	mu       sync.RWMutex
	personas map[string]*v1.Persona
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{personas: make(map[string]*v1.Persona)}
}

func clonePersona(p *v1.Persona) *v1.Persona {
	clone := *p
	clone.Traits = append([]string(nil), p.Traits...)
	return &clone
}

func (m *MemoryStore) Create(ctx context.Context, p *v1.Persona) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.personas[p.ID]; exists {
		return errors.Conflict("persona already exists: " + p.ID)
	}
	for _, existing := range m.personas {
		if existing.Name == p.Name && existing.Role == p.Role {
			return errors.Conflict("persona " + p.Name + " already exists for role " + string(p.Role))
		}
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.personas[p.ID] = clonePersona(p)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*v1.Persona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.personas[id]
	if !ok {
		return nil, errors.NotFound("persona", id)
	}
	return clonePersona(p), nil
}

func (m *MemoryStore) GetByNameRole(ctx context.Context, name string, role v1.AgentRole) (*v1.Persona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.personas {
		if p.Name == name && p.Role == role {
			return clonePersona(p), nil
		}
	}
	return nil, errors.NotFound("persona", name+"/"+string(role))
}

func (m *MemoryStore) Update(ctx context.Context, p *v1.Persona) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.personas[p.ID]
	if !ok {
		return errors.NotFound("persona", p.ID)
	}
	for id, other := range m.personas {
		if id != p.ID && other.Name == p.Name && other.Role == p.Role {
			return errors.Conflict("persona " + p.Name + " already exists for role " + string(p.Role))
		}
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	m.personas[p.ID] = clonePersona(p)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.personas[id]; !ok {
		return errors.NotFound("persona", id)
	}
	delete(m.personas, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, role v1.AgentRole) ([]*v1.Persona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*v1.Persona
	for _, p := range m.personas {
		if role != "" && p.Role != role {
			continue
		}
		out = append(out, clonePersona(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
