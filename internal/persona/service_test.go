package persona

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/db"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

type stubRefs struct{ count int }

func (s *stubRefs) CountActiveByPersona(ctx context.Context, personaID string) (int, error) {
	return s.count, nil
}

func eachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()
		fn(t, store)
	})

	t.Run("sqlite", func(t *testing.T) {
		pool, err := db.Open(config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "personas.db"),
		})
		require.NoError(t, err)
		store, err := NewSQLStore(pool)
		require.NoError(t, err)
		defer store.Close()
		fn(t, store)
	})
}

func testService(t *testing.T, store Store, refs RefCounter) *Service {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewService(store, refs, log)
}

func TestPersonaCRUD(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		svc := testService(t, store, &stubRefs{})

		p := &v1.Persona{
			Name:         "meticulous-max",
			Role:         v1.RoleDeveloper,
			Description:  "careful, test-first",
			Traits:       []string{"thorough", "terse"},
			SystemPrompt: "You double-check everything.",
		}
		require.NoError(t, svc.Create(ctx, p))
		require.NotEmpty(t, p.ID)

		got, err := svc.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "meticulous-max", got.Name)
		assert.Equal(t, []string{"thorough", "terse"}, got.Traits)

		got.Description = "updated"
		require.NoError(t, svc.Update(ctx, got))

		listed, err := svc.List(ctx, v1.RoleDeveloper)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, "updated", listed[0].Description)

		require.NoError(t, svc.Delete(ctx, p.ID))
		_, err = svc.Get(ctx, p.ID)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestPersonaNameRoleUniqueness(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		svc := testService(t, store, &stubRefs{})

		require.NoError(t, svc.Create(ctx, &v1.Persona{Name: "max", Role: v1.RoleDeveloper}))

		err := svc.Create(ctx, &v1.Persona{Name: "max", Role: v1.RoleDeveloper})
		assert.True(t, errors.IsConflict(err))

		// Same name under another role is fine.
		require.NoError(t, svc.Create(ctx, &v1.Persona{Name: "max", Role: v1.RoleTester}))

		// An update may not collide either.
		other := &v1.Persona{Name: "ada", Role: v1.RoleDeveloper}
		require.NoError(t, svc.Create(ctx, other))
		other.Name = "max"
		assert.True(t, errors.IsConflict(svc.Update(ctx, other)))
	})
}

func TestPersonaDeleteBlockedWhileReferenced(t *testing.T) {
	ctx := context.Background()
	refs := &stubRefs{count: 2}
	svc := testService(t, NewMemoryStore(), refs)

	p := &v1.Persona{Name: "max", Role: v1.RoleDeveloper}
	require.NoError(t, svc.Create(ctx, p))

	err := svc.Delete(ctx, p.ID)
	assert.True(t, errors.IsConflict(err))

	refs.count = 0
	require.NoError(t, svc.Delete(ctx, p.ID))
}

func TestPersonaValidation(t *testing.T) {
	ctx := context.Background()
	svc := testService(t, NewMemoryStore(), nil)

	assert.True(t, errors.IsKind(svc.Create(ctx, &v1.Persona{Role: v1.RoleDeveloper}), errors.KindValidation))
	assert.True(t, errors.IsKind(svc.Create(ctx, &v1.Persona{Name: "max", Role: "wizard"}), errors.KindValidation))

	_, err := svc.List(ctx, "wizard")
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}
