package artifact

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/db"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

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
			Path:   filepath.Join(t.TempDir(), "artifacts.db"),
		})
		require.NoError(t, err)
		store, err := NewSQLStore(pool)
		require.NoError(t, err)
		defer store.Close()
		fn(t, store)
	})
}

func TestCreateAssignsScopedVersions(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		first := &v1.Artifact{
			ProjectID: "p-1",
			AgentID:   "agent-1",
			Type:      v1.ArtifactTypeSpecDocument,
			Title:     "login spec",
			Content:   map[string]interface{}{"sections": []interface{}{"overview"}},
			Tags:      []string{"auth"},
		}
		require.NoError(t, store.Create(ctx, first))
		assert.Equal(t, 1, first.Version)
		assert.Equal(t, v1.ArtifactStatusDraft, first.Status)
		assert.NotEmpty(t, first.ID)

		// Same scope bumps the version; a different title starts at 1.
		second := &v1.Artifact{ProjectID: "p-1", Type: v1.ArtifactTypeSpecDocument, Title: "login spec"}
		require.NoError(t, store.Create(ctx, second))
		assert.Equal(t, 2, second.Version)

		other := &v1.Artifact{ProjectID: "p-1", Type: v1.ArtifactTypeSpecDocument, Title: "billing spec"}
		require.NoError(t, store.Create(ctx, other))
		assert.Equal(t, 1, other.Version)
	})
}

func TestCreateVersionArchivesParent(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		parent := &v1.Artifact{
			ProjectID: "p-1",
			Type:      v1.ArtifactTypeTestPlan,
			Title:     "checkout tests",
			Content:   map[string]interface{}{"cases": float64(3)},
		}
		require.NoError(t, store.Create(ctx, parent))

		child, err := store.CreateVersion(ctx, parent.ID, map[string]interface{}{"cases": float64(5)})
		require.NoError(t, err)
		assert.Equal(t, parent.Version+1, child.Version)
		assert.Equal(t, parent.ID, child.ParentID)
		assert.Equal(t, v1.ArtifactStatusDraft, child.Status)

		archived, err := store.Get(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, v1.ArtifactStatusArchived, archived.Status)

		// Versioning off an archived entry is rejected; the chain keeps
		// exactly one non-archived head.
		_, err = store.CreateVersion(ctx, parent.ID, map[string]interface{}{})
		assert.True(t, errors.IsConflict(err))

		all, err := store.ListByProject(ctx, "p-1")
		require.NoError(t, err)
		heads := 0
		for _, a := range all {
			if a.Status != v1.ArtifactStatusArchived {
				heads++
			}
		}
		assert.Equal(t, 1, heads)
	})
}

func TestLatestSkipsArchived(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		parent := &v1.Artifact{ProjectID: "p-1", Type: v1.ArtifactTypeSpecDocument, Title: "spec"}
		require.NoError(t, store.Create(ctx, parent))
		child, err := store.CreateVersion(ctx, parent.ID, map[string]interface{}{"rev": float64(2)})
		require.NoError(t, err)

		latest, err := store.Latest(ctx, "p-1", v1.ArtifactTypeSpecDocument, "")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, child.ID, latest.ID)

		byTitle, err := store.Latest(ctx, "p-1", v1.ArtifactTypeSpecDocument, "spec")
		require.NoError(t, err)
		require.NotNil(t, byTitle)
		assert.Equal(t, child.ID, byTitle.ID)

		none, err := store.Latest(ctx, "p-1", v1.ArtifactTypeTestPlan, "")
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

func TestUpdateStatusRecordsReview(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		a := &v1.Artifact{ProjectID: "p-1", Type: v1.ArtifactTypeImplementation, Title: "summary"}
		require.NoError(t, store.Create(ctx, a))

		updated, err := store.UpdateStatus(ctx, a.ID, v1.ArtifactStatusApproved, "reviewer-1", "looks good")
		require.NoError(t, err)
		assert.Equal(t, v1.ArtifactStatusApproved, updated.Status)
		assert.Equal(t, "reviewer-1", updated.Reviewer)
		assert.Equal(t, "looks good", updated.ReviewFeedback)
		require.NotNil(t, updated.ReviewedAt)

		_, err = store.UpdateStatus(ctx, a.ID, v1.ArtifactStatus("published"), "", "")
		assert.True(t, errors.IsKind(err, errors.KindValidation))

		_, err = store.UpdateStatus(ctx, "missing", v1.ArtifactStatusApproved, "", "")
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestDeleteByType(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		for _, title := range []string{"a", "b"} {
			require.NoError(t, store.Create(ctx, &v1.Artifact{
				ProjectID: "p-1", Type: v1.ArtifactTypeReviewReport, Title: title,
			}))
		}
		require.NoError(t, store.Create(ctx, &v1.Artifact{
			ProjectID: "p-1", Type: v1.ArtifactTypeSpecDocument, Title: "keep",
		}))

		n, err := store.DeleteByType(ctx, "p-1", v1.ArtifactTypeReviewReport)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		remaining, err := store.ListByProject(ctx, "p-1")
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		assert.Equal(t, v1.ArtifactTypeSpecDocument, remaining[0].Type)
	})
}
