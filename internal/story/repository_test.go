package story

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/db"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

func eachRepository(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		repo := NewMemoryRepository()
		defer repo.Close()
		fn(t, repo)
	})

	t.Run("sqlite", func(t *testing.T) {
		pool, err := db.Open(config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "stories.db"),
		})
		require.NoError(t, err)
		repo, err := NewSQLRepository(pool)
		require.NoError(t, err)
		defer repo.Close()
		fn(t, repo)
	})
}

func TestProjectCRUD(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		project := &v1.Project{
			ID:        "p-1",
			Name:      "checkout",
			TechStack: []string{"go", "postgres"},
			WIPConfig: map[v1.StoryStatus]v1.WIPLimit{
				v1.StoryStatusInProgress: {Limit: 3, Type: v1.WIPLimitHard},
			},
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, repo.CreateProject(ctx, project))

		got, err := repo.GetProject(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, "checkout", got.Name)
		assert.Equal(t, []string{"go", "postgres"}, got.TechStack)
		require.Contains(t, got.WIPConfig, v1.StoryStatusInProgress)
		assert.Equal(t, 3, got.WIPConfig[v1.StoryStatusInProgress].Limit)

		got.Name = "checkout-v2"
		got.HasPresence = true
		require.NoError(t, repo.UpdateProject(ctx, got))

		got, err = repo.GetProject(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, "checkout-v2", got.Name)
		assert.True(t, got.HasPresence)

		all, err := repo.ListProjects(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		_, err = repo.GetProject(ctx, "missing")
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestStoryCRUDAndListings(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		require.NoError(t, repo.CreateEpic(ctx, &v1.Epic{ID: "e-1", ProjectID: "p-1", Title: "payments"}))

		for _, s := range []*v1.Story{
			{ID: "s-1", ProjectID: "p-1", EpicID: "e-1", Title: "add cart", Priority: v1.PriorityHigh, Points: 3},
			{ID: "s-2", ProjectID: "p-1", EpicID: "e-1", Title: "checkout flow", Priority: v1.PriorityMedium, Points: 5},
			{ID: "s-3", ProjectID: "p-2", Title: "unrelated", Priority: v1.PriorityLow},
		} {
			require.NoError(t, repo.CreateStory(ctx, s))
		}

		got, err := repo.GetStory(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, v1.StoryStatusBacklog, got.Status)
		assert.False(t, got.StatusChangedAt.IsZero())

		inProject, err := repo.ListStories(ctx, "p-1")
		require.NoError(t, err)
		assert.Len(t, inProject, 2)

		inEpic, err := repo.ListStoriesByEpic(ctx, "e-1")
		require.NoError(t, err)
		assert.Len(t, inEpic, 2)

		backlog, err := repo.ListStoriesByStatus(ctx, "p-1", v1.StoryStatusBacklog)
		require.NoError(t, err)
		assert.Len(t, backlog, 2)

		got.Blocked = true
		got.BlockedReason = "waiting on schema review"
		require.NoError(t, repo.UpdateStory(ctx, got))
		got, err = repo.GetStory(ctx, "s-1")
		require.NoError(t, err)
		assert.True(t, got.Blocked)
		assert.Equal(t, "waiting on schema review", got.BlockedReason)

		require.NoError(t, repo.DeleteStory(ctx, "s-3"))
		_, err = repo.GetStory(ctx, "s-3")
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestUpdateStoryStatusValidatesAndRecordsHistory(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateStory(ctx, &v1.Story{ID: "s-1", ProjectID: "p-1", Title: "login"}))

		// Skipping columns is rejected.
		_, err := repo.UpdateStoryStatus(ctx, "s-1", v1.StoryStatusInProgress)
		require.Error(t, err)
		assert.True(t, errors.IsConflict(err))

		change, err := repo.UpdateStoryStatus(ctx, "s-1", v1.StoryStatusTodo)
		require.NoError(t, err)
		assert.Equal(t, v1.StoryStatusBacklog, change.FromStatus)
		assert.Equal(t, v1.StoryStatusTodo, change.ToStatus)

		_, err = repo.UpdateStoryStatus(ctx, "s-1", v1.StoryStatusInProgress)
		require.NoError(t, err)
		_, err = repo.UpdateStoryStatus(ctx, "s-1", v1.StoryStatusReview)
		require.NoError(t, err)

		// Review can bounce back to InProgress on rejection.
		_, err = repo.UpdateStoryStatus(ctx, "s-1", v1.StoryStatusInProgress)
		require.NoError(t, err)

		story, err := repo.GetStory(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, v1.StoryStatusInProgress, story.Status)

		history, err := repo.StatusHistory(ctx, "p-1", time.Time{})
		require.NoError(t, err)
		require.Len(t, history, 4)
		for i := 1; i < len(history); i++ {
			assert.False(t, history[i].ChangedAt.Before(history[i-1].ChangedAt))
			// Each transition chains off the previous one.
			assert.Equal(t, history[i-1].ToStatus, history[i].FromStatus)
		}

		_, err = repo.UpdateStoryStatus(ctx, "missing", v1.StoryStatusTodo)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestStatusHistorySinceFilter(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		require.NoError(t, repo.CreateStory(ctx, &v1.Story{ID: "s-1", ProjectID: "p-1", Title: "a"}))

		_, err := repo.UpdateStoryStatus(ctx, "s-1", v1.StoryStatusTodo)
		require.NoError(t, err)

		cutoff := time.Now().UTC().Add(time.Hour)
		recent, err := repo.StatusHistory(ctx, "p-1", cutoff)
		require.NoError(t, err)
		assert.Empty(t, recent)

		all, err := repo.StatusHistory(ctx, "p-1", time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestEpicOperations(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		require.NoError(t, repo.CreateEpic(ctx, &v1.Epic{ID: "e-1", ProjectID: "p-1", Title: "auth", Domain: "identity"}))
		require.NoError(t, repo.CreateEpic(ctx, &v1.Epic{ID: "e-2", ProjectID: "p-1", Title: "billing"}))

		got, err := repo.GetEpic(ctx, "e-1")
		require.NoError(t, err)
		assert.Equal(t, "identity", got.Domain)

		all, err := repo.ListEpics(ctx, "p-1")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, err = repo.GetEpic(ctx, "missing")
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestBacklogRanksAssignedOnCreate(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		for _, id := range []string{"s-1", "s-2", "s-3"} {
			require.NoError(t, repo.CreateStory(ctx, &v1.Story{
				ID: id, ProjectID: "p-1", Title: id, Status: v1.StoryStatusTodo,
			}))
		}

		items, err := repo.ListBacklog(ctx, BacklogFilter{ProjectID: "p-1", Status: v1.StoryStatusTodo})
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, []int{1, 2, 3}, []int{items[0].Rank, items[1].Rank, items[2].Rank})
		assert.Equal(t, "s-1", items[0].ID)
	})
}

func TestBacklogFilters(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		require.NoError(t, repo.CreateStory(ctx, &v1.Story{
			ID: "s-1", ProjectID: "p-1", Title: "login", Status: v1.StoryStatusTodo,
			SprintID: "sprint-1", AssigneeID: "dev-1",
		}))
		require.NoError(t, repo.CreateStory(ctx, &v1.Story{
			ID: "s-2", ProjectID: "p-1", Title: "logout", Status: v1.StoryStatusTodo,
			SprintID: "sprint-2", AssigneeID: "dev-2",
		}))
		require.NoError(t, repo.CreateStory(ctx, &v1.Story{
			ID: "s-3", ProjectID: "p-2", Title: "billing", Status: v1.StoryStatusTodo,
		}))

		bySprint, err := repo.ListBacklog(ctx, BacklogFilter{ProjectID: "p-1", SprintID: "sprint-1"})
		require.NoError(t, err)
		require.Len(t, bySprint, 1)
		assert.Equal(t, "s-1", bySprint[0].ID)

		byAssignee, err := repo.ListBacklog(ctx, BacklogFilter{AssigneeID: "dev-2"})
		require.NoError(t, err)
		require.Len(t, byAssignee, 1)
		assert.Equal(t, "s-2", byAssignee[0].ID)

		paged, err := repo.ListBacklog(ctx, BacklogFilter{ProjectID: "p-1", Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, paged, 1)
		assert.Equal(t, "s-2", paged[0].ID)
	})
}

func TestMoveStoryReordersBothColumns(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		for _, id := range []string{"s-1", "s-2", "s-3"} {
			require.NoError(t, repo.CreateStory(ctx, &v1.Story{
				ID: id, ProjectID: "p-1", Title: id, Status: v1.StoryStatusTodo,
			}))
		}
		require.NoError(t, repo.CreateStory(ctx, &v1.Story{
			ID: "s-4", ProjectID: "p-1", Title: "s-4", Status: v1.StoryStatusInProgress,
		}))

		// Move the top Todo story to the head of InProgress.
		sprint := "sprint-9"
		moved, err := repo.MoveStory(ctx, "s-1", v1.StoryStatusInProgress, 1, &sprint)
		require.NoError(t, err)
		assert.Equal(t, v1.StoryStatusInProgress, moved.Status)
		assert.Equal(t, 1, moved.Rank)
		assert.Equal(t, "sprint-9", moved.SprintID)

		todo, err := repo.ListBacklog(ctx, BacklogFilter{ProjectID: "p-1", Status: v1.StoryStatusTodo})
		require.NoError(t, err)
		require.Len(t, todo, 2)
		assert.Equal(t, "s-2", todo[0].ID)
		assert.Equal(t, 1, todo[0].Rank)
		assert.Equal(t, 2, todo[1].Rank)

		inProgress, err := repo.ListBacklog(ctx, BacklogFilter{ProjectID: "p-1", Status: v1.StoryStatusInProgress})
		require.NoError(t, err)
		require.Len(t, inProgress, 2)
		assert.Equal(t, "s-1", inProgress[0].ID)
		assert.Equal(t, "s-4", inProgress[1].ID)
		assert.Equal(t, 2, inProgress[1].Rank)

		// The status change landed in the history.
		history, err := repo.StatusHistory(ctx, "p-1", time.Time{})
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, v1.StoryStatusTodo, history[0].FromStatus)
		assert.Equal(t, v1.StoryStatusInProgress, history[0].ToStatus)
	})
}

func TestMoveStoryWithinColumnKeepsHistoryClean(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		for _, id := range []string{"s-1", "s-2", "s-3"} {
			require.NoError(t, repo.CreateStory(ctx, &v1.Story{
				ID: id, ProjectID: "p-1", Title: id, Status: v1.StoryStatusTodo,
			}))
		}

		moved, err := repo.MoveStory(ctx, "s-3", "", 1, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, moved.Rank)
		assert.Equal(t, v1.StoryStatusTodo, moved.Status)

		todo, err := repo.ListBacklog(ctx, BacklogFilter{ProjectID: "p-1", Status: v1.StoryStatusTodo})
		require.NoError(t, err)
		require.Len(t, todo, 3)
		assert.Equal(t, []string{"s-3", "s-1", "s-2"}, []string{todo[0].ID, todo[1].ID, todo[2].ID})

		history, err := repo.StatusHistory(ctx, "p-1", time.Time{})
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

func TestMoveStoryRejectsInvalidTargets(t *testing.T) {
	eachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()

		require.NoError(t, repo.CreateStory(ctx, &v1.Story{
			ID: "s-1", ProjectID: "p-1", Title: "s-1", Status: v1.StoryStatusBacklog,
		}))

		_, err := repo.MoveStory(ctx, "s-1", v1.StoryStatusDone, 1, nil)
		assert.True(t, errors.IsConflict(err))

		_, err = repo.MoveStory(ctx, "s-1", v1.StoryStatusTodo, 0, nil)
		assert.True(t, errors.IsKind(err, errors.KindValidation))

		_, err = repo.MoveStory(ctx, "missing", v1.StoryStatusTodo, 1, nil)
		assert.True(t, errors.IsNotFound(err))
	})
}
