// Package story provides storage for projects, epics, stories, and
// story status history.
package story

import (
	"context"
	"time"

	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// StatusChange is one recorded story status transition.
type StatusChange struct {
	ID         int64          `json:"id" db:"id"`
	StoryID    string         `json:"story_id" db:"story_id"`
	ProjectID  string         `json:"project_id" db:"project_id"`
	FromStatus v1.StoryStatus `json:"from_status" db:"from_status"`
	ToStatus   v1.StoryStatus `json:"to_status" db:"to_status"`
	ChangedAt  time.Time      `json:"changed_at" db:"changed_at"`
}

// BacklogFilter narrows and pages a backlog listing. Zero values mean
// "any". Results are ordered by rank within a column.
type BacklogFilter struct {
	ProjectID  string
	SprintID   string
	Status     v1.StoryStatus
	AssigneeID string
	Limit      int
	Offset     int
}

// Repository defines storage operations for the kanban data model.
type Repository interface {
	// Project operations
	CreateProject(ctx context.Context, project *v1.Project) error
	GetProject(ctx context.Context, id string) (*v1.Project, error)
	UpdateProject(ctx context.Context, project *v1.Project) error
	ListProjects(ctx context.Context) ([]*v1.Project, error)

	// Story operations
	CreateStory(ctx context.Context, story *v1.Story) error
	GetStory(ctx context.Context, id string) (*v1.Story, error)
	UpdateStory(ctx context.Context, story *v1.Story) error
	DeleteStory(ctx context.Context, id string) error
	ListStories(ctx context.Context, projectID string) ([]*v1.Story, error)
	ListStoriesByStatus(ctx context.Context, projectID string, status v1.StoryStatus) ([]*v1.Story, error)
	ListStoriesByEpic(ctx context.Context, epicID string) ([]*v1.Story, error)

	// UpdateStoryStatus validates the transition, stamps
	// StatusChangedAt, and appends to the status history in one
	// atomic operation.
	UpdateStoryStatus(ctx context.Context, id string, to v1.StoryStatus) (*StatusChange, error)

	// Backlog operations
	ListBacklog(ctx context.Context, filter BacklogFilter) ([]*v1.Story, error)

	// MoveStory relocates a story to a column position, closing the
	// rank gap it leaves and opening one at the destination in a
	// single atomic operation. A nil sprintID keeps the current
	// sprint. A status change is validated and recorded in the
	// status history like UpdateStoryStatus.
	MoveStory(ctx context.Context, id string, to v1.StoryStatus, newRank int, sprintID *string) (*v1.Story, error)

	// Epic operations
	CreateEpic(ctx context.Context, epic *v1.Epic) error
	GetEpic(ctx context.Context, id string) (*v1.Epic, error)
	ListEpics(ctx context.Context, projectID string) ([]*v1.Epic, error)

	// StatusHistory returns transitions for a project since the given
	// time, ordered by changed_at ascending.
	StatusHistory(ctx context.Context, projectID string, since time.Time) ([]*StatusChange, error)

	Close() error
}
