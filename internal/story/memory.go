package story

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devcrew/devcrew/internal/common/errors"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// MemoryRepository is an in-memory Repository used in tests and when
// no database is configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	projects map[string]*v1.Project
	stories  map[string]*v1.Story
	epics    map[string]*v1.Epic
	history  []*StatusChange
	nextID   int64
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects: make(map[string]*v1.Project),
		stories:  make(map[string]*v1.Story),
		epics:    make(map[string]*v1.Epic),
	}
}

// CreateProject stores a new project.
func (r *MemoryRepository) CreateProject(ctx context.Context, project *v1.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.projects[project.ID]; exists {
		return errors.Conflict("project already exists: " + project.ID)
	}
	clone := *project
	r.projects[project.ID] = &clone
	return nil
}

// GetProject returns a project by id.
func (r *MemoryRepository) GetProject(ctx context.Context, id string) (*v1.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, errors.NotFound("project", id)
	}
	clone := *p
	return &clone, nil
}

// UpdateProject replaces a stored project.
func (r *MemoryRepository) UpdateProject(ctx context.Context, project *v1.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[project.ID]; !ok {
		return errors.NotFound("project", project.ID)
	}
	clone := *project
	clone.UpdatedAt = time.Now().UTC()
	r.projects[project.ID] = &clone
	return nil
}

// ListProjects returns all projects.
func (r *MemoryRepository) ListProjects(ctx context.Context) ([]*v1.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*v1.Project, 0, len(r.projects))
	for _, p := range r.projects {
		clone := *p
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateStory stores a new story.
func (r *MemoryRepository) CreateStory(ctx context.Context, story *v1.Story) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stories[story.ID]; exists {
		return errors.Conflict("story already exists: " + story.ID)
	}
	now := time.Now().UTC()
	clone := *story
	if clone.Status == "" {
		clone.Status = v1.StoryStatusBacklog
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	if clone.StatusChangedAt.IsZero() {
		clone.StatusChangedAt = now
	}
	if clone.Rank <= 0 {
		// New stories land at the bottom of their column.
		maxRank := 0
		for _, s := range r.stories {
			if s.ProjectID == clone.ProjectID && s.Status == clone.Status && s.Rank > maxRank {
				maxRank = s.Rank
			}
		}
		clone.Rank = maxRank + 1
	}
	clone.UpdatedAt = now
	r.stories[story.ID] = &clone
	*story = clone
	return nil
}

// GetStory returns a story by id.
func (r *MemoryRepository) GetStory(ctx context.Context, id string) (*v1.Story, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stories[id]
	if !ok {
		return nil, errors.NotFound("story", id)
	}
	clone := *s
	return &clone, nil
}

// UpdateStory replaces the mutable fields of a story. Status changes
// must go through UpdateStoryStatus.
func (r *MemoryRepository) UpdateStory(ctx context.Context, story *v1.Story) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.stories[story.ID]
	if !ok {
		return errors.NotFound("story", story.ID)
	}
	clone := *story
	clone.Status = existing.Status
	clone.StatusChangedAt = existing.StatusChangedAt
	clone.SprintID = existing.SprintID
	clone.Rank = existing.Rank
	clone.UpdatedAt = time.Now().UTC()
	r.stories[story.ID] = &clone
	return nil
}

// DeleteStory removes a story.
func (r *MemoryRepository) DeleteStory(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stories[id]; !ok {
		return errors.NotFound("story", id)
	}
	delete(r.stories, id)
	return nil
}

// ListStories returns all stories of a project.
func (r *MemoryRepository) ListStories(ctx context.Context, projectID string) ([]*v1.Story, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*v1.Story
	for _, s := range r.stories {
		if s.ProjectID == projectID {
			clone := *s
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListStoriesByStatus returns a project's stories in one column.
func (r *MemoryRepository) ListStoriesByStatus(ctx context.Context, projectID string, status v1.StoryStatus) ([]*v1.Story, error) {
	all, err := r.ListStories(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var out []*v1.Story
	for _, s := range all {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

// ListStoriesByEpic returns all stories referencing an epic.
func (r *MemoryRepository) ListStoriesByEpic(ctx context.Context, epicID string) ([]*v1.Story, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*v1.Story
	for _, s := range r.stories {
		if s.EpicID == epicID {
			clone := *s
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateStoryStatus validates and applies a status transition.
func (r *MemoryRepository) UpdateStoryStatus(ctx context.Context, id string, to v1.StoryStatus) (*StatusChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stories[id]
	if !ok {
		return nil, errors.NotFound("story", id)
	}
	if !v1.CanTransition(s.Status, to) {
		return nil, errors.Conflict("invalid status transition from " + string(s.Status) + " to " + string(to))
	}

	now := time.Now().UTC()
	r.nextID++
	change := &StatusChange{
		ID:         r.nextID,
		StoryID:    s.ID,
		ProjectID:  s.ProjectID,
		FromStatus: s.Status,
		ToStatus:   to,
		ChangedAt:  now,
	}
	r.history = append(r.history, change)

	s.Status = to
	s.StatusChangedAt = now
	s.UpdatedAt = now

	clone := *change
	return &clone, nil
}

// ListBacklog returns stories matching the filter, ordered by column
// rank.
func (r *MemoryRepository) ListBacklog(ctx context.Context, filter BacklogFilter) ([]*v1.Story, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*v1.Story
	for _, s := range r.stories {
		if filter.ProjectID != "" && s.ProjectID != filter.ProjectID {
			continue
		}
		if filter.SprintID != "" && s.SprintID != filter.SprintID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.AssigneeID != "" && s.AssigneeID != filter.AssigneeID {
			continue
		}
		clone := *s
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status < out[j].Status
		}
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
		if len(out) > filter.Limit {
			out = out[:filter.Limit]
		}
	}
	return out, nil
}

// MoveStory repositions a story, compacting the source column and
// opening a slot at the destination.
func (r *MemoryRepository) MoveStory(ctx context.Context, id string, to v1.StoryStatus, newRank int, sprintID *string) (*v1.Story, error) {
	if newRank < 1 {
		return nil, errors.Validation("rank must be >= 1")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stories[id]
	if !ok {
		return nil, errors.NotFound("story", id)
	}

	from := s.Status
	if to == "" {
		to = from
	}
	if to != from && !v1.CanTransition(from, to) {
		return nil, errors.Conflict("invalid status transition from " + string(from) + " to " + string(to))
	}

	for _, other := range r.stories {
		if other.ID == id || other.ProjectID != s.ProjectID {
			continue
		}
		if other.Status == from && other.Rank > s.Rank {
			other.Rank--
		}
		if other.Status == to && other.Rank >= newRank {
			other.Rank++
		}
	}

	now := time.Now().UTC()
	if to != from {
		r.nextID++
		r.history = append(r.history, &StatusChange{
			ID:         r.nextID,
			StoryID:    s.ID,
			ProjectID:  s.ProjectID,
			FromStatus: from,
			ToStatus:   to,
			ChangedAt:  now,
		})
		s.Status = to
		s.StatusChangedAt = now
	}
	s.Rank = newRank
	if sprintID != nil {
		s.SprintID = *sprintID
	}
	s.UpdatedAt = now

	clone := *s
	return &clone, nil
}

// CreateEpic stores a new epic.
func (r *MemoryRepository) CreateEpic(ctx context.Context, epic *v1.Epic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.epics[epic.ID]; exists {
		return errors.Conflict("epic already exists: " + epic.ID)
	}
	clone := *epic
	r.epics[epic.ID] = &clone
	return nil
}

// GetEpic returns an epic by id.
func (r *MemoryRepository) GetEpic(ctx context.Context, id string) (*v1.Epic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.epics[id]
	if !ok {
		return nil, errors.NotFound("epic", id)
	}
	clone := *e
	return &clone, nil
}

// ListEpics returns all epics of a project.
func (r *MemoryRepository) ListEpics(ctx context.Context, projectID string) ([]*v1.Epic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*v1.Epic
	for _, e := range r.epics {
		if e.ProjectID == projectID {
			clone := *e
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StatusHistory returns a project's transitions since the given time.
func (r *MemoryRepository) StatusHistory(ctx context.Context, projectID string, since time.Time) ([]*StatusChange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*StatusChange
	for _, c := range r.history {
		if c.ProjectID == projectID && !c.ChangedAt.Before(since) {
			clone := *c
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangedAt.Before(out[j].ChangedAt) })
	return out, nil
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error { return nil }
