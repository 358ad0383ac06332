package v1

import "time"

// StoryStatus represents the kanban column a story occupies.
type StoryStatus string

const (
	StoryStatusBacklog    StoryStatus = "Backlog"
	StoryStatusTodo       StoryStatus = "Todo"
	StoryStatusInProgress StoryStatus = "InProgress"
	StoryStatusReview     StoryStatus = "Review"
	StoryStatusDone       StoryStatus = "Done"
)

// StoryColumns is the canonical column order of the board.
var StoryColumns = []StoryStatus{
	StoryStatusBacklog,
	StoryStatusTodo,
	StoryStatusInProgress,
	StoryStatusReview,
	StoryStatusDone,
}

// CanTransition reports whether a story may move from one status to
// another. Transitions are linear forward, except Review may reject
// back to InProgress.
func CanTransition(from, to StoryStatus) bool {
	if from == StoryStatusReview && to == StoryStatusInProgress {
		return true
	}
	order := map[StoryStatus]int{
		StoryStatusBacklog:    0,
		StoryStatusTodo:       1,
		StoryStatusInProgress: 2,
		StoryStatusReview:     3,
		StoryStatusDone:       4,
	}
	fi, ok1 := order[from]
	ti, ok2 := order[to]
	return ok1 && ok2 && ti == fi+1
}

// StoryPriority orders stories for pull suggestions.
type StoryPriority string

const (
	PriorityLow    StoryPriority = "Low"
	PriorityMedium StoryPriority = "Medium"
	PriorityHigh   StoryPriority = "High"
)

// PriorityWeight returns a sortable weight; higher pulls first.
func PriorityWeight(p StoryPriority) int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Story is a user-visible unit of work with acceptance criteria.
type Story struct {
	ID                 string        `json:"id"`
	ProjectID          string        `json:"project_id"`
	EpicID             string        `json:"epic_id,omitempty"`
	Title              string        `json:"title"`
	Description        string        `json:"description"`
	AcceptanceCriteria []string      `json:"acceptance_criteria,omitempty"`
	Status             StoryStatus   `json:"status"`
	Priority           StoryPriority `json:"priority"`
	Points             int           `json:"points"`
	Blocked            bool          `json:"blocked"`
	BlockedReason      string        `json:"blocked_reason,omitempty"`
	AssigneeID         string        `json:"assignee_id,omitempty"`
	SprintID           string        `json:"sprint_id,omitempty"`
	Rank               int           `json:"rank"`
	StatusChangedAt    time.Time     `json:"status_changed_at"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// AgeInStatus returns how long the story has sat in its current column.
func (s *Story) AgeInStatus(now time.Time) time.Duration {
	return now.Sub(s.StatusChangedAt)
}

// Epic groups stories under a domain tag.
type Epic struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EpicProgress is derived from the statuses of an epic's stories.
type EpicProgress struct {
	EpicID  string  `json:"epic_id"`
	Total   int     `json:"total"`
	Done    int     `json:"done"`
	Percent float64 `json:"percent"`
}
