// Package kanban derives board state from the story store and enforces
// per-column WIP limits. The dispatcher consults it before delegating
// work; the REST layer exposes its flow accounting.
package kanban

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/story"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// limitedColumns are the columns the default WIP limit applies to when
// a project has no configuration of its own. Backlog and Done are
// never limited.
var limitedColumns = map[v1.StoryStatus]bool{
	v1.StoryStatusTodo:       true,
	v1.StoryStatusInProgress: true,
	v1.StoryStatusReview:     true,
}

// BoardItem is one story as it appears on the board.
type BoardItem struct {
	StoryID  string           `json:"story_id"`
	Title    string           `json:"title"`
	Priority v1.StoryPriority `json:"priority"`
	Points   int              `json:"points"`
	AgeHours float64          `json:"age_hours"`
	EpicID   string           `json:"epic_id,omitempty"`
	Blocked  bool             `json:"blocked"`
}

// Board is the derived per-project kanban snapshot. Every non-archived
// story appears in exactly one column.
type Board struct {
	ProjectID   string                         `json:"project_id"`
	Columns     map[v1.StoryStatus][]BoardItem `json:"columns"`
	GeneratedAt time.Time                      `json:"generated_at"`
}

// ColumnStatus reports WIP occupancy for one column. Limit 0 means the
// column is unlimited.
type ColumnStatus struct {
	Current   int             `json:"current"`
	Limit     int             `json:"limit"`
	Available int             `json:"available"`
	Type      v1.WIPLimitType `json:"type"`
}

// Bottleneck flags a column holding stale work.
type Bottleneck struct {
	Column         v1.StoryStatus `json:"column"`
	Count          int            `json:"count"`
	OldestAgeHours float64        `json:"oldest_age_hours"`
	Offenders      []BoardItem    `json:"offenders"`
}

// FlowMetrics aggregates delivery flow over a trailing window.
type FlowMetrics struct {
	AvgCycleTimeHours float64 `json:"avg_cycle_time_hours"`
	AvgLeadTimeHours  float64 `json:"avg_lead_time_hours"`
	ThroughputPerWeek float64 `json:"throughput_per_week"`
	TotalCompleted    int     `json:"total_completed"`
	WorkInProgress    int     `json:"work_in_progress"`
}

// Controller answers WIP and flow questions for the dispatcher and the
// REST layer. It holds no state of its own; everything is derived from
// the story store on demand.
type Controller struct {
	repo     story.Repository
	defaults config.WIPConfig
	logger   *logger.Logger
	now      func() time.Time
}

// NewController creates a kanban controller.
func NewController(repo story.Repository, defaults config.WIPConfig, log *logger.Logger) *Controller {
	return &Controller{
		repo:     repo,
		defaults: defaults,
		logger:   log.WithFields(zap.String("component", "kanban")),
		now:      time.Now,
	}
}

func (c *Controller) boardItem(s *v1.Story, now time.Time) BoardItem {
	return BoardItem{
		StoryID:  s.ID,
		Title:    s.Title,
		Priority: s.Priority,
		Points:   s.Points,
		AgeHours: s.AgeInStatus(now).Hours(),
		EpicID:   s.EpicID,
		Blocked:  s.Blocked,
	}
}

// Snapshot derives the current board for a project.
func (c *Controller) Snapshot(ctx context.Context, projectID string) (*Board, error) {
	stories, err := c.repo.ListStories(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stories for board: %w", err)
	}

	now := c.now().UTC()
	board := &Board{
		ProjectID:   projectID,
		Columns:     make(map[v1.StoryStatus][]BoardItem, len(v1.StoryColumns)),
		GeneratedAt: now,
	}
	for _, col := range v1.StoryColumns {
		board.Columns[col] = []BoardItem{}
	}
	for _, s := range stories {
		board.Columns[s.Status] = append(board.Columns[s.Status], c.boardItem(s, now))
	}
	for col := range board.Columns {
		items := board.Columns[col]
		sort.SliceStable(items, func(i, j int) bool {
			pi, pj := v1.PriorityWeight(items[i].Priority), v1.PriorityWeight(items[j].Priority)
			if pi != pj {
				return pi > pj
			}
			return items[i].AgeHours > items[j].AgeHours
		})
	}
	return board, nil
}

// limitFor resolves the effective limit of a column: project config
// first, then the configured default for the flow columns.
func (c *Controller) limitFor(project *v1.Project, column v1.StoryStatus) v1.WIPLimit {
	if project != nil {
		if limit, ok := project.WIPConfig[column]; ok {
			return limit
		}
	}
	if limitedColumns[column] {
		return v1.WIPLimit{Limit: c.defaults.DefaultLimit, Type: v1.WIPLimitSoft}
	}
	return v1.WIPLimit{}
}

// WIPStatus reports occupancy against limits for every column.
func (c *Controller) WIPStatus(ctx context.Context, projectID string) (map[v1.StoryStatus]ColumnStatus, error) {
	project, err := c.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	board, err := c.Snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}

	out := make(map[v1.StoryStatus]ColumnStatus, len(v1.StoryColumns))
	for _, col := range v1.StoryColumns {
		limit := c.limitFor(project, col)
		status := ColumnStatus{
			Current: len(board.Columns[col]),
			Limit:   limit.Limit,
			Type:    limit.Type,
		}
		if limit.Limit > 0 {
			status.Available = limit.Limit - status.Current
			if status.Available < 0 {
				status.Available = 0
			}
		}
		out[col] = status
	}
	return out, nil
}

// CanPull reports whether a column can accept another story. A hard
// limit at capacity blocks; a soft limit admits with a cautionary
// reason.
func (c *Controller) CanPull(ctx context.Context, projectID string, column v1.StoryStatus) (bool, string, error) {
	project, err := c.repo.GetProject(ctx, projectID)
	if err != nil {
		return false, "", err
	}
	current, err := c.repo.ListStoriesByStatus(ctx, projectID, column)
	if err != nil {
		return false, "", fmt.Errorf("failed to count column %s: %w", column, err)
	}

	limit := c.limitFor(project, column)
	if limit.Limit <= 0 || len(current) < limit.Limit {
		return true, "", nil
	}

	reason := fmt.Sprintf("%s WIP limit reached (%d/%d) for %s",
		limit.Type, len(current), limit.Limit, column)
	if limit.Type == v1.WIPLimitHard {
		c.logger.Info("hard WIP limit blocked pull",
			zap.String("project_id", projectID),
			zap.String("column", string(column)),
			zap.Int("limit", limit.Limit))
		return false, reason, nil
	}
	return true, reason, nil
}

// DetectBottlenecks flags Todo/InProgress/Review columns holding items
// older than the threshold. Offenders are capped at the three oldest.
func (c *Controller) DetectBottlenecks(ctx context.Context, projectID string, threshold time.Duration) ([]Bottleneck, error) {
	if threshold <= 0 {
		threshold = time.Duration(c.defaults.BottleneckThreshold) * time.Hour
	}
	board, err := c.Snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}

	thresholdHours := threshold.Hours()
	var out []Bottleneck
	for _, col := range []v1.StoryStatus{v1.StoryStatusTodo, v1.StoryStatusInProgress, v1.StoryStatusReview} {
		var stale []BoardItem
		for _, item := range board.Columns[col] {
			if item.AgeHours > thresholdHours {
				stale = append(stale, item)
			}
		}
		if len(stale) == 0 {
			continue
		}
		sort.SliceStable(stale, func(i, j int) bool { return stale[i].AgeHours > stale[j].AgeHours })
		offenders := stale
		if len(offenders) > 3 {
			offenders = offenders[:3]
		}
		out = append(out, Bottleneck{
			Column:         col,
			Count:          len(stale),
			OldestAgeHours: stale[0].AgeHours,
			Offenders:      offenders,
		})
	}
	return out, nil
}

// previousColumn returns the column stories are pulled from when
// entering the given one.
func previousColumn(column v1.StoryStatus) (v1.StoryStatus, bool) {
	for i := 1; i < len(v1.StoryColumns); i++ {
		if v1.StoryColumns[i] == column {
			return v1.StoryColumns[i-1], true
		}
	}
	return "", false
}

// SuggestNextPull picks the story to pull into a column next: highest
// priority first, then oldest. Blocked stories are only suggested when
// nothing else is available.
func (c *Controller) SuggestNextPull(ctx context.Context, projectID string, column v1.StoryStatus) (*v1.Story, error) {
	source, ok := previousColumn(column)
	if !ok {
		return nil, nil
	}
	candidates, err := c.repo.ListStoriesByStatus(ctx, projectID, source)
	if err != nil {
		return nil, fmt.Errorf("failed to load pull candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	now := c.now().UTC()
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Blocked != candidates[j].Blocked {
			return !candidates[i].Blocked
		}
		pi, pj := v1.PriorityWeight(candidates[i].Priority), v1.PriorityWeight(candidates[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return candidates[i].AgeInStatus(now) > candidates[j].AgeInStatus(now)
	})
	return candidates[0], nil
}

// EpicProgress derives completion for one epic from its stories.
func (c *Controller) EpicProgress(ctx context.Context, projectID, epicID string) (*v1.EpicProgress, error) {
	if _, err := c.repo.GetEpic(ctx, epicID); err != nil {
		return nil, err
	}
	stories, err := c.repo.ListStoriesByEpic(ctx, epicID)
	if err != nil {
		return nil, fmt.Errorf("failed to load epic stories: %w", err)
	}

	progress := &v1.EpicProgress{EpicID: epicID, Total: len(stories)}
	for _, s := range stories {
		if s.Status == v1.StoryStatusDone {
			progress.Done++
		}
	}
	if progress.Total > 0 {
		progress.Percent = float64(progress.Done) / float64(progress.Total) * 100
	}
	return progress, nil
}

// FlowMetrics aggregates cycle time, lead time, and throughput over a
// trailing window of days.
func (c *Controller) FlowMetrics(ctx context.Context, projectID string, days int) (*FlowMetrics, error) {
	if days <= 0 {
		days = 30
	}
	now := c.now().UTC()
	since := now.AddDate(0, 0, -days)

	history, err := c.repo.StatusHistory(ctx, projectID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load status history: %w", err)
	}

	// First entry into InProgress per story starts its cycle clock.
	cycleStart := make(map[string]time.Time)
	doneAt := make(map[string]time.Time)
	for _, change := range history {
		if change.ToStatus == v1.StoryStatusInProgress {
			if _, seen := cycleStart[change.StoryID]; !seen {
				cycleStart[change.StoryID] = change.ChangedAt
			}
		}
		if change.ToStatus == v1.StoryStatusDone {
			doneAt[change.StoryID] = change.ChangedAt
		}
	}

	metrics := &FlowMetrics{TotalCompleted: len(doneAt)}

	var cycleSum, leadSum float64
	var cycleN, leadN int
	for storyID, finished := range doneAt {
		if started, ok := cycleStart[storyID]; ok {
			cycleSum += finished.Sub(started).Hours()
			cycleN++
		}
		s, err := c.repo.GetStory(ctx, storyID)
		if err != nil {
			// Story may have been deleted since completion.
			continue
		}
		leadSum += finished.Sub(s.CreatedAt).Hours()
		leadN++
	}
	if cycleN > 0 {
		metrics.AvgCycleTimeHours = cycleSum / float64(cycleN)
	}
	if leadN > 0 {
		metrics.AvgLeadTimeHours = leadSum / float64(leadN)
	}
	metrics.ThroughputPerWeek = float64(metrics.TotalCompleted) / (float64(days) / 7)

	for _, col := range []v1.StoryStatus{v1.StoryStatusInProgress, v1.StoryStatusReview} {
		stories, err := c.repo.ListStoriesByStatus(ctx, projectID, col)
		if err != nil {
			return nil, fmt.Errorf("failed to count work in progress: %w", err)
		}
		metrics.WorkInProgress += len(stories)
	}
	return metrics, nil
}
