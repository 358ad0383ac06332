package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/events"
	"github.com/devcrew/devcrew/internal/events/bus"
	"github.com/devcrew/devcrew/internal/story"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// getFlowMetrics handles GET /projects/:id/flow-metrics?days=N.
func (s *Server) getFlowMetrics(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	metrics, err := s.deps.Kanban.FlowMetrics(c.Request.Context(), c.Param("id"), days)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// getBoard handles GET /projects/:id/board.
func (s *Server) getBoard(c *gin.Context) {
	board, err := s.deps.Kanban.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, board)
}

// getWIPStatus handles GET /projects/:id/wip.
func (s *Server) getWIPStatus(c *gin.Context) {
	status, err := s.deps.Kanban.WIPStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// listBacklogItems handles GET /backlog-items with filters.
func (s *Server) listBacklogItems(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	filter := story.BacklogFilter{
		ProjectID:  c.Query("project_id"),
		SprintID:   c.Query("sprint_id"),
		Status:     v1.StoryStatus(c.Query("status")),
		AssigneeID: c.Query("assignee_id"),
		Limit:      limit,
		Offset:     offset,
	}
	items, err := s.deps.Stories.ListBacklog(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

// moveBacklogItem handles PUT /backlog-items/:id/move.
func (s *Server) moveBacklogItem(c *gin.Context) {
	newRank, err := strconv.Atoi(c.Query("new_rank"))
	if err != nil {
		s.respondError(c, errors.Validation("new_rank is required"))
		return
	}
	var sprintID *string
	if sprint, ok := c.GetQuery("new_sprint_id"); ok {
		sprintID = &sprint
	}

	ctx := c.Request.Context()
	prior, err := s.deps.Stories.GetStory(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	moved, err := s.deps.Stories.MoveStory(ctx, c.Param("id"),
		v1.StoryStatus(c.Query("new_status")), newRank, sprintID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.publishStoryStatus(ctx, prior.Status, moved)
	c.JSON(http.StatusOK, moved)
}

// publishStoryStatus emits a story status event when a move changed
// the column. Publish failures are logged; the move itself stands.
func (s *Server) publishStoryStatus(ctx context.Context, from v1.StoryStatus, moved *v1.Story) {
	if s.deps.Bus == nil || from == moved.Status {
		return
	}
	event, err := bus.NewEventFrom(events.StoryStatusChanged, "api", v1.StoryStatusEvent{
		EventID:    uuid.New().String(),
		StoryID:    moved.ID,
		ProjectID:  moved.ProjectID,
		FromStatus: from,
		ToStatus:   moved.Status,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("failed to build story status event", zap.Error(err))
		return
	}
	if err := s.deps.Bus.Publish(ctx, events.TopicStoryEvents, event); err != nil {
		s.logger.Error("failed to publish story status event",
			zap.String("story_id", moved.ID), zap.Error(err))
	}
}

// listPersonas handles GET /personas?role=.
func (s *Server) listPersonas(c *gin.Context) {
	personas, err := s.deps.Personas.List(c.Request.Context(), v1.AgentRole(c.Query("role")))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"personas": personas})
}

// createPersona handles POST /personas.
func (s *Server) createPersona(c *gin.Context) {
	var p v1.Persona
	if err := c.ShouldBindJSON(&p); err != nil {
		s.respondError(c, errors.Validation("invalid persona payload: "+err.Error()))
		return
	}
	if err := s.deps.Personas.Create(c.Request.Context(), &p); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// updatePersona handles PUT /personas/:id.
func (s *Server) updatePersona(c *gin.Context) {
	var p v1.Persona
	if err := c.ShouldBindJSON(&p); err != nil {
		s.respondError(c, errors.Validation("invalid persona payload: "+err.Error()))
		return
	}
	p.ID = c.Param("id")
	if err := s.deps.Personas.Update(c.Request.Context(), &p); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// deletePersona handles DELETE /personas/:id.
func (s *Server) deletePersona(c *gin.Context) {
	if err := s.deps.Personas.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listCreditActivities handles GET /credits/activities?limit&offset.
// The caller identifies via the X-User-ID header or user_id query.
func (s *Server) listCreditActivities(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		userID = c.Query("user_id")
	}
	if userID == "" {
		s.respondError(c, errors.Validation("user identity is required"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	ctx := c.Request.Context()
	activities, err := s.deps.Credits.ListActivities(ctx, userID, limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}
	summary, err := s.deps.Credits.Summary(ctx, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"activities": activities,
		"summary":    summary,
		"limit":      limit,
		"offset":     offset,
	})
}

// listPools handles GET /pools.
func (s *Server) listPools(c *gin.Context) {
	pools := s.deps.Pools.Pools()
	out := make([]v1.AgentPool, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Config())
	}
	c.JSON(http.StatusOK, gin.H{"pools": out})
}

// getPoolStats handles GET /pools/:role/stats.
func (s *Server) getPoolStats(c *gin.Context) {
	p, err := s.deps.Pools.Pool(v1.AgentRole(c.Param("role")))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p.Stats())
}

// startPool handles POST /pools/:role/start.
func (s *Server) startPool(c *gin.Context) {
	p, err := s.deps.Pools.Pool(v1.AgentRole(c.Param("role")))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := p.Start(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p.Stats())
}

// stopPool handles POST /pools/:role/stop.
func (s *Server) stopPool(c *gin.Context) {
	p, err := s.deps.Pools.Pool(v1.AgentRole(c.Param("role")))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := p.Stop(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p.Stats())
}
