package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcrew/devcrew/internal/agents"
	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/credit"
	"github.com/devcrew/devcrew/internal/events"
	"github.com/devcrew/devcrew/internal/events/bus"
	"github.com/devcrew/devcrew/internal/kanban"
	"github.com/devcrew/devcrew/internal/persona"
	"github.com/devcrew/devcrew/internal/pool"
	"github.com/devcrew/devcrew/internal/story"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

type apiFixture struct {
	server  *Server
	stories story.Repository
	credits credit.Store
	bus     *bus.MemoryEventBus
}

type idleAgent struct{ id string }

func (a *idleAgent) ID() string         { return a.id }
func (a *idleAgent) Role() v1.AgentRole { return v1.RoleDeveloper }
func (a *idleAgent) HandleTask(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
	return &v1.TaskResult{Success: true}, nil
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)

	stories := story.NewMemoryRepository()
	credits := credit.NewMemoryStore()
	poolStore := pool.NewMemoryStore()

	manager := pool.NewManager(poolStore, config.PoolsConfig{
		Developer:      config.PoolConfig{MaxAgents: 2, HealthCheckInterval: 3600},
		AcquireTimeout: 1,
	}, log)
	_, err = manager.EnsurePool(context.Background(), v1.RoleDeveloper,
		func(meta *v1.Agent) (agents.Agent, error) { return &idleAgent{id: meta.ID}, nil }, nil)
	require.NoError(t, err)
	require.NoError(t, manager.StartAll(context.Background()))
	t.Cleanup(func() { _ = manager.StopAll(context.Background()) })

	eventBus := bus.NewMemoryEventBus(log)
	server := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, Deps{
		Kanban:   kanban.NewController(stories, config.WIPConfig{DefaultLimit: 5, BottleneckThreshold: 48}, log),
		Stories:  stories,
		Personas: persona.NewService(persona.NewMemoryStore(), poolStore, log),
		Credits:  credits,
		Pools:    manager,
		Bus:      eventBus,
		Logger:   log,
	})
	return &apiFixture{server: server, stories: stories, credits: credits, bus: eventBus}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestFlowMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.stories.CreateProject(ctx, &v1.Project{ID: "p-1", Name: "checkout"}))
	require.NoError(t, f.stories.CreateStory(ctx, &v1.Story{ID: "s-1", ProjectID: "p-1", Title: "login", Status: v1.StoryStatusInProgress}))

	rec := f.do(t, http.MethodGet, "/api/v1/projects/p-1/flow-metrics?days=7", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var metrics kanban.FlowMetrics
	decode(t, rec, &metrics)
	assert.Equal(t, 1, metrics.WorkInProgress)
	assert.Equal(t, 0, metrics.TotalCompleted)
}

func TestBacklogListAndMove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.stories.CreateProject(ctx, &v1.Project{ID: "p-1", Name: "checkout"}))
	for i, id := range []string{"s-1", "s-2", "s-3"} {
		require.NoError(t, f.stories.CreateStory(ctx, &v1.Story{
			ID: id, ProjectID: "p-1", Title: fmt.Sprintf("story %d", i), Status: v1.StoryStatusTodo,
		}))
	}

	rec := f.do(t, http.MethodGet, "/api/v1/backlog-items?project_id=p-1&status=Todo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Items []*v1.Story `json:"items"`
	}
	decode(t, rec, &listing)
	require.Len(t, listing.Items, 3)
	assert.Equal(t, "s-1", listing.Items[0].ID)

	rec = f.do(t, http.MethodPut, "/api/v1/backlog-items/s-3/move?new_status=InProgress&new_rank=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var moved v1.Story
	decode(t, rec, &moved)
	assert.Equal(t, v1.StoryStatusInProgress, moved.Status)
	assert.Equal(t, 1, moved.Rank)

	// Missing rank is a validation error.
	rec = f.do(t, http.MethodPut, "/api/v1/backlog-items/s-1/move?new_status=InProgress", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Illegal transition maps to conflict.
	rec = f.do(t, http.MethodPut, "/api/v1/backlog-items/s-1/move?new_status=Done&new_rank=1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMovePublishesStoryStatusEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.stories.CreateProject(ctx, &v1.Project{ID: "p-1", Name: "checkout"}))
	require.NoError(t, f.stories.CreateStory(ctx, &v1.Story{
		ID: "s-1", ProjectID: "p-1", Title: "login", Status: v1.StoryStatusTodo,
	}))

	var published []v1.StoryStatusEvent
	_, err := f.bus.Subscribe(events.TopicStoryEvents, func(ctx context.Context, event *bus.Event) error {
		var change v1.StoryStatusEvent
		require.NoError(t, event.DecodeData(&change))
		published = append(published, change)
		return nil
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPut, "/api/v1/backlog-items/s-1/move?new_status=InProgress&new_rank=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, published, 1)
	assert.Equal(t, "s-1", published[0].StoryID)
	assert.Equal(t, "p-1", published[0].ProjectID)
	assert.Equal(t, v1.StoryStatusTodo, published[0].FromStatus)
	assert.Equal(t, v1.StoryStatusInProgress, published[0].ToStatus)
	assert.NotEmpty(t, published[0].EventID)

	// Reordering inside a column is not a status change and stays off
	// the bus.
	rec = f.do(t, http.MethodPut, "/api/v1/backlog-items/s-1/move?new_status=InProgress&new_rank=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, published, 1)
}

func TestPersonaEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/personas", v1.Persona{
		Name: "meticulous-max", Role: v1.RoleDeveloper, Traits: []string{"thorough"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created v1.Persona
	decode(t, rec, &created)
	require.NotEmpty(t, created.ID)

	// Duplicate (name, role) is a conflict.
	rec = f.do(t, http.MethodPost, "/api/v1/personas", v1.Persona{Name: "meticulous-max", Role: v1.RoleDeveloper})
	assert.Equal(t, http.StatusConflict, rec.Code)

	created.Description = "careful"
	rec = f.do(t, http.MethodPut, "/api/v1/personas/"+created.ID, created)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/personas?role=developer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Personas []*v1.Persona `json:"personas"`
	}
	decode(t, rec, &listing)
	require.Len(t, listing.Personas, 1)
	assert.Equal(t, "careful", listing.Personas[0].Description)

	rec = f.do(t, http.MethodDelete, "/api/v1/personas/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/personas/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreditActivitiesEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.credits.Record(ctx, &v1.CreditActivity{
			UserID: "u-1", TokensUsed: 100, LLMCalls: 1, Delta: -1, Reason: "task",
		}))
	}

	rec := f.do(t, http.MethodGet, "/api/v1/credits/activities?user_id=u-1&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Activities []*v1.CreditActivity `json:"activities"`
		Summary    v1.CreditSummary     `json:"summary"`
	}
	decode(t, rec, &resp)
	assert.Len(t, resp.Activities, 2)
	assert.Equal(t, int64(300), resp.Summary.TotalTokens)
	assert.Equal(t, int64(-3), resp.Summary.Balance)

	// No identity, no data.
	rec = f.do(t, http.MethodGet, "/api/v1/credits/activities", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPoolEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/pools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pools struct {
		Pools []v1.AgentPool `json:"pools"`
	}
	decode(t, rec, &pools)
	require.Len(t, pools.Pools, 1)
	assert.Equal(t, v1.RoleDeveloper, pools.Pools[0].Role)

	rec = f.do(t, http.MethodGet, "/api/v1/pools/developer/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats v1.PoolStats
	decode(t, rec, &stats)
	assert.Equal(t, 0, stats.Busy)

	rec = f.do(t, http.MethodGet, "/api/v1/pools/wizard/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/pools/developer/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/pools/developer/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
