package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcrew/devcrew/internal/agents"
	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/credit"
	"github.com/devcrew/devcrew/internal/events"
	"github.com/devcrew/devcrew/internal/events/bus"
	"github.com/devcrew/devcrew/internal/events/lifecycle"
	"github.com/devcrew/devcrew/internal/graph"
	"github.com/devcrew/devcrew/internal/graph/checkpoint"
	"github.com/devcrew/devcrew/internal/kanban"
	"github.com/devcrew/devcrew/internal/llm"
	"github.com/devcrew/devcrew/internal/pool"
	"github.com/devcrew/devcrew/internal/projectctx"
	"github.com/devcrew/devcrew/internal/story"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
	ws "github.com/devcrew/devcrew/pkg/websocket"
)

// stubAgent delegates HandleTask to a closure so each test scripts the
// fleet's behavior directly.
type stubAgent struct {
	id   string
	role v1.AgentRole
	fn   func(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error)
}

func (a *stubAgent) ID() string         { return a.id }
func (a *stubAgent) Role() v1.AgentRole { return a.role }
func (a *stubAgent) HandleTask(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
	return a.fn(ctx, task)
}

// fanoutRecorder captures every broadcast per project.
type fanoutRecorder struct {
	mu       sync.Mutex
	messages map[string][]*ws.Message
}

func newFanoutRecorder() *fanoutRecorder {
	return &fanoutRecorder{messages: make(map[string][]*ws.Message)}
}

func (f *fanoutRecorder) Broadcast(projectID string, msg *ws.Message) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[projectID] = append(f.messages[projectID], msg)
	return 1
}

func (f *fanoutRecorder) forProject(projectID string) []*ws.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ws.Message(nil), f.messages[projectID]...)
}

// eventRecorder captures bus events by type for lifecycle assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (r *eventRecorder) handle(ctx context.Context, event *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	bus       *bus.MemoryEventBus
	cache     *projectctx.Cache
	manager   *pool.Manager
	credits   credit.Store
	stories   *story.MemoryRepository
	fanout    *fanoutRecorder
	tasks     *eventRecorder
	d         *Dispatcher
	teamLead  *stubAgent
	developer *stubAgent
	tester    *stubAgent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithLeader(t, nil)
}

// newFixtureWithLeader builds the dispatcher harness; when leader is
// non-nil the team leader pool runs it instead of the scripted stub.
func newFixtureWithLeader(t *testing.T, leader func(meta *v1.Agent) (agents.Agent, error)) *fixture {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)

	f := &fixture{
		bus:     bus.NewMemoryEventBus(log),
		cache:   projectctx.NewCache(projectctx.NewMemoryStore(), config.CacheConfig{}, log),
		credits: credit.NewMemoryStore(),
		stories: story.NewMemoryRepository(),
		fanout:  newFanoutRecorder(),
		tasks:   &eventRecorder{},
	}
	f.teamLead = &stubAgent{id: "tl-1", role: v1.RoleTeamLeader, fn: respondWith("hello")}
	f.developer = &stubAgent{id: "dev-1", role: v1.RoleDeveloper, fn: respondWith("shipped")}
	f.tester = &stubAgent{id: "qa-1", role: v1.RoleTester, fn: respondWith("done")}
	if leader == nil {
		leader = func(meta *v1.Agent) (agents.Agent, error) { return f.teamLead, nil }
	}

	f.manager = pool.NewManager(pool.NewMemoryStore(), config.PoolsConfig{
		TeamLeader:     config.PoolConfig{MaxAgents: 1, HealthCheckInterval: 3600},
		Developer:      config.PoolConfig{MaxAgents: 1, HealthCheckInterval: 3600},
		Tester:         config.PoolConfig{MaxAgents: 1, HealthCheckInterval: 3600},
		AcquireTimeout: 1,
	}, log)
	ctx := context.Background()
	_, err = f.manager.EnsurePool(ctx, v1.RoleTeamLeader, leader, nil)
	require.NoError(t, err)
	_, err = f.manager.EnsurePool(ctx, v1.RoleDeveloper,
		func(meta *v1.Agent) (agents.Agent, error) { return f.developer, nil }, nil)
	require.NoError(t, err)
	_, err = f.manager.EnsurePool(ctx, v1.RoleTester,
		func(meta *v1.Agent) (agents.Agent, error) { return f.tester, nil }, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.StartAll(ctx))
	t.Cleanup(func() { _ = f.manager.StopAll(context.Background()) })

	_, err = f.bus.Subscribe(events.BuildTaskWildcardSubject(), f.tasks.handle)
	require.NoError(t, err)

	f.d = New(Deps{
		Bus:       f.bus,
		Cache:     f.cache,
		Manager:   f.manager,
		Lifecycle: lifecycle.NewPublisher(f.bus, "dispatcher", log),
		Fanout:    f.fanout,
		Credits:   f.credits,
		Stories:   f.stories,
		Retry: events.ConsumerConfig{
			MaxRedeliveries: 1,
			BaseBackoff:     time.Millisecond,
			StopTimeout:     time.Second,
		},
		Logger: log,
	})
	require.NoError(t, f.d.Start(ctx))
	t.Cleanup(func() { _ = f.d.Stop() })
	return f
}

func respondWith(text string) func(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
	return func(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
		return &v1.TaskResult{
			Success: true,
			Output:  text,
			Data:    map[string]interface{}{agents.KeyAction: string(v1.ActionRespond)},
		}, nil
	}
}

func (f *fixture) sendUserMessage(t *testing.T, projectID, content string) {
	t.Helper()
	event, err := bus.NewEventFrom(events.UserMessageReceived, "gateway", v1.UserMessageEvent{
		EventID:   "msg-" + content,
		ProjectID: projectID,
		UserID:    "u-1",
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), events.TopicUserMessages, event))
}

func TestUserMessageAnsweredDirectly(t *testing.T) {
	f := newFixture(t)
	f.teamLead.fn = respondWith("the board looks healthy")

	f.sendUserMessage(t, "p-1", "how is the sprint going?")

	msgs := f.fanout.forProject("p-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, ws.ActionChatResponse, msgs[0].Action)

	var payload map[string]interface{}
	require.NoError(t, msgs[0].ParsePayload(&payload))
	assert.Equal(t, "the board looks healthy", payload["text"])

	bundle, err := f.cache.Get(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, bundle.Messages, 2)
	assert.Equal(t, "user", bundle.Messages[0].Role)
	assert.Equal(t, "assistant", bundle.Messages[1].Role)
	assert.Equal(t, "the board looks healthy", bundle.Messages[1].Text)

	// Classification stays internal; no lifecycle traffic for a direct
	// answer.
	assert.Empty(t, f.tasks.types())
}

func TestDelegationRunsRoleAgentWithLifecycle(t *testing.T) {
	f := newFixture(t)
	f.teamLead.fn = func(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
		return &v1.TaskResult{
			Success: true,
			Output:  "handing this to the tester",
			Data: map[string]interface{}{
				agents.KeyAction:     string(v1.ActionDelegate),
				agents.KeyTargetRole: string(v1.RoleTester),
				agents.KeyReason:     "user asked for a test run",
			},
		}, nil
	}
	var seen *v1.TaskContext
	f.tester.fn = func(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
		seen = task
		return &v1.TaskResult{
			Success: true,
			Output:  "all 42 tests passed",
			Data: map[string]interface{}{
				"tokens_used": 2000,
				"llm_calls":   2,
				"model":       "scripted",
			},
		}, nil
	}

	f.sendUserMessage(t, "p-1", "please run the tests")

	require.NotNil(t, seen)
	assert.Equal(t, "please run the tests", seen.Content)
	assert.Equal(t, "user asked for a test run", seen.RoutingReason)

	assert.Equal(t, []string{events.TaskStarted, events.TaskCompleted}, f.tasks.types())

	// Both the hand-off note and the tester's answer reach the user.
	msgs := f.fanout.forProject("p-1")
	require.Len(t, msgs, 2)
	bundle, err := f.cache.Get(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, bundle.Messages, 3)
	assert.Equal(t, "all 42 tests passed", bundle.Messages[2].Text)

	summary, err := f.credits.Summary(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), summary.TotalTokens)
	assert.Equal(t, 2, summary.TotalCalls)
	assert.Equal(t, int64(-2), summary.Balance)
}

func TestDelegationFailureEmitsFailedEvent(t *testing.T) {
	f := newFixture(t)
	f.teamLead.fn = func(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
		return &v1.TaskResult{
			Success: true,
			Data: map[string]interface{}{
				agents.KeyAction:     string(v1.ActionDelegate),
				agents.KeyTargetRole: string(v1.RoleTester),
			},
		}, nil
	}
	f.tester.fn = func(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
		return &v1.TaskResult{Success: false, ErrorMessage: "build is broken"}, nil
	}

	f.sendUserMessage(t, "p-1", "run the tests")

	types := f.tasks.types()
	require.Equal(t, []string{events.TaskStarted, events.TaskFailed}, types)
}

func TestBusyPoolFailsTaskVisibly(t *testing.T) {
	f := newFixture(t)
	f.teamLead.fn = func(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
		return &v1.TaskResult{
			Success: true,
			Data: map[string]interface{}{
				agents.KeyAction:     string(v1.ActionDelegate),
				agents.KeyTargetRole: string(v1.RoleTester),
			},
		}, nil
	}

	// Hold the only tester so the delegation cannot acquire a worker
	// before the one second acquire timeout.
	lease, err := f.manager.Acquire(context.Background(), v1.RoleTester, "p-1")
	require.NoError(t, err)
	defer func() {
		p, perr := f.manager.Pool(v1.RoleTester)
		require.NoError(t, perr)
		_ = p.Release(context.Background(), lease, nil)
	}()

	f.sendUserMessage(t, "p-1", "run the tests")

	types := f.tasks.types()
	require.Len(t, types, 1)
	assert.Equal(t, events.TaskFailed, types[0])
}

func TestMalformedRoutingGoesToDeadLetter(t *testing.T) {
	f := newFixture(t)

	dlq := &eventRecorder{}
	_, err := f.bus.Subscribe(
		events.BuildDLQSubject(events.BuildRoutingSubject(string(v1.RoleTester))), dlq.handle)
	require.NoError(t, err)

	event := bus.NewEvent(events.RoutingDelegated, "test", map[string]interface{}{
		"to_agent": 12345,
	})
	require.NoError(t, f.bus.Publish(context.Background(),
		events.BuildRoutingSubject(string(v1.RoleTester)), event))

	require.Len(t, dlq.types(), 1)
	assert.Empty(t, f.tasks.types())
}

// delegateTo scripts the team leader stub to hand every message to the
// given role with no hand-off note.
func delegateTo(role v1.AgentRole) func(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
	return func(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
		return &v1.TaskResult{
			Success: true,
			Data: map[string]interface{}{
				agents.KeyAction:     string(v1.ActionDelegate),
				agents.KeyTargetRole: string(role),
			},
		}, nil
	}
}

func TestLeaderPromptsCarryConversationHistoryAndPreferences(t *testing.T) {
	script := llm.NewScripted(
		llm.Step{Reply: `{"action": "RESPOND"}`},
		llm.Step{Reply: "welcome aboard"},
		llm.Step{Reply: `{"action": "RESPOND"}`},
		llm.Step{Reply: "start with the login story"},
	)
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	board := kanban.NewController(story.NewMemoryRepository(), config.WIPConfig{}, log)
	executor := graph.NewExecutor(checkpoint.NewMemoryStore(), log)

	f := newFixtureWithLeader(t, func(meta *v1.Agent) (agents.Agent, error) {
		return agents.New(v1.RoleTeamLeader, meta.ID, agents.Deps{
			LLM:      script,
			Executor: executor,
			Kanban:   board,
			Logger:   log,
		})
	})
	require.NoError(t, f.cache.UpdatePreference(context.Background(), "p-1", "language", "Go"))

	f.sendUserMessage(t, "p-1", "hello")
	f.sendUserMessage(t, "p-1", "what should we build first?")

	calls := script.Calls()
	require.Len(t, calls, 4)

	// The second classification sees the first exchange verbatim.
	classify := calls[2].Messages[0].Content
	assert.Contains(t, classify, "user: hello")
	assert.Contains(t, classify, "assistant: welcome aboard")

	// The answer prompt carries the stored preference alongside the
	// history.
	answer := calls[3].Messages[0].Content
	assert.Contains(t, answer, "user: hello")
	assert.Contains(t, answer, "language: Go")

	msgs := f.fanout.forProject("p-1")
	require.Len(t, msgs, 2)
}

func TestInterruptedRunResumesWithNextUserMessage(t *testing.T) {
	f := newFixture(t)
	f.teamLead.fn = delegateTo(v1.RoleTester)

	var seen []*v1.TaskContext
	f.tester.fn = func(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
		seen = append(seen, task)
		if task.Type == v1.TaskTypeResumeWithAnswer {
			return &v1.TaskResult{Success: true, Output: "verified against staging"}, nil
		}
		return &v1.TaskResult{
			Success: true,
			Output:  "Which environment should I test against?",
			Data: map[string]interface{}{
				agents.KeyTaskStatus:    agents.TaskStatusInterrupted,
				agents.KeyInterruptNode: "gather_requirements",
			},
		}, nil
	}

	f.sendUserMessage(t, "p-1", "run the release checks")

	// Suspended, not finished: the per-task stream stays open.
	require.Equal(t, []string{events.TaskStarted, events.GraphInterrupted}, f.tasks.types())

	// The next message for the project answers the question instead of
	// starting a fresh team leader run.
	f.sendUserMessage(t, "p-1", "staging")

	require.Len(t, seen, 2)
	assert.Equal(t, v1.TaskTypeResumeWithAnswer, seen[1].Type)
	assert.Equal(t, "staging", seen[1].Answer)
	assert.Equal(t, seen[0].TaskID, seen[1].TaskID)

	assert.Equal(t, []string{
		events.TaskStarted,
		events.GraphInterrupted,
		events.GraphResumed,
		events.TaskCompleted,
	}, f.tasks.types())

	// Both the question and the final answer reached the project room.
	msgs := f.fanout.forProject("p-1")
	require.Len(t, msgs, 2)
	var payload map[string]interface{}
	require.NoError(t, msgs[0].ParsePayload(&payload))
	assert.Equal(t, "Which environment should I test against?", payload["text"])
}

func TestCancelledRunEmitsCancelledEvent(t *testing.T) {
	f := newFixture(t)
	f.teamLead.fn = delegateTo(v1.RoleTester)
	f.tester.fn = func(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
		return &v1.TaskResult{
			Success:      false,
			ErrorMessage: "stopped by user",
			Data: map[string]interface{}{
				agents.KeyTaskStatus: agents.TaskStatusCancelled,
			},
		}, nil
	}

	f.sendUserMessage(t, "p-1", "run the tests")

	assert.Equal(t, []string{events.TaskStarted, events.TaskCancelled}, f.tasks.types())
}

func TestStoryEnteringInProgressStartsDeveloperRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.stories.CreateStory(ctx, &v1.Story{
		ID:                 "s-1",
		ProjectID:          "p-1",
		Title:              "Login flow",
		Description:        "Users sign in with email and password.",
		AcceptanceCriteria: []string{"a session cookie is set"},
		Status:             v1.StoryStatusInProgress,
	}))

	var seen *v1.TaskContext
	f.developer.fn = func(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
		seen = task
		return &v1.TaskResult{Success: true, Output: "implementation under way"}, nil
	}

	event, err := bus.NewEventFrom(events.StoryStatusChanged, "test", v1.StoryStatusEvent{
		EventID:    "ch-1",
		StoryID:    "s-1",
		ProjectID:  "p-1",
		FromStatus: v1.StoryStatusTodo,
		ToStatus:   v1.StoryStatusInProgress,
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, events.TopicStoryEvents, event))

	require.NotNil(t, seen)
	assert.Equal(t, v1.TaskTypeStoryProcess, seen.Type)
	assert.Contains(t, seen.Content, "Login flow")
	assert.Contains(t, seen.Content, "a session cookie is set")

	assert.Equal(t, []string{events.TaskStarted, events.TaskCompleted}, f.tasks.types())
}
