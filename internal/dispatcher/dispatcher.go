// Package dispatcher routes inbound traffic through the agent fleet:
// one consumer turns user messages into team leader runs, one consumer
// per role executes delegations against that role's pool, and a story
// consumer hands freshly started stories to the developer pool.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/agents"
	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/credit"
	"github.com/devcrew/devcrew/internal/events"
	"github.com/devcrew/devcrew/internal/events/bus"
	"github.com/devcrew/devcrew/internal/events/lifecycle"
	"github.com/devcrew/devcrew/internal/pool"
	"github.com/devcrew/devcrew/internal/projectctx"
	"github.com/devcrew/devcrew/internal/story"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
	ws "github.com/devcrew/devcrew/pkg/websocket"
)

// Fanout pushes messages to a project's live sockets. The websocket
// hub implements it.
type Fanout interface {
	Broadcast(projectID string, msg *ws.Message) int
}

// Deps carries the dispatcher's collaborators. Fanout, Credits, and
// Stories are optional; without Stories the story consumer ignores
// status changes. Retry, when set, overrides the consumers' redelivery
// policy; Topics and GroupID are always derived internally.
type Deps struct {
	Bus       bus.EventBus
	Cache     *projectctx.Cache
	Manager   *pool.Manager
	Lifecycle *lifecycle.Publisher
	Fanout    Fanout
	Credits   credit.Store
	Stories   story.Repository
	Retry     events.ConsumerConfig
	Logger    *logger.Logger
}

func (deps Deps) consumerConfig(topics []string, group string) events.ConsumerConfig {
	cfg := deps.Retry
	cfg.Topics = topics
	cfg.GroupID = group
	return cfg
}

// pendingResume remembers a suspended graph run so the project's next
// user message can answer it.
type pendingResume struct {
	taskID string
	role   v1.AgentRole
}

// Dispatcher owns the user-message consumer, the per-role routing
// consumers, and the story consumer.
type Dispatcher struct {
	deps   Deps
	logger *logger.Logger

	userConsumer  *events.Consumer
	storyConsumer *events.Consumer
	roleConsumers map[v1.AgentRole]*events.Consumer

	// One pending interrupt per project; a newer interrupt replaces an
	// unanswered older one.
	pendingMu sync.Mutex
	pending   map[string]pendingResume
}

// New creates a dispatcher with consumers for every delegatable role.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		deps:          deps,
		logger:        deps.Logger.WithFields(zap.String("component", "dispatcher")),
		roleConsumers: make(map[v1.AgentRole]*events.Consumer),
		pending:       make(map[string]pendingResume),
	}

	d.userConsumer = events.NewConsumer(deps.Bus,
		deps.consumerConfig([]string{events.TopicUserMessages}, "dispatcher"),
		events.HandlerMap{
			events.UserMessageReceived: d.handleUserMessage,
		}, deps.Logger)

	d.storyConsumer = events.NewConsumer(deps.Bus,
		deps.consumerConfig([]string{events.TopicStoryEvents}, "story-processor"),
		events.HandlerMap{
			events.StoryStatusChanged: d.handleStoryMoved,
		}, deps.Logger)

	for _, role := range v1.DelegatableRoles {
		role := role
		d.roleConsumers[role] = events.NewConsumer(deps.Bus,
			deps.consumerConfig([]string{events.BuildRoutingSubject(string(role))}, "routing-"+string(role)),
			events.HandlerMap{
				events.RoutingDelegated: func(ctx context.Context, event *bus.Event) error {
					return d.handleDelegation(ctx, role, event)
				},
			}, deps.Logger)
	}
	return d
}

// Start brings all consumers online.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.userConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start user-message consumer: %w", err)
	}
	if err := d.storyConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start story consumer: %w", err)
	}
	for role, c := range d.roleConsumers {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s consumer: %w", role, err)
		}
	}
	d.logger.Info("dispatcher started")
	return nil
}

// Stop drains all consumers.
func (d *Dispatcher) Stop() error {
	var firstErr error
	if err := d.userConsumer.Stop(); err != nil {
		firstErr = err
	}
	if err := d.storyConsumer.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, c := range d.roleConsumers {
		if err := c.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleUserMessage runs the team leader graph for one user message
// and acts on its classification. When the project has a suspended
// graph run waiting on a question, the message is treated as the
// answer and routed back to the suspended role instead.
func (d *Dispatcher) handleUserMessage(ctx context.Context, event *bus.Event) error {
	var msg v1.UserMessageEvent
	if err := event.DecodeData(&msg); err != nil {
		return errors.Wrap(errors.KindPoisonMessage, "malformed user message event", err)
	}
	if msg.ProjectID == "" || msg.Content == "" {
		return errors.New(errors.KindPoisonMessage, "user message event missing project or content")
	}

	log := d.logger.WithFields(
		zap.String("project_id", msg.ProjectID),
		zap.String("event_id", msg.EventID))

	if err := d.deps.Cache.AddMessage(ctx, msg.ProjectID, "user", msg.Content); err != nil {
		return err
	}

	if p, ok := d.peekPending(msg.ProjectID); ok {
		return d.publishResume(ctx, p, &msg)
	}

	bundle, err := d.deps.Cache.Get(ctx, msg.ProjectID)
	if err != nil {
		return err
	}

	task := &v1.TaskContext{
		TaskID:      msg.EventID,
		Type:        v1.TaskTypeMessage,
		ProjectID:   msg.ProjectID,
		UserID:      msg.UserID,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		Metadata:    taskMetadata(bundle),
		CreatedAt:   time.Now().UTC(),
	}

	lease, err := d.deps.Manager.Acquire(ctx, v1.RoleTeamLeader, msg.ProjectID)
	if err != nil {
		return err
	}
	result, taskErr := lease.Agent().HandleTask(ctx, task)
	if relErr := d.releaseLease(ctx, v1.RoleTeamLeader, lease, taskErr); relErr != nil {
		log.Warn("failed to release team leader", zap.Error(relErr))
	}
	if taskErr != nil {
		return taskErr
	}

	action, _ := result.Data[agents.KeyAction].(string)
	if action == string(v1.ActionDelegate) {
		return d.publishDelegation(ctx, lease.Meta().ID, &msg, result)
	}

	// RESPOND (and everything unclassified) goes straight back to the
	// user.
	if err := d.deps.Cache.AddMessage(ctx, msg.ProjectID, "assistant", result.Output); err != nil {
		return err
	}
	d.broadcastResponse(msg.ProjectID, result.Output)
	return nil
}

// publishDelegation records the hand-off message and emits the routing
// event for the target role's consumer.
func (d *Dispatcher) publishDelegation(ctx context.Context, fromAgent string, msg *v1.UserMessageEvent, result *v1.TaskResult) error {
	role := v1.AgentRole(asString(result.Data[agents.KeyTargetRole]))
	if !v1.ValidRole(role) || role == v1.RoleTeamLeader {
		return errors.New(errors.KindPoisonMessage, "delegation with invalid target role: "+string(role))
	}

	routing := v1.RoutingEvent{
		EventID:   uuid.New().String(),
		FromAgent: fromAgent,
		ToAgent:   role,
		ProjectID: msg.ProjectID,
		UserID:    msg.UserID,
		Reason:    asString(result.Data[agents.KeyReason]),
		Context: v1.RoutingContext{
			MessageID:   msg.EventID,
			UserMessage: msg.Content,
		},
		Timestamp: time.Now().UTC(),
	}
	event, err := bus.NewEventFrom(events.RoutingDelegated, "dispatcher", routing)
	if err != nil {
		return fmt.Errorf("failed to build routing event: %w", err)
	}
	if err := d.deps.Bus.Publish(ctx, events.BuildRoutingSubject(string(role)), event); err != nil {
		return fmt.Errorf("failed to publish routing event: %w", err)
	}

	if result.Output != "" {
		if err := d.deps.Cache.AddMessage(ctx, msg.ProjectID, "assistant", result.Output); err != nil {
			return err
		}
		d.broadcastResponse(msg.ProjectID, result.Output)
	}
	d.logger.Info("delegated user message",
		zap.String("project_id", msg.ProjectID),
		zap.String("to_agent", string(role)))
	return nil
}

// publishResume routes a user's answer back to the role whose graph is
// suspended. The routing event reuses the suspended task id so the
// role's consumer resumes that thread; the pending marker is cleared
// only once the event is on the bus.
func (d *Dispatcher) publishResume(ctx context.Context, p pendingResume, msg *v1.UserMessageEvent) error {
	routing := v1.RoutingEvent{
		EventID:   p.taskID,
		FromAgent: "dispatcher",
		ToAgent:   p.role,
		ProjectID: msg.ProjectID,
		UserID:    msg.UserID,
		Reason:    "answer to a pending question",
		Context: v1.RoutingContext{
			MessageID:       msg.EventID,
			UserMessage:     msg.Content,
			SelectedOptions: []string{msg.Content},
		},
		Timestamp: time.Now().UTC(),
	}
	event, err := bus.NewEventFrom(events.RoutingDelegated, "dispatcher", routing)
	if err != nil {
		return fmt.Errorf("failed to build resume routing event: %w", err)
	}
	if err := d.deps.Bus.Publish(ctx, events.BuildRoutingSubject(string(p.role)), event); err != nil {
		return fmt.Errorf("failed to publish resume routing event: %w", err)
	}
	d.clearPending(msg.ProjectID, p.taskID)

	d.logger.Info("routed answer to suspended run",
		zap.String("project_id", msg.ProjectID),
		zap.String("task_id", p.taskID),
		zap.String("to_agent", string(p.role)))
	return nil
}

// handleDelegation executes one routing event against the role's pool.
// Routing events carrying selected options resume the suspended thread
// named by their event id instead of starting a fresh run.
func (d *Dispatcher) handleDelegation(ctx context.Context, role v1.AgentRole, event *bus.Event) error {
	var routing v1.RoutingEvent
	if err := event.DecodeData(&routing); err != nil {
		return errors.Wrap(errors.KindPoisonMessage, "malformed routing event", err)
	}
	if routing.ToAgent != role {
		// Not ours; another role's consumer will pick it up.
		return nil
	}

	task := &v1.TaskContext{
		TaskID:        routing.EventID,
		Type:          v1.TaskTypeMessage,
		ProjectID:     routing.ProjectID,
		UserID:        routing.UserID,
		RoutingReason: routing.Reason,
		Content:       routing.Context.UserMessage,
		CreatedAt:     time.Now().UTC(),
	}
	if len(routing.Context.SelectedOptions) > 0 {
		task.Type = v1.TaskTypeResumeWithAnswer
		task.Answer = routing.Context.SelectedOptions[0]
	}
	if bundle, err := d.deps.Cache.Get(ctx, routing.ProjectID); err == nil {
		task.Metadata = taskMetadata(bundle)
	} else {
		d.logger.Warn("failed to load project context for delegation",
			zap.String("project_id", routing.ProjectID), zap.Error(err))
	}

	return d.executeTask(ctx, taskRun{
		role:      role,
		task:      task,
		userID:    routing.UserID,
		fromAgent: routing.FromAgent,
	})
}

// handleStoryMoved hands a story entering InProgress to the developer
// pool as a story_process task.
func (d *Dispatcher) handleStoryMoved(ctx context.Context, event *bus.Event) error {
	var change v1.StoryStatusEvent
	if err := event.DecodeData(&change); err != nil {
		return errors.Wrap(errors.KindPoisonMessage, "malformed story status event", err)
	}
	if change.StoryID == "" || change.ProjectID == "" {
		return errors.New(errors.KindPoisonMessage, "story status event missing story or project")
	}
	if change.ToStatus != v1.StoryStatusInProgress || d.deps.Stories == nil {
		return nil
	}

	st, err := d.deps.Stories.GetStory(ctx, change.StoryID)
	if errors.IsNotFound(err) {
		return errors.Wrap(errors.KindPoisonMessage, "story no longer exists", err)
	}
	if err != nil {
		return err
	}

	task := &v1.TaskContext{
		TaskID:        change.EventID,
		Type:          v1.TaskTypeStoryProcess,
		ProjectID:     change.ProjectID,
		RoutingReason: "story moved to " + string(change.ToStatus),
		Content:       storyBrief(st),
		CreatedAt:     time.Now().UTC(),
	}
	return d.executeTask(ctx, taskRun{role: v1.RoleDeveloper, task: task})
}

// taskRun is one unit of role work with its accounting identity.
type taskRun struct {
	role      v1.AgentRole
	task      *v1.TaskContext
	userID    string
	fromAgent string
}

// executeTask acquires a worker, runs (or resumes) the role graph, and
// publishes the matching lifecycle events. Terminal events are only
// emitted for terminal outcomes; an interrupted run stays open until
// its answer arrives.
func (d *Dispatcher) executeTask(ctx context.Context, run taskRun) error {
	task := run.task
	resume := task.Type == v1.TaskTypeResumeWithAnswer

	lease, err := d.deps.Manager.Acquire(ctx, run.role, task.ProjectID)
	if err != nil {
		// No worker before the deadline: the task fails visibly
		// instead of queueing forever.
		meta := lifecycle.Meta{TaskID: task.TaskID, ProjectID: task.ProjectID}
		if pubErr := d.deps.Lifecycle.Failed(ctx, meta, err.Error()); pubErr != nil {
			d.logger.Warn("failed to publish failure event", zap.Error(pubErr))
		}
		return err
	}

	meta := lifecycle.Meta{
		TaskID:    task.TaskID,
		AgentID:   lease.Meta().ID,
		AgentName: lease.Meta().Name,
		ProjectID: task.ProjectID,
	}
	if resume {
		// The started event was published when the run began; resuming
		// announces itself instead so the per-task stream stays
		// started → … → one terminal event.
		d.publishGraphEvent(ctx, events.GraphResumed, task.TaskID, map[string]interface{}{
			"task_id":    task.TaskID,
			"project_id": task.ProjectID,
			"agent_role": string(run.role),
			"timestamp":  time.Now().UTC(),
		})
	} else {
		if err := d.deps.Lifecycle.Started(ctx, meta); err != nil {
			d.logger.Warn("failed to publish started event", zap.Error(err))
		}
	}

	result, taskErr := lease.Agent().HandleTask(ctx, task)
	if relErr := d.releaseLease(ctx, run.role, lease, taskErr); relErr != nil {
		d.logger.Warn("failed to release agent", zap.Error(relErr))
	}

	if taskErr != nil {
		if pubErr := d.deps.Lifecycle.Failed(ctx, meta, taskErr.Error()); pubErr != nil {
			d.logger.Warn("failed to publish failure event", zap.Error(pubErr))
		}
		return taskErr
	}

	switch asString(result.Data[agents.KeyTaskStatus]) {
	case agents.TaskStatusInterrupted:
		// Suspended, not finished: remember where to send the answer
		// and tell the project room a question is waiting.
		d.storePending(task.ProjectID, pendingResume{taskID: task.TaskID, role: run.role})
		d.publishGraphEvent(ctx, events.GraphInterrupted, task.TaskID, map[string]interface{}{
			"task_id":    task.TaskID,
			"project_id": task.ProjectID,
			"agent_role": string(run.role),
			"node":       asString(result.Data[agents.KeyInterruptNode]),
			"reason":     result.Output,
			"timestamp":  time.Now().UTC(),
		})
	case agents.TaskStatusCancelled:
		if pubErr := d.deps.Lifecycle.Cancelled(ctx, meta, result.ErrorMessage); pubErr != nil {
			d.logger.Warn("failed to publish cancellation event", zap.Error(pubErr))
		}
	default:
		if !result.Success {
			if pubErr := d.deps.Lifecycle.Failed(ctx, meta, result.ErrorMessage); pubErr != nil {
				d.logger.Warn("failed to publish failure event", zap.Error(pubErr))
			}
		} else if pubErr := d.deps.Lifecycle.Completed(ctx, meta, result.Data); pubErr != nil {
			d.logger.Warn("failed to publish completion event", zap.Error(pubErr))
		}
	}

	d.recordCredits(ctx, run, result)

	if result.Output != "" {
		if err := d.deps.Cache.AddMessage(ctx, task.ProjectID, "assistant", result.Output); err != nil {
			d.logger.Warn("failed to record agent response", zap.Error(err))
		}
		d.broadcastResponse(task.ProjectID, result.Output)
	}
	return nil
}

func (d *Dispatcher) publishGraphEvent(ctx context.Context, eventType, taskID string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, "dispatcher", data)
	if err := d.deps.Bus.Publish(ctx, events.BuildTaskSubject(taskID), event); err != nil {
		d.logger.Warn("failed to publish graph event",
			zap.String("event_type", eventType),
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

func (d *Dispatcher) storePending(projectID string, p pendingResume) {
	d.pendingMu.Lock()
	d.pending[projectID] = p
	d.pendingMu.Unlock()
}

func (d *Dispatcher) peekPending(projectID string) (pendingResume, bool) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	p, ok := d.pending[projectID]
	return p, ok
}

// clearPending removes the marker only if it still names the same task;
// a newer interrupt must not be wiped by an older answer.
func (d *Dispatcher) clearPending(projectID, taskID string) {
	d.pendingMu.Lock()
	if p, ok := d.pending[projectID]; ok && p.taskID == taskID {
		delete(d.pending, projectID)
	}
	d.pendingMu.Unlock()
}

// recordCredits books the task's LLM usage against the requesting
// user when an accounting store is wired.
func (d *Dispatcher) recordCredits(ctx context.Context, run taskRun, result *v1.TaskResult) {
	if d.deps.Credits == nil || run.userID == "" {
		return
	}
	tokens := asInt64(result.Data["tokens_used"])
	calls := int(asInt64(result.Data["llm_calls"]))
	activity := &v1.CreditActivity{
		UserID:     run.userID,
		ProjectID:  run.task.ProjectID,
		AgentID:    run.fromAgent,
		Model:      asString(result.Data["model"]),
		TokensUsed: tokens,
		LLMCalls:   calls,
		Delta:      -tokens / tokensPerCredit,
		Reason:     string(run.role) + " task",
	}
	if err := d.deps.Credits.Record(ctx, activity); err != nil {
		d.logger.Warn("failed to record credit activity", zap.Error(err))
	}
	if tokens > 0 {
		if p, err := d.deps.Manager.Pool(run.role); err == nil {
			p.RecordUsage(activity.Model, int(tokens))
		}
	}
}

func (d *Dispatcher) releaseLease(ctx context.Context, role v1.AgentRole, lease *pool.Lease, taskErr error) error {
	p, err := d.deps.Manager.Pool(role)
	if err != nil {
		return err
	}
	return p.Release(ctx, lease, taskErr)
}

func (d *Dispatcher) broadcastResponse(projectID, text string) {
	if d.deps.Fanout == nil || text == "" {
		return
	}
	msg, err := ws.NewNotification(ws.ActionChatResponse, map[string]interface{}{
		"project_id": projectID,
		"text":       text,
	})
	if err != nil {
		d.logger.Error("failed to build chat response", zap.Error(err))
		return
	}
	d.deps.Fanout.Broadcast(projectID, msg)
}

// tokensPerCredit converts raw token usage into credit spend.
const tokensPerCredit = 1000

func taskMetadata(bundle *projectctx.Context) map[string]interface{} {
	metadata := make(map[string]interface{})
	if history := historyLines(bundle); len(history) > 0 {
		metadata[agents.KeyHistory] = history
	}
	if len(bundle.Preferences) > 0 {
		prefs := make(map[string]interface{}, len(bundle.Preferences))
		for k, v := range bundle.Preferences {
			prefs[k] = v
		}
		metadata[agents.KeyPreferences] = prefs
	}
	return metadata
}

// historyLines renders the bundle's recent messages one turn per line,
// the shape the role graphs read prior conversation in.
func historyLines(bundle *projectctx.Context) []string {
	lines := make([]string, 0, len(bundle.Messages))
	for _, m := range bundle.Messages {
		lines = append(lines, m.Role+": "+m.Text)
	}
	return lines
}

// storyBrief renders a story into the work description a developer
// graph starts from.
func storyBrief(st *v1.Story) string {
	var b strings.Builder
	b.WriteString(st.Title)
	if st.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(st.Description)
	}
	if len(st.AcceptanceCriteria) > 0 {
		b.WriteString("\n\nAcceptance criteria:")
		for _, ac := range st.AcceptanceCriteria {
			b.WriteString("\n- ")
			b.WriteString(ac)
		}
	}
	return b.String()
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
