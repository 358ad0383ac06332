// Package agents implements the role-specialized agents. Each role
// compiles its behavior into a graph once at construction time; every
// task runs that graph on its own thread, so interrupted work can be
// resumed by task id.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/artifact"
	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/events/lifecycle"
	"github.com/devcrew/devcrew/internal/graph"
	"github.com/devcrew/devcrew/internal/kanban"
	"github.com/devcrew/devcrew/internal/llm"
	"github.com/devcrew/devcrew/internal/workspace"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// Well-known graph state keys shared across role graphs.
const (
	KeyUserMessage = "user_message"
	KeyProjectID   = "project_id"
	KeyUserID      = "user_id"
	KeyTaskID      = "task_id"
	KeyHistory     = "conversation_history"
	KeyPreferences = "preferences"

	KeyAction     = "action"
	KeyTargetRole = "target_role"
	KeyReason     = "reason"
	KeyResponse   = "response"

	KeyPlan          = "implementation_plan"
	KeyTotalSteps    = "total_steps"
	KeyCurrentStep   = "current_step"
	KeyFilesModified = "files_modified"

	KeyReviewCount    = "review_count"
	KeyReviewResult   = "review_result"
	KeyReviewFeedback = "review_feedback"

	KeySummarizeCount = "summarize_count"
	KeyIsPass         = "is_pass"

	KeyDebugCount    = "debug_count"
	KeyErrorAnalysis = "error_analysis"
	KeyRunStatus     = "run_status"
	KeyRunStdout     = "run_stdout"
	KeyRunStderr     = "run_stderr"

	KeyArtifactID = "artifact_id"
	KeyToolOutput = "tool_output"
)

// Result-data status markers the dispatcher reads off a TaskResult to
// tell suspended and cancelled runs apart from completed ones.
const (
	KeyTaskStatus         = "status"
	KeyInterruptNode      = "interrupt_node"
	TaskStatusInterrupted = "interrupted"
	TaskStatusCancelled   = "cancelled"
)

// Internal routing hints written by nodes whose successor cannot be
// derived from counters alone.
const (
	keySummarizeNext = "summarize_next"
	keyAnalyzeNext   = "analyze_next"
)

// Agent is the common surface of all role agents.
type Agent interface {
	ID() string
	Role() v1.AgentRole
	HandleTask(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error)
}

// Deps carries everything a role graph needs. Lifecycle is optional;
// when nil, no progress events are emitted from inside graphs.
type Deps struct {
	LLM       llm.Client
	Executor  *graph.Executor
	Kanban    *kanban.Controller
	Artifacts *artifact.Service
	Tools     workspace.Tools
	Lifecycle *lifecycle.Publisher
	Graph     config.GraphConfig
	Logger    *logger.Logger
}

func (d Deps) maxReviewRetries() int {
	if d.Graph.MaxReviewRetries > 0 {
		return d.Graph.MaxReviewRetries
	}
	return 2
}

func (d Deps) maxSummarizeRetries() int {
	if d.Graph.MaxSummarizeRetries > 0 {
		return d.Graph.MaxSummarizeRetries
	}
	return 2
}

func (d Deps) maxDebugAttempts() int {
	if d.Graph.MaxDebugAttempts > 0 {
		return d.Graph.MaxDebugAttempts
	}
	return 3
}

// New builds the agent for a role.
func New(role v1.AgentRole, id string, deps Deps) (Agent, error) {
	switch role {
	case v1.RoleTeamLeader:
		return NewTeamLeader(id, deps)
	case v1.RoleDeveloper:
		return NewDeveloper(id, deps)
	case v1.RoleBusinessAnalyst:
		return NewBusinessAnalyst(id, deps)
	case v1.RoleTester:
		return NewTester(id, deps)
	}
	return nil, errors.Validation(fmt.Sprintf("unknown agent role: %s", role))
}

// roleAgent runs a compiled graph per task. The task id doubles as the
// graph thread id so resume_with_answer events land on the right
// suspended run.
type roleAgent struct {
	id       string
	role     v1.AgentRole
	compiled *graph.Compiled
	deps     Deps
	logger   *logger.Logger
}

func newRoleAgent(id string, role v1.AgentRole, compiled *graph.Compiled, deps Deps) *roleAgent {
	return &roleAgent{
		id:       id,
		role:     role,
		compiled: compiled,
		deps:     deps,
		logger: deps.Logger.WithFields(
			zap.String("component", "agent"),
			zap.String("agent_role", string(role)),
			zap.String("agent_id", id)),
	}
}

func (a *roleAgent) ID() string         { return a.id }
func (a *roleAgent) Role() v1.AgentRole { return a.role }

// HandleTask runs (or resumes) the role graph for one task.
func (a *roleAgent) HandleTask(ctx context.Context, task *v1.TaskContext) (*v1.TaskResult, error) {
	var (
		result *graph.Result
		err    error
	)
	if task.Type == v1.TaskTypeResumeWithAnswer {
		result, err = a.deps.Executor.Resume(ctx, a.compiled, task.TaskID, task.Answer)
	} else {
		result, err = a.deps.Executor.Run(ctx, a.compiled, task.TaskID, a.initialState(task))
	}
	if err != nil {
		return nil, err
	}

	a.logger.Info("task finished",
		zap.String("task_id", task.TaskID),
		zap.String("status", string(result.Status)))
	return taskResult(result), nil
}

func (a *roleAgent) initialState(task *v1.TaskContext) graph.State {
	state := graph.State{
		KeyUserMessage: task.Content,
		KeyProjectID:   task.ProjectID,
		KeyUserID:      task.UserID,
		KeyTaskID:      task.TaskID,
	}
	if history, ok := task.Metadata[KeyHistory]; ok {
		state[KeyHistory] = history
	}
	if prefs, ok := task.Metadata[KeyPreferences]; ok {
		state[KeyPreferences] = prefs
	}
	if task.RoutingReason != "" {
		state[KeyReason] = task.RoutingReason
	}
	return state
}

// taskResult flattens a graph result into the task envelope the pool
// and dispatcher understand.
func taskResult(r *graph.Result) *v1.TaskResult {
	data := map[string]interface{}{}
	for _, key := range []string{
		KeyAction, KeyTargetRole, KeyReason, KeyFilesModified,
		KeyRunStatus, KeyReviewCount, KeyDebugCount, KeyArtifactID,
	} {
		if r.State.Has(key) {
			data[key] = r.State[key]
		}
	}

	switch r.Status {
	case graph.StatusInterrupted:
		data[KeyTaskStatus] = TaskStatusInterrupted
		data[KeyInterruptNode] = r.InterruptNode
		return &v1.TaskResult{
			Success: true,
			Output:  r.InterruptReason,
			Data:    data,
		}
	case graph.StatusError:
		if errors.IsCancelled(r.Error) {
			data[KeyTaskStatus] = TaskStatusCancelled
		}
		return &v1.TaskResult{
			Success:      false,
			Output:       r.State.String(KeyResponse),
			Data:         data,
			ErrorMessage: r.Error.Error(),
		}
	}
	return &v1.TaskResult{
		Success: true,
		Output:  r.State.String(KeyResponse),
		Data:    data,
	}
}

// decodeReply extracts a JSON object from an LLM reply, tolerating
// prose or code fences around it.
func decodeReply(content string, out any) error {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return errors.Validation("reply contains no JSON object")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), out); err != nil {
		return errors.Wrap(errors.KindValidation, "failed to decode reply", err)
	}
	return nil
}

// historyText renders prior conversation turns for inclusion in a
// prompt.
func historyText(state graph.State) string {
	lines := state.Strings(KeyHistory)
	if len(lines) == 0 {
		return "(no prior messages)"
	}
	return strings.Join(lines, "\n")
}

// preferencesText renders the user's stored preferences, tolerating
// the map[string]any shape a checkpoint round trip produces.
func preferencesText(state graph.State) string {
	var pairs []string
	switch prefs := state[KeyPreferences].(type) {
	case map[string]string:
		for k, v := range prefs {
			pairs = append(pairs, k+": "+v)
		}
	case map[string]any:
		for k, v := range prefs {
			pairs = append(pairs, fmt.Sprintf("%s: %v", k, v))
		}
	}
	if len(pairs) == 0 {
		return ""
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "\n")
}
