package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/devcrew/devcrew/internal/graph"
	"github.com/devcrew/devcrew/internal/llm"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// TeamLeader classifies inbound user messages and either answers
// directly, runs read-only tools, or delegates to a specialist role.
// Delegation passes through a WIP gate so hard column limits are
// respected before any routing event is emitted.
type TeamLeader struct {
	*roleAgent
}

const teamLeaderSystem = `You are the team leader of a software delivery crew.
Classify the user's message and reply with a single JSON object:
{"action": "RESPOND" | "DELEGATE" | "TOOL_CALL", "target_role": "business_analyst" | "developer" | "tester", "reason": "...", "response": "..."}
Use DELEGATE only for work a specialist must perform; set target_role and reason.
Use TOOL_CALL when you need to inspect the project files before answering.
Otherwise use RESPOND and put your answer in "response".`

type classification struct {
	Action     string `json:"action"`
	TargetRole string `json:"target_role"`
	Reason     string `json:"reason"`
	Response   string `json:"response"`
}

// delegationColumn maps a target role to the kanban column its work
// lands in, which is the column the WIP gate checks.
func delegationColumn(role v1.AgentRole) v1.StoryStatus {
	switch role {
	case v1.RoleDeveloper:
		return v1.StoryStatusInProgress
	case v1.RoleTester:
		return v1.StoryStatusReview
	default:
		return v1.StoryStatusTodo
	}
}

// NewTeamLeader compiles the team leader graph.
func NewTeamLeader(id string, deps Deps) (*TeamLeader, error) {
	tl := &TeamLeader{}

	g, err := graph.New("team_leader").
		AddNode("classify", tl.classify).
		AddNode("tool_calls", tl.toolCalls).
		AddNode("wip_gate", tl.wipGate).
		AddNode("delegate", tl.delegate).
		AddNode("answer_directly", tl.answerDirectly).
		AddNode(graph.TerminalNode, tl.respond).
		AddEdge(graph.Start, "classify").
		AddRouter("classify", func(state graph.State) string {
			switch v1.RouterAction(state.String(KeyAction)) {
			case v1.ActionToolCall:
				return "tool_calls"
			case v1.ActionDelegate:
				return "wip_gate"
			}
			return "answer_directly"
		}).
		AddEdge("tool_calls", "answer_directly").
		AddRouter("wip_gate", func(state graph.State) string {
			if state.Bool("wip_blocked") {
				return graph.TerminalNode
			}
			return "delegate"
		}).
		AddEdge("delegate", graph.TerminalNode).
		AddEdge("answer_directly", graph.TerminalNode).
		AddEdge(graph.TerminalNode, graph.End).
		Compile()
	if err != nil {
		return nil, err
	}

	tl.roleAgent = newRoleAgent(id, v1.RoleTeamLeader, g, deps)
	return tl, nil
}

func (tl *TeamLeader) classify(ctx context.Context, state graph.State) (graph.State, error) {
	resp, err := tl.deps.LLM.Complete(ctx, llm.Request{
		System: teamLeaderSystem,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Conversation so far:\n%s\n\nUser message: %s",
				historyText(state), state.String(KeyUserMessage))},
		},
	})
	if err != nil {
		return nil, err
	}

	var c classification
	if err := decodeReply(resp.Content, &c); err != nil {
		// Unparseable classification degrades to a direct answer.
		return state.Merge(graph.State{KeyAction: string(v1.ActionRespond)}), nil
	}

	action := v1.RouterAction(strings.ToUpper(c.Action))
	merged := graph.State{KeyAction: string(action)}
	if action == v1.ActionDelegate {
		role := v1.AgentRole(c.TargetRole)
		if !v1.ValidRole(role) || role == v1.RoleTeamLeader {
			// Nowhere to send it; answer instead.
			merged[KeyAction] = string(v1.ActionRespond)
		} else {
			merged[KeyTargetRole] = string(role)
			merged[KeyReason] = c.Reason
		}
	}
	if c.Response != "" {
		merged[KeyResponse] = c.Response
	}
	return state.Merge(merged), nil
}

// toolCalls gives the leader a read-only look at the working tree
// before answering.
func (tl *TeamLeader) toolCalls(ctx context.Context, state graph.State) (graph.State, error) {
	files, err := tl.deps.Tools.ListFiles(ctx, ".")
	if err != nil {
		return nil, err
	}
	return state.Merge(graph.State{KeyToolOutput: strings.Join(files, "\n")}), nil
}

func (tl *TeamLeader) wipGate(ctx context.Context, state graph.State) (graph.State, error) {
	role := v1.AgentRole(state.String(KeyTargetRole))
	column := delegationColumn(role)

	ok, reason, err := tl.deps.Kanban.CanPull(ctx, state.String(KeyProjectID), column)
	if err != nil {
		return nil, err
	}
	if !ok {
		return state.Merge(graph.State{
			"wip_blocked": true,
			KeyAction:     string(v1.ActionRespond),
			KeyResponse: fmt.Sprintf(
				"I can't hand this to the %s right now: %s. The work is queued and will start as soon as a slot frees up.",
				role, reason),
		}), nil
	}
	return state.Merge(graph.State{"wip_blocked": false}), nil
}

func (tl *TeamLeader) delegate(ctx context.Context, state graph.State) (graph.State, error) {
	role := state.String(KeyTargetRole)
	reason := state.String(KeyReason)
	return state.Merge(graph.State{
		KeyResponse: fmt.Sprintf("Routing this to the %s: %s", role, reason),
	}), nil
}

func (tl *TeamLeader) answerDirectly(ctx context.Context, state graph.State) (graph.State, error) {
	prompt := fmt.Sprintf("Conversation so far:\n%s\n\nBoard status:\n%s\n\nUser message: %s",
		historyText(state),
		tl.boardSummary(ctx, state.String(KeyProjectID)),
		state.String(KeyUserMessage))
	if prefs := preferencesText(state); prefs != "" {
		prompt += "\n\nUser preferences:\n" + prefs
	}
	if tool := state.String(KeyToolOutput); tool != "" {
		prompt += "\n\nProject files:\n" + tool
	}

	resp, err := tl.deps.LLM.Complete(ctx, llm.Request{
		System:   "You are the team leader. Answer the user directly and concretely.",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, err
	}
	return state.Merge(graph.State{
		KeyAction:   string(v1.ActionRespond),
		KeyResponse: resp.Content,
	}), nil
}

func (tl *TeamLeader) respond(ctx context.Context, state graph.State) (graph.State, error) {
	if state.Has(graph.KeyError) && state.String(KeyResponse) == "" {
		return state.Merge(graph.State{
			KeyResponse: "Something went wrong while handling your message: " + state.String(graph.KeyError),
		}), nil
	}
	return state, nil
}

// boardSummary renders WIP counts per column for the answer prompt.
// Failures degrade to an empty summary rather than failing the answer.
func (tl *TeamLeader) boardSummary(ctx context.Context, projectID string) string {
	status, err := tl.deps.Kanban.WIPStatus(ctx, projectID)
	if err != nil {
		return "(board unavailable)"
	}

	var b strings.Builder
	for _, column := range v1.StoryColumns {
		cs, ok := status[column]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s: %d", column, cs.Current)
		if cs.Limit > 0 {
			fmt.Fprintf(&b, "/%d (%s limit)", cs.Limit, cs.Type)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
