package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/devcrew/devcrew/internal/graph"
	"github.com/devcrew/devcrew/internal/llm"
	"github.com/devcrew/devcrew/internal/workspace"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// Tester plans test cases for the request, executes the project's test
// suite, and files a test report artifact with the outcome.
type Tester struct {
	*roleAgent
}

// NewTester compiles the tester graph.
func NewTester(id string, deps Deps) (*Tester, error) {
	tester := &Tester{}

	g, err := graph.New("tester").
		AddNode("plan_tests", tester.planTests).
		AddNode("execute", tester.execute).
		AddNode("report", tester.report).
		AddNode(graph.TerminalNode, tester.respond).
		AddEdge(graph.Start, "plan_tests").
		AddEdge("plan_tests", "execute").
		AddEdge("execute", "report").
		AddEdge("report", graph.TerminalNode).
		AddEdge(graph.TerminalNode, graph.End).
		Compile()
	if err != nil {
		return nil, err
	}

	tester.roleAgent = newRoleAgent(id, v1.RoleTester, g, deps)
	return tester, nil
}

type testPlanReply struct {
	Cases []string `json:"cases"`
}

func (t *Tester) planTests(ctx context.Context, state graph.State) (graph.State, error) {
	files, err := t.deps.Tools.ListFiles(ctx, ".")
	if err != nil {
		return nil, err
	}

	resp, err := t.deps.LLM.Complete(ctx, llm.Request{
		System: `You are a tester. List the cases to verify. Reply with a JSON object: {"cases": ["...", "..."]}.`,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Request: %s\n\nProject files:\n%s",
				state.String(KeyUserMessage), strings.Join(files, "\n"))},
		},
	})
	if err != nil {
		return nil, err
	}

	var plan testPlanReply
	if err := decodeReply(resp.Content, &plan); err != nil {
		return nil, err
	}
	if len(plan.Cases) == 0 {
		return nil, fmt.Errorf("test planning produced no cases")
	}
	return state.Merge(graph.State{"test_cases": plan.Cases}), nil
}

func (t *Tester) execute(ctx context.Context, state graph.State) (graph.State, error) {
	run, err := t.deps.Tools.RunTests(ctx)
	if err != nil {
		return nil, err
	}
	return state.Merge(graph.State{
		KeyRunStatus: run.Status,
		KeyRunStdout: run.Stdout,
		KeyRunStderr: run.Stderr,
	}), nil
}

// report files the run outcome as a test_report artifact.
func (t *Tester) report(ctx context.Context, state graph.State) (graph.State, error) {
	doc := &v1.Artifact{
		ID:        uuid.New().String(),
		ProjectID: state.String(KeyProjectID),
		AgentID:   t.id,
		AgentName: string(t.role),
		Type:      v1.ArtifactTypeTestReport,
		Title:     "Test run for task " + state.String(KeyTaskID),
		Content: map[string]interface{}{
			"status": state.String(KeyRunStatus),
			"cases":  state.Strings("test_cases"),
			"stdout": state.String(KeyRunStdout),
			"stderr": state.String(KeyRunStderr),
		},
		Status: v1.ArtifactStatusDraft,
	}
	if err := t.deps.Artifacts.Create(ctx, doc); err != nil {
		return nil, err
	}
	return state.Merge(graph.State{KeyArtifactID: doc.ID}), nil
}

func (t *Tester) respond(ctx context.Context, state graph.State) (graph.State, error) {
	if state.Has(graph.KeyError) {
		return state.Merge(graph.State{
			KeyResponse: "Test run failed to complete: " + state.String(graph.KeyError),
		}), nil
	}

	status := state.String(KeyRunStatus)
	summary := fmt.Sprintf("Ran the suite against %d planned case(s): %s.",
		len(state.Strings("test_cases")), status)
	if status == workspace.RunFail {
		summary += " See the test report artifact for failure output."
	}
	return state.Merge(graph.State{KeyResponse: summary}), nil
}
