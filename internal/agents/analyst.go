package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/devcrew/devcrew/internal/graph"
	"github.com/devcrew/devcrew/internal/llm"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// BusinessAnalyst turns a request into an approved specification
// artifact. When the request is too ambiguous to specify, the gather
// node suspends the run with a clarification question; the answer
// re-enters at the same node.
type BusinessAnalyst struct {
	*roleAgent
}

// clarificationPrefix marks a model reply that needs user input before
// the spec can be drafted.
const clarificationPrefix = "NEEDS_CLARIFICATION:"

// NewBusinessAnalyst compiles the analyst graph.
func NewBusinessAnalyst(id string, deps Deps) (*BusinessAnalyst, error) {
	ba := &BusinessAnalyst{}

	g, err := graph.New("business_analyst").
		AddNode("gather", ba.gather).
		AddNode("draft_spec", ba.draftSpec).
		AddNode("review_gate", ba.reviewGate).
		AddNode(graph.TerminalNode, ba.respond).
		AddEdge(graph.Start, "gather").
		AddEdge("gather", "draft_spec").
		AddEdge("draft_spec", "review_gate").
		AddRouter("review_gate", func(state graph.State) string {
			if state.String(KeyReviewResult) == verdictLBTM &&
				state.Int(KeyReviewCount) <= deps.maxReviewRetries() {
				return "draft_spec"
			}
			return graph.TerminalNode
		}).
		AddEdge(graph.TerminalNode, graph.End).
		Compile()
	if err != nil {
		return nil, err
	}

	ba.roleAgent = newRoleAgent(id, v1.RoleBusinessAnalyst, g, deps)
	return ba, nil
}

// gather extracts the requirements, interrupting when the model needs
// an answer from the user first.
func (ba *BusinessAnalyst) gather(ctx context.Context, state graph.State) (graph.State, error) {
	prompt := fmt.Sprintf("Conversation so far:\n%s\n\nRequest: %s",
		historyText(state), state.String(KeyUserMessage))
	if state.Has(graph.KeyAnswer) {
		prompt += "\n\nUser's answer to your question: " + state.String(graph.KeyAnswer)
	}

	resp, err := ba.deps.LLM.Complete(ctx, llm.Request{
		System: `You are a business analyst. Summarize the concrete requirements of the request.
If the request is too ambiguous to specify, reply exactly "NEEDS_CLARIFICATION: <your question>".`,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	reply := strings.TrimSpace(resp.Content)
	if strings.HasPrefix(reply, clarificationPrefix) && !state.Has(graph.KeyAnswer) {
		return nil, graph.Interrupt(strings.TrimSpace(strings.TrimPrefix(reply, clarificationPrefix)))
	}

	return state.Merge(graph.State{"requirements": reply}), nil
}

type specReply struct {
	Title              string   `json:"title"`
	Overview           string   `json:"overview"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// draftSpec writes the spec document artifact. Reruns after an LBTM
// review version the existing document instead of starting a new
// chain.
func (ba *BusinessAnalyst) draftSpec(ctx context.Context, state graph.State) (graph.State, error) {
	prompt := "Requirements:\n" + state.String("requirements")
	if feedback := state.String(KeyReviewFeedback); feedback != "" {
		prompt += "\n\nReviewer feedback on the previous draft: " + feedback
	}

	resp, err := ba.deps.LLM.Complete(ctx, llm.Request{
		System: `Draft a specification. Reply with a JSON object:
{"title": "...", "overview": "...", "acceptance_criteria": ["...", "..."]}.`,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	var spec specReply
	if err := decodeReply(resp.Content, &spec); err != nil {
		return nil, err
	}
	content := map[string]interface{}{
		"overview":            spec.Overview,
		"acceptance_criteria": spec.AcceptanceCriteria,
	}

	if parentID := state.String(KeyArtifactID); parentID != "" {
		revised, err := ba.deps.Artifacts.CreateVersion(ctx, parentID, content)
		if err != nil {
			return nil, err
		}
		return state.Merge(graph.State{KeyArtifactID: revised.ID}), nil
	}

	doc := &v1.Artifact{
		ID:        uuid.New().String(),
		ProjectID: state.String(KeyProjectID),
		AgentID:   ba.id,
		AgentName: string(ba.role),
		Type:      v1.ArtifactTypeSpecDocument,
		Title:     spec.Title,
		Content:   content,
		Status:    v1.ArtifactStatusDraft,
	}
	if err := ba.deps.Artifacts.Create(ctx, doc); err != nil {
		return nil, err
	}
	return state.Merge(graph.State{KeyArtifactID: doc.ID}), nil
}

// reviewGate approves the draft or sends it back with feedback.
func (ba *BusinessAnalyst) reviewGate(ctx context.Context, state graph.State) (graph.State, error) {
	doc, err := ba.deps.Artifacts.Get(ctx, state.String(KeyArtifactID))
	if err != nil {
		return nil, err
	}

	resp, err := ba.deps.LLM.Complete(ctx, llm.Request{
		System: `Review the specification. Reply "LGTM" to approve, or "LBTM: <feedback>" to request changes.`,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf("Title: %s\nOverview: %v\nAcceptance criteria: %v",
				doc.Title, doc.Content["overview"], doc.Content["acceptance_criteria"])},
		},
	})
	if err != nil {
		return nil, err
	}

	verdict := strings.TrimSpace(resp.Content)
	if strings.HasPrefix(strings.ToUpper(verdict), verdictLBTM) {
		count := state.Int(KeyReviewCount) + 1
		result := verdictLBTM
		if count > ba.deps.maxReviewRetries() {
			// Budget exhausted: ship the draft unapproved.
			result = verdictLGTM
		}
		return state.Merge(graph.State{
			KeyReviewResult:   result,
			KeyReviewCount:    count,
			KeyReviewFeedback: strings.TrimSpace(strings.TrimPrefix(verdict, verdictLBTM+":")),
		}), nil
	}

	if _, err := ba.deps.Artifacts.UpdateStatus(ctx, doc.ID, v1.ArtifactStatusApproved, ba.id, ""); err != nil {
		return nil, err
	}
	return state.Merge(graph.State{KeyReviewResult: verdictLGTM}), nil
}

func (ba *BusinessAnalyst) respond(ctx context.Context, state graph.State) (graph.State, error) {
	if state.Has(graph.KeyError) {
		return state.Merge(graph.State{
			KeyResponse: "Specification work failed: " + state.String(graph.KeyError),
		}), nil
	}

	doc, err := ba.deps.Artifacts.Get(ctx, state.String(KeyArtifactID))
	if err != nil {
		return nil, err
	}
	return state.Merge(graph.State{
		KeyResponse: fmt.Sprintf("Specification %q is ready (version %d, status %s).",
			doc.Title, doc.Version, doc.Status),
	}), nil
}
