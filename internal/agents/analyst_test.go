package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcrew/devcrew/internal/llm"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

func TestAnalystClarificationInterruptAndResume(t *testing.T) {
	client := llm.NewScripted(
		llm.Step{Match: "add login", Reply: "NEEDS_CLARIFICATION: Which identity provider should we integrate?"},
		// On resume the user's answer is part of the prompt.
		llm.Step{Match: "OAuth with Google", Reply: "Users sign in through Google OAuth."},
		llm.Step{Reply: `{"title": "Login", "overview": "Google OAuth sign-in", "acceptance_criteria": ["redirects to Google", "stores the session"]}`},
		llm.Step{Reply: "LGTM"},
	)
	deps, _, artifacts := agentDeps(t, client, newFakeTools(nil))

	ba, err := NewBusinessAnalyst("ba-1", deps)
	require.NoError(t, err)
	ctx := context.Background()

	result, err := ba.HandleTask(ctx, messageTask("t-1", "add login"))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "interrupted", result.Data["status"])
	assert.Equal(t, "gather", result.Data["interrupt_node"])
	assert.Equal(t, "Which identity provider should we integrate?", result.Output)

	pending, reason, err := deps.Executor.Pending(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Contains(t, reason, "identity provider")

	resumed, err := ba.HandleTask(ctx, &v1.TaskContext{
		TaskID:    "t-1",
		Type:      v1.TaskTypeResumeWithAnswer,
		ProjectID: "p-1",
		UserID:    "u-1",
		Answer:    "OAuth with Google",
	})
	require.NoError(t, err)
	assert.True(t, resumed.Success)
	assert.Contains(t, resumed.Output, "ready")

	// The spec document landed and was approved.
	doc, err := artifacts.Latest(ctx, "p-1", v1.ArtifactTypeSpecDocument, "")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, v1.ArtifactStatusApproved, doc.Status)
	assert.Equal(t, 1, doc.Version)

	// And the suspended thread is gone.
	pending, _, err = deps.Executor.Pending(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestAnalystReviewRejectionVersionsTheSpec(t *testing.T) {
	client := llm.NewScripted(
		llm.Step{Reply: "Export board data as CSV."},
		llm.Step{Reply: `{"title": "CSV export", "overview": "Export the board", "acceptance_criteria": ["downloads a file"]}`},
		llm.Step{Reply: "LBTM: criteria must name the columns included"},
		// The redraft sees the reviewer's feedback.
		llm.Step{Match: "name the columns included", Reply: `{"title": "CSV export", "overview": "Export the board", "acceptance_criteria": ["downloads a file", "includes status and priority columns"]}`},
		llm.Step{Reply: "LGTM"},
	)
	deps, _, artifacts := agentDeps(t, client, newFakeTools(nil))

	ba, err := NewBusinessAnalyst("ba-1", deps)
	require.NoError(t, err)
	ctx := context.Background()

	result, err := ba.HandleTask(ctx, messageTask("t-1", "we need a CSV export"))
	require.NoError(t, err)
	assert.True(t, result.Success)

	doc, err := artifacts.Latest(ctx, "p-1", v1.ArtifactTypeSpecDocument, "CSV export")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, 2, doc.Version)
	assert.Equal(t, v1.ArtifactStatusApproved, doc.Status)

	// The rejected draft is archived underneath it.
	parent, err := artifacts.Get(ctx, doc.ParentID)
	require.NoError(t, err)
	assert.Equal(t, v1.ArtifactStatusArchived, parent.Status)
}
