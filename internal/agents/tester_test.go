package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcrew/devcrew/internal/llm"
	"github.com/devcrew/devcrew/internal/workspace"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

func TestTesterFilesAReport(t *testing.T) {
	client := llm.NewScripted(
		llm.Step{Match: "login flow", Reply: `{"cases": ["valid credentials sign in", "wrong password is rejected"]}`},
	)
	deps, _, artifacts := agentDeps(t, client, newFakeTools(map[string]string{"login.go": "package login"}))

	tester, err := NewTester("qa-1", deps)
	require.NoError(t, err)
	ctx := context.Background()

	task := messageTask("t-1", "verify the login flow")
	task.Type = v1.TaskTypeTestRun
	result, err := tester.HandleTask(ctx, task)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Contains(t, result.Output, "2 planned case(s)")
	assert.Contains(t, result.Output, workspace.RunPass)

	report, err := artifacts.Latest(ctx, "p-1", v1.ArtifactTypeTestReport, "")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, workspace.RunPass, report.Content["status"])
	assert.Len(t, report.Content["cases"], 2)
}

func TestTesterReportsFailures(t *testing.T) {
	client := llm.NewScripted(
		llm.Step{Reply: `{"cases": ["checkout total is correct"]}`},
	)
	tools := newFakeTools(nil)
	tools.queueRun(&workspace.RunResult{
		Status: workspace.RunFail,
		Stderr: "assertion failed: want 10, got 12",
	})
	deps, _, artifacts := agentDeps(t, client, tools)

	tester, err := NewTester("qa-1", deps)
	require.NoError(t, err)
	ctx := context.Background()

	result, err := tester.HandleTask(ctx, messageTask("t-1", "verify checkout math"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Contains(t, result.Output, workspace.RunFail)
	assert.Contains(t, result.Output, "report artifact")

	report, err := artifacts.Latest(ctx, "p-1", v1.ArtifactTypeTestReport, "")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, workspace.RunFail, report.Content["status"])
	assert.Contains(t, report.Content["stderr"], "assertion failed")
}
