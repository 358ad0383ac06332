package agents

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/events"
	"github.com/devcrew/devcrew/internal/events/bus"
	"github.com/devcrew/devcrew/internal/events/lifecycle"
	"github.com/devcrew/devcrew/internal/llm"
	"github.com/devcrew/devcrew/internal/workspace"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

func storyTask(id, content string) *v1.TaskContext {
	task := messageTask(id, content)
	task.Type = v1.TaskTypeStoryProcess
	return task
}

func TestDeveloperHappyPath(t *testing.T) {
	client := llm.NewScripted(
		llm.Step{Match: "login form", Reply: `{"steps": ["create the form component", "wire the submit endpoint"]}`},
		llm.Step{Match: "Step 1 of 2", Reply: `{"path": "form.tsx", "content": "export const Form = () => null"}`},
		llm.Step{Reply: "LGTM"},
		llm.Step{Match: "Step 2 of 2", Reply: `{"path": "api.ts", "content": "export const submit = () => fetch('/login')"}`},
		llm.Step{Reply: "LGTM"},
		llm.Step{Reply: `{"is_pass": "YES"}`},
	)
	tools := newFakeTools(map[string]string{"package.json": "{}"})
	deps, _, _ := agentDeps(t, client, tools)

	// Capture lifecycle progress for the task.
	memBus := bus.NewMemoryEventBus(deps.Logger)
	deps.Lifecycle = lifecycle.NewPublisher(memBus, "test", deps.Logger)
	var mu sync.Mutex
	var progress []int
	_, err := memBus.Subscribe(events.BuildTaskWildcardSubject(), func(ctx context.Context, event *bus.Event) error {
		if event.Type != events.TaskProgress {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if pct, ok := event.Data["progress"].(float64); ok {
			progress = append(progress, int(pct))
		}
		return nil
	})
	require.NoError(t, err)

	dev, err := NewDeveloper("dev-1", deps)
	require.NoError(t, err)

	result, err := dev.HandleTask(context.Background(), storyTask("t-1", "implement the login form"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Contains(t, result.Output, "Modified 2 file(s)")
	assert.Equal(t, workspace.RunPass, result.Data[KeyRunStatus])
	assert.Len(t, result.Data[KeyFilesModified], 2)
	assert.Contains(t, tools.fileContent(t, "form.tsx"), "Form")
	assert.Contains(t, tools.fileContent(t, "api.ts"), "submit")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{50, 100}, progress)
}

func TestDeveloperLBTMRecovery(t *testing.T) {
	client := llm.NewScripted(
		llm.Step{Reply: `{"steps": ["create the handler", "register the route"]}`},
		llm.Step{Match: "Step 1 of 2", Reply: `{"path": "handler.go", "content": "package web"}`},
		llm.Step{Reply: "LBTM: name the handler after the resource"},
		// Rerun of the same step carries the reviewer's feedback.
		llm.Step{Match: "name the handler after the resource", Reply: `{"path": "handler.go", "content": "package web // loginHandler"}`},
		llm.Step{Reply: "LGTM"},
		llm.Step{Match: "Step 2 of 2", Reply: `{"path": "routes.go", "content": "package web"}`},
		llm.Step{Reply: "LGTM"},
		llm.Step{Reply: `{"is_pass": "YES"}`},
	)
	tools := newFakeTools(nil)
	deps, _, _ := agentDeps(t, client, tools)

	dev, err := NewDeveloper("dev-1", deps)
	require.NoError(t, err)

	result, err := dev.HandleTask(context.Background(), storyTask("t-1", "add the login endpoint"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	// Counters settle: the per-step counter reset on approval and no
	// debug cycle ran.
	assert.Equal(t, 0, result.Data[KeyReviewCount])
	assert.Equal(t, 0, result.Data[KeyDebugCount])
	assert.Len(t, result.Data[KeyFilesModified], 2)
	assert.Contains(t, tools.fileContent(t, "handler.go"), "loginHandler")
}

func TestDeveloperImportErrorAutoFix(t *testing.T) {
	client := llm.NewScripted(
		llm.Step{Reply: `{"steps": ["add the express server"]}`},
		llm.Step{Reply: `{"path": "server.js", "content": "const express = require('express')"}`},
		llm.Step{Reply: "LGTM"},
		llm.Step{Reply: `{"is_pass": "YES"}`},
	)
	tools := newFakeTools(nil)
	tools.queueRun(&workspace.RunResult{
		Status: workspace.RunFail,
		Stderr: "Error: Cannot find module 'express'",
	})
	// Second run (after the install) passes via the default.
	deps, _, _ := agentDeps(t, client, tools)

	dev, err := NewDeveloper("dev-1", deps)
	require.NoError(t, err)

	result, err := dev.HandleTask(context.Background(), storyTask("t-1", "serve the app with express"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, workspace.RunPass, result.Data[KeyRunStatus])
	assert.Equal(t, 1, result.Data[KeyDebugCount])
	assert.Equal(t, []string{"express"}, tools.installedModules())
}

func TestDeveloperSummarizeSweepTriggersFixSteps(t *testing.T) {
	client := llm.NewScripted(
		llm.Step{Reply: `{"steps": ["draft the parser"]}`},
		llm.Step{Reply: `{"path": "parser.go", "content": "package parse // TODO finish"}`},
		llm.Step{Reply: "LGTM"},
		// The sweep reports the unfinished file back to the model.
		llm.Step{Match: "unfinished markers: parser.go", Reply: `{"is_pass": "NO", "fix_steps": ["finish the parser"]}`},
		llm.Step{Match: "finish the parser", Reply: `{"path": "parser.go", "content": "package parse"}`},
		llm.Step{Reply: "LGTM"},
		llm.Step{Reply: `{"is_pass": "YES"}`},
	)
	tools := newFakeTools(nil)
	deps, _, _ := agentDeps(t, client, tools)

	dev, err := NewDeveloper("dev-1", deps)
	require.NoError(t, err)

	result, err := dev.HandleTask(context.Background(), storyTask("t-1", "write the parser"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotContains(t, tools.fileContent(t, "parser.go"), "TODO")
	// The fix plan replaced the original, so only one file was touched.
	assert.Len(t, result.Data[KeyFilesModified], 1)
}

func TestDeveloperDebugBudgetExhausted(t *testing.T) {
	client := llm.NewScripted(
		llm.Step{Reply: `{"steps": ["add the express server"]}`},
		llm.Step{Reply: `{"path": "server.js", "content": "const express = require('express')"}`},
		llm.Step{Reply: "LGTM"},
		llm.Step{Reply: `{"is_pass": "YES"}`},
	)
	tools := newFakeTools(nil)
	// The install never takes: both runs fail the same way.
	tools.queueRun(&workspace.RunResult{Status: workspace.RunFail, Stderr: "Error: Cannot find module 'express'"})
	tools.queueRun(&workspace.RunResult{Status: workspace.RunFail, Stderr: "Error: Cannot find module 'express'"})

	deps, _, _ := agentDeps(t, client, tools)
	deps.Graph = config.GraphConfig{MaxDebugAttempts: 1}

	dev, err := NewDeveloper("dev-1", deps)
	require.NoError(t, err)

	result, err := dev.HandleTask(context.Background(), storyTask("t-1", "serve the app with express"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, workspace.RunFail, result.Data[KeyRunStatus])
	assert.Equal(t, 1, result.Data[KeyDebugCount])
	assert.Contains(t, result.Output, "still failing")
}
