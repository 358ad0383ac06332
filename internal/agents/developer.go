package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/events/lifecycle"
	"github.com/devcrew/devcrew/internal/graph"
	"github.com/devcrew/devcrew/internal/llm"
	"github.com/devcrew/devcrew/internal/workspace"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// Developer authors code: it plans, implements one step at a time,
// gates each step through review, sweeps for leftover placeholders,
// and validates with the project's test suite. Every retry loop is
// bounded by a counter carried in graph state so it survives
// checkpointing.
type Developer struct {
	*roleAgent
}

// Review and triage verdicts exchanged with the model.
const (
	verdictLGTM = "LGTM"
	verdictLBTM = "LBTM"
	passYes     = "YES"
	passNo      = "NO"

	errorClassImport = "IMPORT_ERROR"
)

// missingModulePatterns recognize dependency resolution failures in
// test output across the runtimes we host.
var missingModulePatterns = []*regexp.Regexp{
	regexp.MustCompile(`Cannot find module '([^']+)'`),
	regexp.MustCompile(`no required module provides package (\S+)`),
	regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`),
}

// NewDeveloper compiles the developer graph.
func NewDeveloper(id string, deps Deps) (*Developer, error) {
	d := &Developer{}

	g, err := graph.New("developer").
		AddNode("analyze_and_plan", d.analyzeAndPlan).
		AddNode("implement", d.implement).
		AddNode("review", d.review).
		AddNode("summarize", d.summarize).
		AddNode("validate", d.validate).
		AddNode("analyze_error", d.analyzeError).
		AddNode(graph.TerminalNode, d.respond).
		AddEdge(graph.Start, "analyze_and_plan").
		AddEdge("analyze_and_plan", "implement").
		AddEdge("implement", "review").
		AddRouter("review", func(state graph.State) string {
			if state.Int(KeyCurrentStep) < state.Int(KeyTotalSteps) {
				return "implement"
			}
			return "summarize"
		}).
		AddRouter("summarize", func(state graph.State) string {
			return state.String(keySummarizeNext)
		}).
		AddRouter("validate", func(state graph.State) string {
			if state.String(KeyRunStatus) == workspace.RunPass {
				return graph.TerminalNode
			}
			if state.Int(KeyDebugCount) >= deps.maxDebugAttempts() {
				return graph.TerminalNode
			}
			return "analyze_error"
		}).
		AddRouter("analyze_error", func(state graph.State) string {
			return state.String(keyAnalyzeNext)
		}).
		AddEdge(graph.TerminalNode, graph.End).
		Compile()
	if err != nil {
		return nil, err
	}

	d.roleAgent = newRoleAgent(id, v1.RoleDeveloper, g, deps)
	return d, nil
}

type planReply struct {
	Steps []string `json:"steps"`
}

// analyzeAndPlan explores the tree and produces the step plan.
func (d *Developer) analyzeAndPlan(ctx context.Context, state graph.State) (graph.State, error) {
	files, err := d.deps.Tools.ListFiles(ctx, ".")
	if err != nil {
		return nil, err
	}

	resp, err := d.deps.LLM.Complete(ctx, llm.Request{
		System: `You are a software developer. Break the task into a short ordered plan.
Reply with a JSON object: {"steps": ["...", "..."]}. Each step changes exactly one file.`,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Task: %s\n\nProject files:\n%s", state.String(KeyUserMessage), strings.Join(files, "\n"))},
		},
	})
	if err != nil {
		return nil, err
	}

	var plan planReply
	if err := decodeReply(resp.Content, &plan); err != nil {
		// A prose plan still works: one step per non-empty line.
		for _, line := range strings.Split(resp.Content, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				plan.Steps = append(plan.Steps, line)
			}
		}
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("planning produced no steps")
	}

	return state.Merge(graph.State{
		KeyPlan:           plan.Steps,
		KeyTotalSteps:     len(plan.Steps),
		KeyCurrentStep:    0,
		KeyReviewCount:    0,
		KeySummarizeCount: 0,
		KeyDebugCount:     0,
		KeyFilesModified:  []string{},
	}), nil
}

type implementReply struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// implement executes the current plan step by writing one file, then
// reports step progress on the task's lifecycle stream.
func (d *Developer) implement(ctx context.Context, state graph.State) (graph.State, error) {
	plan := state.Strings(KeyPlan)
	step := state.Int(KeyCurrentStep)
	if step < 0 || step >= len(plan) {
		return nil, fmt.Errorf("step %d out of range for a %d-step plan", step, len(plan))
	}

	prompt := fmt.Sprintf("Task: %s\nStep %d of %d: %s", state.String(KeyUserMessage), step+1, len(plan), plan[step])
	if feedback := state.String(KeyReviewFeedback); feedback != "" && state.Int(KeyReviewCount) > 0 {
		prompt += "\nPrevious attempt was rejected: " + feedback
	}

	resp, err := d.deps.LLM.Complete(ctx, llm.Request{
		System: `Implement the step. Reply with a JSON object: {"path": "relative/file/path", "content": "full file content"}.`,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, err
	}

	var change implementReply
	if err := decodeReply(resp.Content, &change); err != nil {
		return nil, err
	}
	if change.Path == "" {
		return nil, fmt.Errorf("implement step %d returned no file path", step)
	}
	if err := d.deps.Tools.WriteFile(ctx, change.Path, change.Content); err != nil {
		return nil, err
	}

	modified := state.Strings(KeyFilesModified)
	seen := false
	for _, path := range modified {
		if path == change.Path {
			seen = true
			break
		}
	}
	if !seen {
		modified = append(modified, change.Path)
	}

	d.progress(ctx, state, (step+1)*100/len(plan), plan[step])

	return state.Merge(graph.State{KeyFilesModified: modified}), nil
}

// review asks for an LGTM/LBTM verdict on the step just implemented.
// LBTM retries the same step until the per-step budget runs out, after
// which the step is accepted as-is so the run keeps moving.
func (d *Developer) review(ctx context.Context, state graph.State) (graph.State, error) {
	plan := state.Strings(KeyPlan)
	step := state.Int(KeyCurrentStep)

	resp, err := d.deps.LLM.Complete(ctx, llm.Request{
		System: `Review the change for the step. Reply "LGTM" to approve, or "LBTM: <feedback>" to request changes.`,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Step: %s\nFiles modified so far: %s",
				plan[step], strings.Join(state.Strings(KeyFilesModified), ", "))},
		},
	})
	if err != nil {
		return nil, err
	}

	verdict := strings.TrimSpace(resp.Content)
	if strings.HasPrefix(strings.ToUpper(verdict), verdictLBTM) {
		count := state.Int(KeyReviewCount)
		if count < d.deps.maxReviewRetries() {
			return state.Merge(graph.State{
				KeyReviewResult:   verdictLBTM,
				KeyReviewCount:    count + 1,
				KeyReviewFeedback: strings.TrimSpace(strings.TrimPrefix(verdict, verdictLBTM+":")),
			}), nil
		}
		d.logger.Warn("review budget exhausted, accepting step",
			zap.Int("step", step), zap.Int("review_count", count))
	}

	// Approved (or budget exhausted): advance and reset the per-step
	// counter.
	return state.Merge(graph.State{
		KeyReviewResult:   verdictLGTM,
		KeyReviewCount:    0,
		KeyReviewFeedback: "",
		KeyCurrentStep:    state.Int(KeyCurrentStep) + 1,
	}), nil
}

type summarizeReply struct {
	IsPass   string   `json:"is_pass"`
	FixSteps []string `json:"fix_steps"`
}

// summarize sweeps the modified files for leftover placeholders once
// all steps are done. A NO verdict replaces the plan with targeted fix
// steps and re-enters implement, bounded by its own counter.
func (d *Developer) summarize(ctx context.Context, state graph.State) (graph.State, error) {
	var findings []string
	for _, path := range state.Strings(KeyFilesModified) {
		content, err := d.deps.Tools.ReadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		if workspace.HasPlaceholder(content) {
			findings = append(findings, path)
		}
	}

	resp, err := d.deps.LLM.Complete(ctx, llm.Request{
		System: `Judge whether the implementation is complete. Reply with a JSON object:
{"is_pass": "YES" | "NO", "fix_steps": ["..."]}. fix_steps is required when is_pass is NO.`,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Task: %s\nFiles modified: %s\nFiles with unfinished markers: %s",
				state.String(KeyUserMessage),
				strings.Join(state.Strings(KeyFilesModified), ", "),
				strings.Join(findings, ", "))},
		},
	})
	if err != nil {
		return nil, err
	}

	var verdict summarizeReply
	if err := decodeReply(resp.Content, &verdict); err != nil {
		return nil, err
	}

	if strings.EqualFold(verdict.IsPass, passYes) {
		return state.Merge(graph.State{
			KeyIsPass:         passYes,
			KeySummarizeCount: 0,
			keySummarizeNext:  "validate",
		}), nil
	}

	count := state.Int(KeySummarizeCount)
	if count >= d.deps.maxSummarizeRetries() || len(verdict.FixSteps) == 0 {
		return state.Merge(graph.State{
			KeyIsPass:        passNo,
			keySummarizeNext: graph.TerminalNode,
		}), nil
	}

	return state.Merge(graph.State{
		KeyIsPass:         passNo,
		KeySummarizeCount: count + 1,
		KeyPlan:           verdict.FixSteps,
		KeyTotalSteps:     len(verdict.FixSteps),
		KeyCurrentStep:    0,
		keySummarizeNext:  "implement",
	}), nil
}

// validate runs the project's test command.
func (d *Developer) validate(ctx context.Context, state graph.State) (graph.State, error) {
	run, err := d.deps.Tools.RunTests(ctx)
	if err != nil {
		return nil, err
	}
	return state.Merge(graph.State{
		KeyRunStatus: run.Status,
		KeyRunStdout: run.Stdout,
		KeyRunStderr: run.Stderr,
	}), nil
}

type triageReply struct {
	Analysis string   `json:"analysis"`
	Steps    []string `json:"steps"`
}

// analyzeError triages a failed run. Missing-module failures are fixed
// in place and re-validated; anything else goes through model triage,
// which extends the plan with fix steps.
func (d *Developer) analyzeError(ctx context.Context, state graph.State) (graph.State, error) {
	stderr := state.String(KeyRunStderr)
	debugCount := state.Int(KeyDebugCount) + 1

	for _, pattern := range missingModulePatterns {
		match := pattern.FindStringSubmatch(stderr)
		if match == nil {
			continue
		}
		module := match[1]
		if err := d.deps.Tools.InstallDependency(ctx, module); err != nil {
			return nil, err
		}
		d.logger.Info("installed missing dependency",
			zap.String("module", module), zap.Int("debug_count", debugCount))
		return state.Merge(graph.State{
			KeyDebugCount:    debugCount,
			KeyErrorAnalysis: errorClassImport + ": " + module,
			keyAnalyzeNext:   "validate",
		}), nil
	}

	resp, err := d.deps.LLM.Complete(ctx, llm.Request{
		System: `Diagnose the failing test run. Reply with a JSON object:
{"analysis": "...", "steps": ["fix step", "..."]}.`,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf("stdout:\n%s\n\nstderr:\n%s",
				state.String(KeyRunStdout), stderr)},
		},
	})
	if err != nil {
		return nil, err
	}

	var triage triageReply
	if err := decodeReply(resp.Content, &triage); err != nil {
		return nil, err
	}
	if len(triage.Steps) == 0 {
		return state.Merge(graph.State{
			KeyDebugCount:    debugCount,
			KeyErrorAnalysis: triage.Analysis,
			keyAnalyzeNext:   graph.TerminalNode,
		}), nil
	}

	plan := append(state.Strings(KeyPlan), triage.Steps...)
	return state.Merge(graph.State{
		KeyDebugCount:    debugCount,
		KeyErrorAnalysis: triage.Analysis,
		KeyPlan:          plan,
		KeyTotalSteps:    len(plan),
		KeyCurrentStep:   len(plan) - len(triage.Steps),
		keyAnalyzeNext:   "implement",
	}), nil
}

// respond shapes the final message.
func (d *Developer) respond(ctx context.Context, state graph.State) (graph.State, error) {
	modified := state.Strings(KeyFilesModified)

	switch {
	case state.Has(graph.KeyError):
		return state.Merge(graph.State{
			KeyResponse: "The task failed: " + state.String(graph.KeyError),
		}), nil
	case state.String(KeyRunStatus) == workspace.RunFail:
		return state.Merge(graph.State{
			KeyResponse: fmt.Sprintf(
				"Implementation finished but tests are still failing after %d debug attempts. Last analysis: %s",
				state.Int(KeyDebugCount), state.String(KeyErrorAnalysis)),
		}), nil
	case state.String(KeyIsPass) == passNo:
		return state.Merge(graph.State{
			KeyResponse: "Implementation has unresolved gaps after the completion sweep; manual follow-up needed.",
		}), nil
	}

	return state.Merge(graph.State{
		KeyResponse: fmt.Sprintf("Done. Modified %d file(s): %s. Tests: %s.",
			len(modified), strings.Join(modified, ", "), state.String(KeyRunStatus)),
	}), nil
}

// progress emits a lifecycle progress event when a publisher is wired.
func (d *Developer) progress(ctx context.Context, state graph.State, percent int, message string) {
	if d.deps.Lifecycle == nil {
		return
	}
	meta := lifecycle.Meta{
		TaskID:    state.String(KeyTaskID),
		AgentID:   d.id,
		AgentName: string(d.role),
		ProjectID: state.String(KeyProjectID),
	}
	if err := d.deps.Lifecycle.Progress(ctx, meta, percent, message); err != nil {
		d.logger.Warn("failed to publish progress", zap.Error(err))
	}
}
