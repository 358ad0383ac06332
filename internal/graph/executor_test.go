package graph

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/graph/checkpoint"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func testExecutor(t *testing.T) (*Executor, checkpoint.Store) {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	return NewExecutor(store, testLogger(t)), store
}

func passthrough(key string, value any) NodeFunc {
	return func(ctx context.Context, state State) (State, error) {
		return state.Merge(State{key: value}), nil
	}
}

func TestCompileRejectsDanglingGraphs(t *testing.T) {
	_, err := New("empty").Compile()
	require.Error(t, err)

	_, err = New("no-exit").
		AddNode("a", passthrough("a", true)).
		AddEdge(Start, "a").
		Compile()
	require.Error(t, err)

	_, err = New("bad-edge").
		AddNode("a", passthrough("a", true)).
		AddEdge(Start, "a").
		AddEdge("a", "ghost").
		Compile()
	require.Error(t, err)

	_, err = New("ok").
		AddNode("a", passthrough("a", true)).
		AddEdge(Start, "a").
		AddEdge("a", End).
		Compile()
	require.NoError(t, err)
}

func TestRunLinearGraph(t *testing.T) {
	g, err := New("linear").
		AddNode("first", passthrough("first", true)).
		AddNode("second", passthrough("second", true)).
		AddEdge(Start, "first").
		AddEdge("first", "second").
		AddEdge("second", End).
		Compile()
	require.NoError(t, err)

	exec, store := testExecutor(t)
	result, err := exec.Run(context.Background(), g, "t-1", State{"input": "hello"})
	require.NoError(t, err)

	assert.Equal(t, StatusOk, result.Status)
	assert.Equal(t, []string{"first", "second"}, result.Path)
	assert.True(t, result.State.Bool("first"))
	assert.True(t, result.State.Bool("second"))
	assert.Equal(t, "hello", result.State.String("input"))

	// Completed runs leave no checkpoint behind.
	_, err = store.Load(context.Background(), "t-1")
	assert.True(t, errors.IsNotFound(err))
}

func TestRouterBranching(t *testing.T) {
	g, err := New("branch").
		AddNode("decide", passthrough("decided", true)).
		AddNode("left", passthrough("took", "left")).
		AddNode("right", passthrough("took", "right")).
		AddEdge(Start, "decide").
		AddRouter("decide", func(state State) string {
			if state.Bool("go_left") {
				return "left"
			}
			return "right"
		}).
		AddEdge("left", End).
		AddEdge("right", End).
		Compile()
	require.NoError(t, err)

	exec, _ := testExecutor(t)

	result, err := exec.Run(context.Background(), g, "t-left", State{"go_left": true})
	require.NoError(t, err)
	assert.Equal(t, "left", result.State.String("took"))

	result, err = exec.Run(context.Background(), g, "t-right", State{})
	require.NoError(t, err)
	assert.Equal(t, "right", result.State.String("took"))
}

func TestNodeFailureRoutesToTerminalNode(t *testing.T) {
	g, err := New("failing").
		AddNode("work", func(ctx context.Context, state State) (State, error) {
			return nil, fmt.Errorf("tool exploded")
		}).
		AddNode(TerminalNode, func(ctx context.Context, state State) (State, error) {
			return state.Merge(State{"responded": true}), nil
		}).
		AddEdge(Start, "work").
		AddEdge("work", TerminalNode).
		AddEdge(TerminalNode, End).
		Compile()
	require.NoError(t, err)

	exec, store := testExecutor(t)
	result, err := exec.Run(context.Background(), g, "t-1", State{})
	require.NoError(t, err)

	assert.Equal(t, StatusError, result.Status)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "tool exploded")
	// The terminal node still ran and saw the recorded error.
	assert.True(t, result.State.Bool("responded"))
	assert.Equal(t, "tool exploded", result.State.String(KeyError))

	_, err = store.Load(context.Background(), "t-1")
	assert.True(t, errors.IsNotFound(err))
}

func TestTerminalNodeFailureEndsRun(t *testing.T) {
	g, err := New("terminal-fails").
		AddNode(TerminalNode, func(ctx context.Context, state State) (State, error) {
			return nil, fmt.Errorf("respond failed")
		}).
		AddEdge(Start, TerminalNode).
		AddEdge(TerminalNode, End).
		Compile()
	require.NoError(t, err)

	exec, _ := testExecutor(t)
	result, err := exec.Run(context.Background(), g, "t-1", State{})
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Error.Error(), "respond failed")
}

func interruptibleGraph(t *testing.T) *Compiled {
	t.Helper()
	g, err := New("ask").
		AddNode("gather", func(ctx context.Context, state State) (State, error) {
			if !state.Has(KeyAnswer) {
				return nil, Interrupt("which database do you prefer?")
			}
			return state.Merge(State{"database": state.String(KeyAnswer)}), nil
		}).
		AddNode(TerminalNode, passthrough("responded", true)).
		AddEdge(Start, "gather").
		AddEdge("gather", TerminalNode).
		AddEdge(TerminalNode, End).
		Compile()
	require.NoError(t, err)
	return g
}

func TestInterruptSuspendsAndResumeReenters(t *testing.T) {
	g := interruptibleGraph(t)
	exec, store := testExecutor(t)
	ctx := context.Background()

	result, err := exec.Run(ctx, g, "t-1", State{"topic": "storage"})
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, result.Status)
	assert.Equal(t, "gather", result.InterruptNode)
	assert.Equal(t, "which database do you prefer?", result.InterruptReason)

	cp, err := store.Load(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, cp.PendingInterrupt)
	assert.Equal(t, "gather", cp.Node)

	// A fresh run on the suspended thread is rejected.
	_, err = exec.Run(ctx, g, "t-1", State{})
	assert.True(t, errors.IsConflict(err))

	resumed, err := exec.Resume(ctx, g, "t-1", "postgres")
	require.NoError(t, err)
	assert.Equal(t, StatusOk, resumed.Status)
	assert.Equal(t, "postgres", resumed.State.String("database"))
	assert.Equal(t, "storage", resumed.State.String("topic"))
	assert.True(t, resumed.State.Bool("responded"))

	// Resuming twice is a conflict: the interrupt was consumed.
	_, err = exec.Resume(ctx, g, "t-1", "postgres")
	require.Error(t, err)
}

func TestResumeWithoutInterrupt(t *testing.T) {
	g := interruptibleGraph(t)
	exec, _ := testExecutor(t)

	_, err := exec.Resume(context.Background(), g, "never-ran", "answer")
	assert.True(t, errors.IsNotFound(err))
}

func TestCancellationSurfacesCleanly(t *testing.T) {
	started := make(chan struct{})
	g, err := New("slow").
		AddNode("wait", func(ctx context.Context, state State) (State, error) {
			close(started)
			<-ctx.Done()
			return nil, errors.Cancelled("node aborted")
		}).
		AddEdge(Start, "wait").
		AddEdge("wait", End).
		Compile()
	require.NoError(t, err)

	exec, _ := testExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	result, err := exec.Run(ctx, g, "t-1", State{})
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.True(t, errors.IsCancelled(result.Error))
}

func TestCyclesAreBoundedByMaxSteps(t *testing.T) {
	g, err := New("spin").
		AddNode("loop", passthrough("spun", true)).
		AddRouter("loop", func(State) string { return "loop" }).
		AddEdge(Start, "loop").
		Compile()
	require.NoError(t, err)

	exec, _ := testExecutor(t)
	exec.maxSteps = 10
	_, err = exec.Run(context.Background(), g, "t-1", State{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded")
}

func TestBoundedRetryLoopThroughRouter(t *testing.T) {
	// A review-style cycle: implement -> review -> implement, bounded
	// by a counter carried in state.
	g, err := New("retry").
		AddNode("implement", func(ctx context.Context, state State) (State, error) {
			return state.Merge(State{"attempts": state.Int("attempts") + 1}), nil
		}).
		AddNode("review", passthrough("reviewed", true)).
		AddNode(TerminalNode, passthrough("responded", true)).
		AddEdge(Start, "implement").
		AddEdge("implement", "review").
		AddRouter("review", func(state State) string {
			if state.Int("attempts") < 3 {
				return "implement"
			}
			return TerminalNode
		}).
		AddEdge(TerminalNode, End).
		Compile()
	require.NoError(t, err)

	exec, _ := testExecutor(t)
	result, err := exec.Run(context.Background(), g, "t-1", State{})
	require.NoError(t, err)
	assert.Equal(t, StatusOk, result.Status)
	assert.Equal(t, 3, result.State.Int("attempts"))
}

func TestPendingReportsSuspendedThreads(t *testing.T) {
	g := interruptibleGraph(t)
	exec, _ := testExecutor(t)
	ctx := context.Background()

	pending, _, err := exec.Pending(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = exec.Run(ctx, g, "t-1", State{})
	require.NoError(t, err)

	pending, reason, err := exec.Pending(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, "which database do you prefer?", reason)
}
