package graph

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/graph/checkpoint"
)

// TerminalNode is the conventional name of a graph's terminal node.
// When a node fails, the executor records the error in state and gives
// this node a chance to produce a user-facing response.
const TerminalNode = "respond"

// defaultMaxSteps bounds a single run. Cycles are legal; runaway ones
// are not.
const defaultMaxSteps = 256

// Status tags a run result.
type Status string

const (
	StatusOk          Status = "ok"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
)

// Result is the tagged outcome of a run: exactly one of Ok, Error, or
// Interrupted.
type Result struct {
	Status Status
	State  State
	Error  error

	// InterruptReason and InterruptNode are set when Status is
	// Interrupted.
	InterruptReason string
	InterruptNode   string

	// Path lists the executed nodes in order.
	Path []string
}

// Executor runs compiled graphs with per-thread single-writer
// semantics and checkpointing at node boundaries.
type Executor struct {
	store    checkpoint.Store
	logger   *logger.Logger
	tracer   trace.Tracer
	maxSteps int

	mu      sync.Mutex
	threads map[string]*sync.Mutex
}

// NewExecutor creates a graph executor backed by the given checkpoint
// store.
func NewExecutor(store checkpoint.Store, log *logger.Logger) *Executor {
	return &Executor{
		store:    store,
		logger:   log.WithFields(zap.String("component", "graph")),
		tracer:   otel.Tracer("devcrew/graph"),
		maxSteps: defaultMaxSteps,
		threads:  make(map[string]*sync.Mutex),
	}
}

// lockThread serializes runs of the same thread.
func (e *Executor) lockThread(threadID string) func() {
	e.mu.Lock()
	lock, ok := e.threads[threadID]
	if !ok {
		lock = &sync.Mutex{}
		e.threads[threadID] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Run starts a fresh run of the graph on a thread. A thread with a
// pending interrupt must be resumed, not rerun.
func (e *Executor) Run(ctx context.Context, g *Compiled, threadID string, initial State) (*Result, error) {
	unlock := e.lockThread(threadID)
	defer unlock()

	if cp, err := e.store.Load(ctx, threadID); err == nil && cp.PendingInterrupt {
		return nil, errors.Conflict("thread " + threadID + " has a pending interrupt; resume it instead")
	} else if err != nil && !errors.IsNotFound(err) {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if initial == nil {
		initial = State{}
	}
	return e.loop(ctx, g, threadID, g.Entry(), initial, nil)
}

// Resume reloads a suspended thread, merges the answer into state
// under the well-known key, and re-enters at the interrupting node.
func (e *Executor) Resume(ctx context.Context, g *Compiled, threadID string, answer any) (*Result, error) {
	unlock := e.lockThread(threadID)
	defer unlock()

	cp, err := e.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !cp.PendingInterrupt {
		return nil, errors.Conflict("thread " + threadID + " has no pending interrupt")
	}
	if cp.Graph != g.Name() {
		return nil, errors.Conflict(fmt.Sprintf("thread %s belongs to graph %s, not %s", threadID, cp.Graph, g.Name()))
	}

	state := State(cp.State).Merge(State{KeyAnswer: answer})
	e.logger.Info("resuming graph thread",
		zap.String("graph", g.Name()),
		zap.String("thread_id", threadID),
		zap.String("node", cp.Node))
	return e.loop(ctx, g, threadID, cp.Node, state, cp.Path)
}

// Pending reports whether a thread is suspended on an interrupt.
func (e *Executor) Pending(ctx context.Context, threadID string) (bool, string, error) {
	cp, err := e.store.Load(ctx, threadID)
	if errors.IsNotFound(err) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return cp.PendingInterrupt, cp.Reason, nil
}

func (e *Executor) loop(ctx context.Context, g *Compiled, threadID, current string, state State, path []string) (*Result, error) {
	runCtx, span := e.tracer.Start(ctx, "graph.run",
		trace.WithAttributes(
			attribute.String("graph.name", g.Name()),
			attribute.String("graph.thread_id", threadID),
		))
	defer span.End()

	var runErr error
	steps := 0

	for current != End {
		if steps++; steps > e.maxSteps {
			return nil, errors.Internal(fmt.Sprintf("graph %s exceeded %d steps on thread %s", g.Name(), e.maxSteps, threadID), nil)
		}

		// Node boundary: persist before executing so a crash resumes
		// here instead of replaying completed nodes.
		if err := e.saveCheckpoint(runCtx, g, threadID, current, state, path, false, ""); err != nil {
			return nil, err
		}

		if err := runCtx.Err(); err != nil {
			return e.cancelled(g, threadID, current, state, path), nil
		}

		next, nextState, err := e.runNode(runCtx, g, threadID, current, state)
		switch {
		case err == nil:
			state = nextState
			path = append(path, current)
			current = next

		default:
			if ie, ok := AsInterrupt(err); ok {
				if err := e.saveCheckpoint(runCtx, g, threadID, current, state, path, true, ie.Reason); err != nil {
					return nil, err
				}
				e.logger.Info("graph interrupted",
					zap.String("graph", g.Name()),
					zap.String("thread_id", threadID),
					zap.String("node", current),
					zap.String("reason", ie.Reason))
				return &Result{
					Status:          StatusInterrupted,
					State:           state,
					InterruptReason: ie.Reason,
					InterruptNode:   current,
					Path:            path,
				}, nil
			}

			if runCtx.Err() != nil || errors.IsCancelled(err) {
				return e.cancelled(g, threadID, current, state, path), nil
			}

			// Node failure: record it and let the terminal node shape a
			// response, unless it already failed itself.
			e.logger.Error("graph node failed",
				zap.String("graph", g.Name()),
				zap.String("thread_id", threadID),
				zap.String("node", current),
				zap.Error(err))
			if runErr == nil && current != TerminalNode && g.HasNode(TerminalNode) {
				runErr = err
				state = state.Merge(State{KeyError: err.Error()})
				path = append(path, current)
				current = TerminalNode
				continue
			}
			if err := e.store.Delete(runCtx, threadID); err != nil {
				e.logger.Warn("failed to delete checkpoint", zap.String("thread_id", threadID), zap.Error(err))
			}
			if runErr == nil {
				runErr = err
			}
			return &Result{Status: StatusError, State: state, Error: runErr, Path: path}, nil
		}
	}

	if err := e.store.Delete(runCtx, threadID); err != nil {
		e.logger.Warn("failed to delete checkpoint", zap.String("thread_id", threadID), zap.Error(err))
	}

	if runErr != nil {
		return &Result{Status: StatusError, State: state, Error: runErr, Path: path}, nil
	}
	return &Result{Status: StatusOk, State: state, Path: path}, nil
}

func (e *Executor) runNode(ctx context.Context, g *Compiled, threadID, name string, state State) (string, State, error) {
	nodeCtx, span := e.tracer.Start(ctx, "graph.node",
		trace.WithAttributes(
			attribute.String("graph.name", g.Name()),
			attribute.String("graph.node", name),
		))
	defer span.End()

	fn := g.nodes[name]
	nextState, err := fn(nodeCtx, state)
	if err != nil {
		return "", nil, err
	}
	if nextState == nil {
		nextState = state
	}

	next, err := g.next(name, nextState)
	if err != nil {
		return "", nil, err
	}
	return next, nextState, nil
}

func (e *Executor) cancelled(g *Compiled, threadID, node string, state State, path []string) *Result {
	e.logger.Info("graph run cancelled",
		zap.String("graph", g.Name()),
		zap.String("thread_id", threadID),
		zap.String("node", node))
	return &Result{
		Status: StatusError,
		State:  state,
		Error:  errors.Cancelled("graph run cancelled at node " + node),
		Path:   path,
	}
}

func (e *Executor) saveCheckpoint(ctx context.Context, g *Compiled, threadID, node string, state State, path []string, pending bool, reason string) error {
	cp := &checkpoint.Checkpoint{
		ThreadID:         threadID,
		Graph:            g.Name(),
		Node:             node,
		State:            state,
		Path:             path,
		PendingInterrupt: pending,
		Reason:           reason,
	}
	if err := e.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to checkpoint thread %s at node %s: %w", threadID, node, err)
	}
	return nil
}
